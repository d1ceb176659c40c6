package models

import "time"

// CacheMetadataEntry records access recency for one cache key.
type CacheMetadataEntry struct {
	Key            string `db:"key" json:"key"`
	LastAccessedAt int64  `db:"last_accessed_at" json:"last_accessed_at"` // Unix milliseconds
	AccessCount    int64  `db:"access_count" json:"access_count"`
}

// TableName returns the table name for CacheMetadataEntry.
func (CacheMetadataEntry) TableName() string {
	return "cache_metadata"
}

// LastAccessed returns LastAccessedAt as time.Time.
func (e *CacheMetadataEntry) LastAccessed() time.Time {
	return time.UnixMilli(e.LastAccessedAt)
}

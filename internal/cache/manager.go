// Package cache tracks cache key access in the persistent store and keeps the
// cache buckets under a size ceiling by evicting least-recently-used keys.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kimhsiao/offlinekit/internal/cache/bucket"
	"github.com/kimhsiao/offlinekit/internal/db"
	apperrors "github.com/kimhsiao/offlinekit/internal/errors"
	"github.com/kimhsiao/offlinekit/internal/logging"
	"github.com/kimhsiao/offlinekit/internal/models"
)

// Bucket names used by the consumers of this package.
const (
	BucketStatic       = "static"
	BucketAPIResponses = "api-responses"
	BucketThumbnails   = "thumbnails"
	BucketPreviews     = "previews"
)

// MiB is one mebibyte. Sizes in Config are byte counts.
const MiB int64 = 1 << 20

// Config holds the eviction thresholds.
type Config struct {
	EvictionThreshold  int64 // Sweep starts at or above this size (default: 45 MiB)
	MaxCacheSize       int64 // Hard ceiling (default: 50 MiB)
	TargetPercent      int64 // Sweep stops at this share of MaxCacheSize (default: 80)
	BatchSize          int   // LRU rows fetched per page (default: 20)
	EstimatedEntrySize int64 // Bytes credited per evicted key (default: 1 MiB)
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		EvictionThreshold:  45 * MiB,
		MaxCacheSize:       50 * MiB,
		TargetPercent:      80,
		BatchSize:          20,
		EstimatedEntrySize: MiB,
	}
}

// Target returns the size a sweep evicts down to.
func (c Config) Target() int64 {
	return c.MaxCacheSize * c.TargetPercent / 100
}

// Store is the metadata persistence the manager needs.
type Store interface {
	TouchCacheMetadata(ctx context.Context, key string, accessedAt int64) error
	ListLRU(ctx context.Context, after *db.LRUCursor, limit int) ([]*models.CacheMetadataEntry, error)
	DeleteCacheMetadata(ctx context.Context, keys ...string) error
	CountCacheMetadata(ctx context.Context) (int, error)
	ClearCacheMetadata(ctx context.Context) (int64, error)
}

// EvictionResult summarizes one EvictIfNeeded call.
type EvictionResult struct {
	SizeBefore     int64    `json:"size_before"`
	Evicted        int      `json:"evicted"`
	Orphaned       int      `json:"orphaned"`
	Failed         int      `json:"failed"`
	EstimatedFreed int64    `json:"estimated_freed"`
	EstimatedAfter int64    `json:"estimated_after"`
	Keys           []string `json:"keys,omitempty"`
}

// Manager is the cache manager. Construct one per process and pass it to consumers.
type Manager struct {
	store   Store
	storage bucket.Storage
	cfg     Config
	now     func() time.Time
	log     *logging.Logger
	onEvict []func(EvictionResult)
	evictMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides the thresholds. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		def := DefaultConfig()
		if cfg.EvictionThreshold <= 0 {
			cfg.EvictionThreshold = def.EvictionThreshold
		}
		if cfg.MaxCacheSize <= 0 {
			cfg.MaxCacheSize = def.MaxCacheSize
		}
		if cfg.TargetPercent <= 0 || cfg.TargetPercent > 100 {
			cfg.TargetPercent = def.TargetPercent
		}
		if cfg.BatchSize <= 0 {
			cfg.BatchSize = def.BatchSize
		}
		if cfg.EstimatedEntrySize <= 0 {
			cfg.EstimatedEntrySize = def.EstimatedEntrySize
		}
		m.cfg = cfg
	}
}

// WithClock overrides the time source used for access timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithEvictionListener registers fn to receive the result of every sweep that evicted something.
func WithEvictionListener(fn func(EvictionResult)) Option {
	return func(m *Manager) { m.onEvict = append(m.onEvict, fn) }
}

// NewManager creates a Manager over the metadata store and bucket storage.
func NewManager(store Store, storage bucket.Storage, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		storage: storage,
		cfg:     DefaultConfig(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logging.Get().With("cache")
	}
	return m
}

// Config returns the active thresholds.
func (m *Manager) Config() Config {
	return m.cfg
}

// GetTotalCacheSize returns the storage estimate when the storage provides one,
// otherwise the sum of every entry body in every bucket.
func (m *Manager) GetTotalCacheSize(ctx context.Context) (int64, error) {
	if est, ok := m.storage.(bucket.Estimator); ok {
		u, err := est.Estimate(ctx)
		if err == nil {
			return u.Usage, nil
		}
		m.log.Warn("Storage estimate failed, summing entries", map[string]interface{}{"error": err.Error()})
	}

	names, err := m.storage.Names(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCacheFailed, "failed to list cache buckets", err)
	}
	var total int64
	for _, name := range names {
		size, err := m.bucketSize(ctx, name)
		if err != nil {
			return 0, err
		}
		total += size
	}
	return total, nil
}

func (m *Manager) bucketSize(ctx context.Context, name string) (int64, error) {
	b, err := m.storage.Open(ctx, name)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCacheFailed, "failed to open bucket "+name, err)
	}
	keys, err := b.Keys(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrCacheFailed, "failed to list bucket "+name, err)
	}

	var total int64
	for _, key := range keys {
		entry, ok, err := b.Match(ctx, key)
		if err != nil {
			return 0, apperrors.Wrap(apperrors.ErrCacheFailed, "failed to read "+key+" in "+name, err)
		}
		if ok {
			total += entry.Size()
		}
	}
	return total, nil
}

// GetThumbnailCacheSize returns the body bytes held in the thumbnails bucket.
func (m *Manager) GetThumbnailCacheSize(ctx context.Context) (int64, error) {
	return m.bucketSize(ctx, BucketThumbnails)
}

// TrackAccess records an access to key. Failures are logged and swallowed.
func (m *Manager) TrackAccess(ctx context.Context, key string) {
	if err := m.store.TouchCacheMetadata(ctx, key, m.now().UnixMilli()); err != nil {
		m.log.Warn("Failed to track cache access", map[string]interface{}{
			"key":   key,
			"error": err.Error(),
		})
	}
}

// GetLRUEntries returns up to limit entries, least recently used first.
func (m *Manager) GetLRUEntries(ctx context.Context, limit int) ([]*models.CacheMetadataEntry, error) {
	entries, err := m.store.ListLRU(ctx, nil, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list LRU entries", err)
	}
	return entries, nil
}

// EvictIfNeeded runs an eviction sweep when the cache is at or above the threshold.
// Keys are removed from every bucket in LRU order until the estimated size is at
// or below the target. A key that fails to delete is skipped and keeps its metadata.
func (m *Manager) EvictIfNeeded(ctx context.Context) (EvictionResult, error) {
	m.evictMu.Lock()
	defer m.evictMu.Unlock()

	size, err := m.GetTotalCacheSize(ctx)
	if err != nil {
		return EvictionResult{}, err
	}
	result := EvictionResult{SizeBefore: size, EstimatedAfter: size}
	if size < m.cfg.EvictionThreshold {
		return result, nil
	}

	buckets, err := m.openAll(ctx)
	if err != nil {
		return result, err
	}

	target := m.cfg.Target()
	estimate := size
	var cursor *db.LRUCursor

sweep:
	for estimate > target {
		batch, err := m.store.ListLRU(ctx, cursor, m.cfg.BatchSize)
		if err != nil {
			m.finish(&result, estimate)
			return result, apperrors.Wrap(apperrors.ErrEvictionFailed, "failed to load LRU batch", err)
		}
		if len(batch) == 0 {
			break
		}

		for _, entry := range batch {
			if estimate <= target || ctx.Err() != nil {
				break sweep
			}
			cursor = &db.LRUCursor{LastAccessedAt: entry.LastAccessedAt, Key: entry.Key}

			found, err := m.deleteEverywhere(ctx, buckets, entry.Key)
			if err != nil {
				result.Failed++
				m.log.Warn("Failed to evict cache key", map[string]interface{}{
					"key":   entry.Key,
					"error": err.Error(),
				})
				continue
			}
			if err := m.store.DeleteCacheMetadata(ctx, entry.Key); err != nil {
				m.log.Warn("Failed to delete cache metadata", map[string]interface{}{
					"key":   entry.Key,
					"error": err.Error(),
				})
			}
			if !found {
				result.Orphaned++
				continue
			}

			result.Evicted++
			result.Keys = append(result.Keys, entry.Key)
			estimate -= m.cfg.EstimatedEntrySize
		}
	}

	m.finish(&result, estimate)
	m.log.Info("Cache eviction completed", map[string]interface{}{
		"size_before":     humanize.IBytes(uint64(result.SizeBefore)),
		"estimated_after": humanize.IBytes(uint64(max(result.EstimatedAfter, 0))),
		"target":          humanize.IBytes(uint64(target)),
		"evicted":         result.Evicted,
		"orphaned":        result.Orphaned,
		"failed":          result.Failed,
	})
	if result.Evicted > 0 {
		for _, fn := range m.onEvict {
			fn(result)
		}
	}
	return result, nil
}

func (m *Manager) finish(result *EvictionResult, estimate int64) {
	result.EstimatedFreed = int64(result.Evicted) * m.cfg.EstimatedEntrySize
	result.EstimatedAfter = estimate
}

func (m *Manager) openAll(ctx context.Context) ([]bucket.Bucket, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrEvictionFailed, "failed to list cache buckets", err)
	}
	buckets := make([]bucket.Bucket, 0, len(names))
	for _, name := range names {
		b, err := m.storage.Open(ctx, name)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrEvictionFailed, "failed to open bucket "+name, err)
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// deleteEverywhere removes key from each bucket, attempting all of them even
// after a failure. found reports whether any bucket held the key.
func (m *Manager) deleteEverywhere(ctx context.Context, buckets []bucket.Bucket, key string) (found bool, err error) {
	var errs []error
	for _, b := range buckets {
		ok, derr := b.Delete(ctx, key)
		if derr != nil {
			errs = append(errs, derr)
			continue
		}
		found = found || ok
	}
	return found, errors.Join(errs...)
}

// Match reads key from the named bucket and records the access on a hit.
func (m *Manager) Match(ctx context.Context, bucketName, key string) (*bucket.Entry, bool, error) {
	b, err := m.storage.Open(ctx, bucketName)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrCacheFailed, "failed to open bucket "+bucketName, err)
	}
	entry, ok, err := b.Match(ctx, key)
	if err != nil {
		return nil, false, apperrors.Wrap(apperrors.ErrCacheFailed, "failed to read cache entry", err)
	}
	if ok {
		m.TrackAccess(ctx, key)
	}
	return entry, ok, nil
}

// Put writes entry under key and records the access. When the storage refuses
// the write for quota reasons an eviction sweep runs and the quota error is
// returned so the caller may retry once.
func (m *Manager) Put(ctx context.Context, bucketName, key string, entry *bucket.Entry) error {
	b, err := m.storage.Open(ctx, bucketName)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCacheFailed, "failed to open bucket "+bucketName, err)
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = m.now()
	}

	if err := b.Put(ctx, key, entry); err != nil {
		if errors.Is(err, bucket.ErrQuotaExceeded) {
			if _, evictErr := m.EvictIfNeeded(ctx); evictErr != nil {
				m.log.Error("Eviction after quota error failed", evictErr)
			}
			return apperrors.Wrap(apperrors.ErrCacheQuotaExceeded, "cache quota exceeded", err)
		}
		return apperrors.Wrap(apperrors.ErrCacheFailed, "failed to write cache entry", err)
	}

	m.TrackAccess(ctx, key)
	return nil
}

// ClearMetadata removes all access tracking. Bucket contents are untouched.
func (m *Manager) ClearMetadata(ctx context.Context) error {
	n, err := m.store.ClearCacheMetadata(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to clear cache metadata", err)
	}
	m.log.Info("Cache metadata cleared", map[string]interface{}{"removed": n})
	return nil
}

// ClearPreviewCache drops the previews bucket. Leftover metadata rows are
// removed by the next sweep that reaches them.
func (m *Manager) ClearPreviewCache(ctx context.Context) error {
	if _, err := m.storage.Delete(ctx, BucketPreviews); err != nil {
		return apperrors.Wrap(apperrors.ErrCacheFailed, "failed to clear preview cache", err)
	}
	m.log.Info("Preview cache cleared", nil)
	return nil
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	TotalSize         int64 `json:"total_size"`
	ThumbnailSize     int64 `json:"thumbnail_size"`
	TrackedKeys       int   `json:"tracked_keys"`
	EvictionThreshold int64 `json:"eviction_threshold"`
	MaxCacheSize      int64 `json:"max_cache_size"`
}

// Stats gathers the sizes shown by the status endpoints.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	total, err := m.GetTotalCacheSize(ctx)
	if err != nil {
		return Stats{}, err
	}
	thumbs, err := m.GetThumbnailCacheSize(ctx)
	if err != nil {
		return Stats{}, err
	}
	tracked, err := m.store.CountCacheMetadata(ctx)
	if err != nil {
		return Stats{}, apperrors.Wrap(apperrors.ErrDatabase, "failed to count cache metadata", err)
	}
	return Stats{
		TotalSize:         total,
		ThumbnailSize:     thumbs,
		TrackedKeys:       tracked,
		EvictionThreshold: m.cfg.EvictionThreshold,
		MaxCacheSize:      m.cfg.MaxCacheSize,
	}, nil
}

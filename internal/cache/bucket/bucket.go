// Package bucket provides named key-value blob stores for cached responses and media.
// A Storage holds any number of independent buckets; a Bucket maps a cache key to one Entry.
package bucket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrQuotaExceeded is returned by Put when the write would exceed the storage quota.
	ErrQuotaExceeded = errors.New("bucket: quota exceeded")
	// ErrInvalidName is returned for bucket names that cannot be stored.
	ErrInvalidName = errors.New("bucket: invalid name")
)

// Entry is one cached response or blob.
type Entry struct {
	Body        []byte      `json:"-"`
	ContentType string      `json:"content_type,omitempty"`
	Status      int         `json:"status,omitempty"`
	Header      http.Header `json:"header,omitempty"`
	StoredAt    time.Time   `json:"stored_at"`
}

// Size returns the body length in bytes.
func (e *Entry) Size() int64 {
	if e == nil {
		return 0
	}
	return int64(len(e.Body))
}

// Bucket is a single named store.
type Bucket interface {
	Name() string
	// Match returns the entry for key, or ok=false when absent.
	Match(ctx context.Context, key string) (entry *Entry, ok bool, err error)
	Put(ctx context.Context, key string, entry *Entry) error
	// Delete removes key and reports whether it was present.
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Storage opens buckets by name.
type Storage interface {
	// Open returns the named bucket, creating it if needed.
	Open(ctx context.Context, name string) (Bucket, error)
	Names(ctx context.Context) ([]string, error)
	// Delete removes a whole bucket and reports whether it existed.
	Delete(ctx context.Context, name string) (bool, error)
}

// Usage is a storage estimate in bytes.
type Usage struct {
	Usage int64 `json:"usage"`
	Quota int64 `json:"quota"`
}

// Estimator is implemented by storages that can report their size without reading every entry.
type Estimator interface {
	Estimate(ctx context.Context) (Usage, error)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

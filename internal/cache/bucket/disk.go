package bucket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
	"github.com/natefinch/atomic"
	"github.com/zeebo/xxh3"
	"golang.org/x/sys/unix"
)

const (
	metaExt = ".meta"
	blobExt = ".blob"
)

// DiskStorage keeps each bucket in its own directory under baseDir.
// An entry is stored at <bucket>/<hash[0:2]>/<hash>.blob with a JSON header
// in <hash>.meta, where hash is the xxh3 of the cache key.
type DiskStorage struct {
	baseDir string
	quota   int64

	mu sync.Mutex
}

// DiskOption configures a DiskStorage.
type DiskOption func(*DiskStorage)

// WithQuota caps the total body bytes across all buckets. Zero means no cap.
func WithQuota(bytes int64) DiskOption {
	return func(s *DiskStorage) { s.quota = bytes }
}

// NewDiskStorage creates the base directory if needed.
func NewDiskStorage(baseDir string, opts ...DiskOption) (*DiskStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	s := &DiskStorage{baseDir: baseDir}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open returns the named bucket, creating its directory.
func (s *DiskStorage) Open(_ context.Context, name string) (Bucket, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.baseDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return &diskBucket{storage: s, name: name, dir: dir}, nil
}

// Names lists the existing buckets in lexical order.
func (s *DiskStorage) Names(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list buckets: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Delete removes the bucket directory.
func (s *DiskStorage) Delete(_ context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	dir := filepath.Join(s.baseDir, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	return true, nil
}

// Estimate reports body bytes on disk as usage. The quota is the configured
// cap, or usage plus the free space of the filesystem holding baseDir.
func (s *DiskStorage) Estimate(_ context.Context) (Usage, error) {
	used, err := s.usage()
	if err != nil {
		return Usage{}, err
	}
	if s.quota > 0 {
		return Usage{Usage: used, Quota: s.quota}, nil
	}

	var st unix.Statfs_t
	if err := unix.Statfs(s.baseDir, &st); err != nil {
		return Usage{}, fmt.Errorf("failed to stat filesystem: %w", err)
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	return Usage{Usage: used, Quota: used + free}, nil
}

func (s *DiskStorage) usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, blobExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure cache directory: %w", err)
	}
	return total, nil
}

// HashKey returns the file name stem for a cache key.
func HashKey(key string) string {
	return fmt.Sprintf("%016x", xxh3.HashString(key))
}

type diskBucket struct {
	storage *DiskStorage
	name    string
	dir     string
}

// diskMeta is the on-disk header. Key is kept so Keys can be answered without a reverse index.
type diskMeta struct {
	Key string `json:"key"`
	Entry
}

func (b *diskBucket) Name() string { return b.name }

func (b *diskBucket) paths(key string) (dir, meta, blob string) {
	hash := HashKey(key)
	dir = filepath.Join(b.dir, hash[0:2])
	base := filepath.Join(dir, hash)
	return dir, base + metaExt, base + blobExt
}

func (b *diskBucket) Match(_ context.Context, key string) (*Entry, bool, error) {
	_, metaPath, blobPath := b.paths(key)

	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read entry header: %w", err)
	}
	var meta diskMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, false, fmt.Errorf("corrupt entry header %s: %w", metaPath, err)
	}
	// Two keys with the same hash: the slot belongs to the other one.
	if meta.Key != key {
		return nil, false, nil
	}

	body, err := os.ReadFile(blobPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read entry body: %w", err)
	}

	entry := meta.Entry
	entry.Body = body
	return &entry, true, nil
}

func (b *diskBucket) Put(_ context.Context, key string, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("nil entry for key %q", key)
	}
	dir, metaPath, blobPath := b.paths(key)

	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()

	if b.storage.quota > 0 {
		used, err := b.storage.usage()
		if err != nil {
			return err
		}
		if info, err := os.Stat(blobPath); err == nil {
			used -= info.Size()
		}
		if used+entry.Size() > b.storage.quota {
			return ErrQuotaExceeded
		}
	}

	meta := diskMeta{Key: key, Entry: *entry}
	if meta.ContentType == "" && len(entry.Body) > 0 {
		meta.ContentType = mimetype.Detect(entry.Body).String()
	}
	header, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode entry header: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// Body first: a header without a body reads as a miss, never as a truncated hit.
	if err := atomic.WriteFile(blobPath, bytes.NewReader(entry.Body)); err != nil {
		return fmt.Errorf("failed to write entry body: %w", err)
	}
	if err := atomic.WriteFile(metaPath, bytes.NewReader(header)); err != nil {
		// A body without a header is never listed by Keys, so eviction could not reclaim it.
		if rmErr := os.Remove(blobPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return errors.Join(fmt.Errorf("failed to write entry header: %w", err), rmErr)
		}
		return fmt.Errorf("failed to write entry header: %w", err)
	}
	return nil
}

func (b *diskBucket) Delete(_ context.Context, key string) (bool, error) {
	dir, metaPath, blobPath := b.paths(key)

	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()

	raw, err := os.ReadFile(metaPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read entry header: %w", err)
	}
	var meta diskMeta
	if json.Unmarshal(raw, &meta) == nil && meta.Key != key {
		return false, nil
	}

	if err := os.Remove(metaPath); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to delete entry header: %w", err)
	}
	if err := os.Remove(blobPath); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("failed to delete entry body: %w", err)
	}

	os.Remove(dir) // Only succeeds when empty
	return true, nil
}

func (b *diskBucket) Keys(_ context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, metaExt) {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		var meta diskMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil // Skip corrupt headers
		}
		keys = append(keys, meta.Key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket %s: %w", b.name, err)
	}
	sort.Strings(keys)
	return keys, nil
}

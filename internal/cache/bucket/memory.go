package bucket

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps buckets in process memory. It has no Estimate method,
// so callers measure it by reading entries.
type MemoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*Entry
	quota   int64
}

// NewMemoryStorage creates an empty storage. A positive quota caps total body bytes.
func NewMemoryStorage(quota int64) *MemoryStorage {
	return &MemoryStorage{buckets: make(map[string]map[string]*Entry), quota: quota}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = make(map[string]*Entry)
	}
	return &memoryBucket{storage: s, name: name}, nil
}

func (s *MemoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	delete(s.buckets, name)
	return ok, nil
}

func (s *MemoryStorage) usageLocked() int64 {
	var total int64
	for _, entries := range s.buckets {
		for _, e := range entries {
			total += e.Size()
		}
	}
	return total
}

type memoryBucket struct {
	storage *MemoryStorage
	name    string
}

func (b *memoryBucket) Name() string { return b.name }

// entries returns the live map, recreating it when the bucket was deleted after Open.
func (b *memoryBucket) entries() map[string]*Entry {
	m, ok := b.storage.buckets[b.name]
	if !ok {
		m = make(map[string]*Entry)
		b.storage.buckets[b.name] = m
	}
	return m
}

func (b *memoryBucket) Match(_ context.Context, key string) (*Entry, bool, error) {
	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()
	e, ok := b.storage.buckets[b.name][key]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	cp.Body = append([]byte(nil), e.Body...)
	return &cp, true, nil
}

func (b *memoryBucket) Put(_ context.Context, key string, entry *Entry) error {
	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()

	m := b.entries()
	if b.storage.quota > 0 {
		used := b.storage.usageLocked() - m[key].Size()
		if used+entry.Size() > b.storage.quota {
			return ErrQuotaExceeded
		}
	}
	cp := *entry
	cp.Body = append([]byte(nil), entry.Body...)
	m[key] = &cp
	return nil
}

func (b *memoryBucket) Delete(_ context.Context, key string) (bool, error) {
	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()
	m := b.storage.buckets[b.name]
	_, ok := m[key]
	delete(m, key)
	return ok, nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]string, error) {
	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()
	keys := make([]string, 0, len(b.storage.buckets[b.name]))
	for k := range b.storage.buckets[b.name] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Package preview generates thumbnails and caches file previews through the cache manager.
// Thumbnails can be produced inline or by a small background worker pool.
package preview

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/disintegration/imaging"

	"github.com/kimhsiao/offlinekit/internal/cache"
	"github.com/kimhsiao/offlinekit/internal/cache/bucket"
	"github.com/kimhsiao/offlinekit/internal/logging"
)

// Cache is the part of the cache manager the service uses.
type Cache interface {
	Match(ctx context.Context, bucketName, key string) (*bucket.Entry, bool, error)
	Put(ctx context.Context, bucketName, key string, entry *bucket.Entry) error
	EvictIfNeeded(ctx context.Context) (cache.EvictionResult, error)
}

// Config holds thumbnail settings.
type Config struct {
	Width     int
	Height    int
	Quality   int
	Workers   int
	QueueSize int
}

// DefaultConfig returns 256x256 JPEG thumbnails at quality 85 with two workers.
func DefaultConfig() Config {
	return Config{Width: 256, Height: 256, Quality: 85, Workers: 2, QueueSize: 64}
}

// Stats holds thumbnail generation statistics.
type Stats struct {
	TotalProcessed int   `json:"total_processed"`
	SuccessCount   int   `json:"success_count"`
	FailureCount   int   `json:"failure_count"`
	CacheHits      int   `json:"cache_hits"`
	PendingCount   int   `json:"pending_count"`
	AvgDurationMs  int64 `json:"avg_duration_ms"`
}

type job struct {
	key      string
	src      []byte
	callback func([]byte, error)
}

// Service is the file-preview consumer of the cache.
type Service struct {
	cache Cache
	cfg   Config

	jobs      chan *job
	wg        sync.WaitGroup
	stopCh    chan struct{}
	mu        sync.Mutex
	isRunning bool
	stats     Stats
}

// NewService creates a Service. Zero config fields take their defaults.
func NewService(c Cache, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.Width <= 0 {
		cfg.Width = def.Width
	}
	if cfg.Height <= 0 {
		cfg.Height = def.Height
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	return &Service{
		cache:  c,
		cfg:    cfg,
		jobs:   make(chan *job, cfg.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Thumbnail returns the cached JPEG thumbnail for key, generating and caching it from src on a miss.
func (s *Service) Thumbnail(ctx context.Context, key string, src []byte) ([]byte, error) {
	entry, ok, err := s.cache.Match(ctx, cache.BucketThumbnails, key)
	if err != nil {
		logging.Warn("Thumbnail cache read failed", map[string]interface{}{"key": key, "error": err.Error()})
	} else if ok {
		s.mu.Lock()
		s.stats.CacheHits++
		s.mu.Unlock()
		return entry.Body, nil
	}

	start := time.Now()
	thumb, err := s.render(src)
	s.record(err, time.Since(start))
	if err != nil {
		return nil, err
	}

	if err := s.store(ctx, cache.BucketThumbnails, key, &bucket.Entry{Body: thumb, ContentType: "image/jpeg"}); err != nil {
		// The thumbnail is still usable even if caching it failed.
		logging.Error("Failed to cache thumbnail", err, map[string]interface{}{"key": key})
	}
	return thumb, nil
}

// render decodes src, fits it inside the configured box and encodes it as JPEG.
func (s *Service) render(src []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	thumb := imaging.Fit(img, s.cfg.Width, s.cfg.Height, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(s.cfg.Quality)); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}

// Preview caches a full preview under key.
func (s *Service) Preview(ctx context.Context, key string, data []byte, contentType string) error {
	return s.store(ctx, cache.BucketPreviews, key, &bucket.Entry{Body: data, ContentType: contentType})
}

// CachedPreview returns a previously cached preview.
func (s *Service) CachedPreview(ctx context.Context, key string) (*bucket.Entry, bool, error) {
	return s.cache.Match(ctx, cache.BucketPreviews, key)
}

// store writes the entry, retrying once after a quota refusal, then lets the
// cache manager sweep if the write pushed it over the threshold.
func (s *Service) store(ctx context.Context, bucketName, key string, entry *bucket.Entry) error {
	err := s.cache.Put(ctx, bucketName, key, entry)
	if errors.Is(err, bucket.ErrQuotaExceeded) {
		err = s.cache.Put(ctx, bucketName, key, entry)
	}
	if err != nil {
		return err
	}

	if _, err := s.cache.EvictIfNeeded(ctx); err != nil {
		logging.Error("Eviction after cache write failed", err, map[string]interface{}{"bucket": bucketName})
	}
	return nil
}

func (s *Service) record(err error, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalProcessed++
	if err != nil {
		s.stats.FailureCount++
	} else {
		s.stats.SuccessCount++
	}
	total := s.stats.AvgDurationMs*int64(s.stats.TotalProcessed-1) + d.Milliseconds()
	s.stats.AvgDurationMs = total / int64(s.stats.TotalProcessed)
}

// Start starts the background thumbnail workers.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	logging.Info("Thumbnail workers started", map[string]interface{}{
		"workers":    s.cfg.Workers,
		"queue_size": cap(s.jobs),
	})
}

// Stop stops the workers and waits for in-flight jobs. Queued jobs are dropped.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
}

// Enqueue requests a thumbnail without blocking. callback, when set, receives
// the result on the worker goroutine.
func (s *Service) Enqueue(key string, src []byte, callback func([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return fmt.Errorf("thumbnail workers are not running")
	}

	select {
	case s.jobs <- &job{key: key, src: src, callback: callback}:
		s.stats.PendingCount++
		return nil
	default:
		return fmt.Errorf("thumbnail queue is full (capacity: %d)", cap(s.jobs))
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case j := <-s.jobs:
			s.mu.Lock()
			s.stats.PendingCount--
			s.mu.Unlock()

			thumb, err := s.Thumbnail(ctx, j.key, j.src)
			if err != nil {
				logging.Error("Thumbnail generation failed", err, map[string]interface{}{"key": j.key})
			}
			if j.callback != nil {
				j.callback(thumb, err)
			}
		}
	}
}

// GetStats returns a copy of the current statistics.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

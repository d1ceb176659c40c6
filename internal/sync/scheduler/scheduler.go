// Package scheduler provides the background trigger for offline work.
// Named tags are registered while offline and fired once connectivity returns;
// a periodic sweep fires every known tag while online.
package scheduler

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/offlinekit/internal/errors"
	"github.com/kimhsiao/offlinekit/internal/logging"
)

// Callback runs when a tag fires.
type Callback func(ctx context.Context)

// Scheduler manages tag registrations, connectivity and the periodic sweep.
type Scheduler struct {
	queueInterval time.Duration
	probeInterval time.Duration
	probeURL      string
	probeTimeout  time.Duration
	client        *http.Client

	stopCh chan struct{}
	wg     sync.WaitGroup
	mu     sync.RWMutex
	ctx    context.Context

	callbacks   map[string]Callback
	local       map[string]bool
	pending     map[string]bool
	firing      map[string]bool
	isRunning   bool
	isOnline    bool
	lastTrigger time.Time
}

// Config holds scheduler configuration.
type Config struct {
	QueueInterval time.Duration // How often registered tags fire while online (default: 1 minute)
	ProbeInterval time.Duration // How often ProbeURL is checked; 0 disables probing
	ProbeURL      string        // HEAD target, usually <backend>/health
	ProbeTimeout  time.Duration
	Client        *http.Client
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		QueueInterval: 1 * time.Minute,
		ProbeInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// New creates a new Scheduler.
func New(config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	client := config.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := config.ProbeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Scheduler{
		queueInterval: config.QueueInterval,
		probeInterval: config.ProbeInterval,
		probeURL:      config.ProbeURL,
		probeTimeout:  timeout,
		client:        client,
		stopCh:        make(chan struct{}),
		callbacks:     make(map[string]Callback),
		local:         make(map[string]bool),
		pending:       make(map[string]bool),
		firing:        make(map[string]bool),
		isOnline:      true, // Assume online initially
	}
}

// OnTrigger sets the callback for tag, replacing any previous one.
func (s *Scheduler) OnTrigger(tag string, fn Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[tag] = fn
	delete(s.local, tag)
}

// OnLocalTrigger sets the callback for a tag whose work needs no connectivity.
// The sweep and Register fire it whether or not the backend is reachable.
func (s *Scheduler) OnLocalTrigger(tag string, fn Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[tag] = fn
	s.local[tag] = true
}

// canFireLocked reports whether tag may run now. Caller holds s.mu.
func (s *Scheduler) canFireLocked(tag string) bool {
	return s.isRunning && (s.isOnline || s.local[tag])
}

// Register records a one-shot request to fire tag. The tag fires right away
// when online, otherwise on the next offline to online transition.
// Registering a tag that is already pending is a no-op.
func (s *Scheduler) Register(ctx context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return errors.New(errors.ErrTriggerUnavailable, "scheduler is not running")
	}
	if _, ok := s.callbacks[tag]; !ok {
		return errors.New(errors.ErrTriggerUnavailable, "no callback for tag "+tag)
	}

	s.pending[tag] = true
	if s.canFireLocked(tag) {
		s.fireLocked(tag)
	}
	return nil
}

// Start starts the sweep and, when configured, the connectivity probe.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ctx = ctx
	s.mu.Unlock()

	if s.queueInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(ctx)
	}
	if s.probeInterval > 0 && s.probeURL != "" {
		s.wg.Add(1)
		go s.probeLoop(ctx)
	}

	logging.Info("Background trigger started", map[string]interface{}{
		"queue_interval": s.queueInterval.String(),
		"probe_url":      s.probeURL,
	})
}

// Stop stops the scheduler and waits for running callbacks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background trigger stopped", nil)
}

// SetOnlineStatus changes connectivity. Going from offline to online fires every pending tag.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wasOnline := s.isOnline
	s.isOnline = isOnline
	if wasOnline == isOnline {
		return
	}

	logging.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})

	if isOnline && s.isRunning {
		for tag := range s.pending {
			s.fireLocked(tag)
		}
	}
}

// fireLocked runs the tag's callback on its own goroutine. A tag already
// running is not started twice; it stays pending instead. Caller holds s.mu.
func (s *Scheduler) fireLocked(tag string) {
	fn, ok := s.callbacks[tag]
	if !ok || s.firing[tag] {
		return
	}

	delete(s.pending, tag)
	s.firing[tag] = true
	s.lastTrigger = time.Now()
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.firing, tag)
			// Registrations made while the callback ran get one follow-up run.
			if s.pending[tag] && s.canFireLocked(tag) {
				s.fireLocked(tag)
			}
		}()

		logging.Debug("Firing background trigger", map[string]interface{}{"tag": tag})
		fn(ctx)
	}()
}

// sweepLoop fires every tag with a callback while online, and local tags always.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			for tag := range s.callbacks {
				if s.canFireLocked(tag) {
					s.fireLocked(tag)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) probeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.SetOnlineStatus(s.Probe(ctx))
		}
	}
}

// Probe sends HEAD to the probe URL. Any response below 500 counts as online.
func (s *Scheduler) Probe(ctx context.Context) bool {
	if s.probeURL == "" {
		return s.IsOnline()
	}

	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.probeURL, nil)
	if err != nil {
		logging.Warn("Invalid probe URL", map[string]interface{}{"url": s.probeURL, "error": err.Error()})
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// Status is a snapshot of the scheduler.
type Status struct {
	IsRunning   bool       `json:"is_running"`
	IsOnline    bool       `json:"is_online"`
	LastTrigger *time.Time `json:"last_trigger,omitempty"`
	Pending     []string   `json:"pending"`
	Firing      []string   `json:"firing"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := Status{
		IsRunning: s.isRunning,
		IsOnline:  s.isOnline,
		Pending:   sortedKeys(s.pending),
		Firing:    sortedKeys(s.firing),
	}
	if !s.lastTrigger.IsZero() {
		t := s.lastTrigger
		status.LastTrigger = &t
	}
	return status
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

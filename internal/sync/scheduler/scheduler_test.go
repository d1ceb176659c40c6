// Package scheduler tests for the background trigger.
package scheduler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kimhsiao/offlinekit/internal/errors"
)

// =====================================================
// Test Helpers
// =====================================================

func createTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(&Config{QueueInterval: time.Hour})
	t.Cleanup(s.Stop)
	return s
}

// counter records how many times a callback ran.
type counter struct {
	n atomic.Int32
}

func (c *counter) callback(context.Context) { c.n.Add(1) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Config Tests
// =====================================================

// TestDefaultConfig verifies default configuration.
func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.QueueInterval != time.Minute {
		t.Errorf("QueueInterval = %v, want 1m", config.QueueInterval)
	}
	if config.ProbeInterval != 30*time.Second {
		t.Errorf("ProbeInterval = %v, want 30s", config.ProbeInterval)
	}
}

// TestNew_nilConfig verifies nil config falls back to defaults.
func TestNew_nilConfig(t *testing.T) {
	s := New(nil)

	if s.queueInterval != time.Minute {
		t.Errorf("queueInterval = %v, want 1m", s.queueInterval)
	}
	if !s.IsOnline() {
		t.Error("new scheduler should assume online")
	}
	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}
}

// =====================================================
// Register Tests
// =====================================================

// TestRegister_notRunning verifies registration fails before Start.
func TestRegister_notRunning(t *testing.T) {
	s := createTestScheduler(t)
	s.OnTrigger("sync-mutations", func(context.Context) {})

	err := s.Register(context.Background(), "sync-mutations")
	if !errors.Is(err, errors.ErrTriggerUnavailable) {
		t.Errorf("Register() error = %v, want TRIGGER_UNAVAILABLE", err)
	}
}

// TestRegister_unknownTag verifies a tag without a callback is refused.
func TestRegister_unknownTag(t *testing.T) {
	s := createTestScheduler(t)
	s.Start(context.Background())

	err := s.Register(context.Background(), "nothing")
	if !errors.Is(err, errors.ErrTriggerUnavailable) {
		t.Errorf("Register() error = %v, want TRIGGER_UNAVAILABLE", err)
	}
}

// TestRegister_onlineFiresImmediately verifies an online registration runs the callback.
func TestRegister_onlineFiresImmediately(t *testing.T) {
	s := createTestScheduler(t)
	c := &counter{}
	s.OnTrigger("sync-mutations", c.callback)
	s.Start(context.Background())

	if err := s.Register(context.Background(), "sync-mutations"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	waitFor(t, func() bool { return c.n.Load() == 1 })
	if pending := s.GetStatus().Pending; len(pending) != 0 {
		t.Errorf("Pending = %v, want empty", pending)
	}
}

// TestRegister_offlineWaitsForConnectivity verifies the callback fires on the offline to online edge.
func TestRegister_offlineWaitsForConnectivity(t *testing.T) {
	s := createTestScheduler(t)
	c := &counter{}
	s.OnTrigger("sync-mutations", c.callback)
	s.Start(context.Background())
	s.SetOnlineStatus(false)

	for i := 0; i < 3; i++ {
		if err := s.Register(context.Background(), "sync-mutations"); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}

	time.Sleep(20 * time.Millisecond)
	if got := c.n.Load(); got != 0 {
		t.Fatalf("callback ran %d times while offline", got)
	}
	if pending := s.GetStatus().Pending; len(pending) != 1 || pending[0] != "sync-mutations" {
		t.Errorf("Pending = %v, want [sync-mutations]", pending)
	}

	s.SetOnlineStatus(true)
	waitFor(t, func() bool { return c.n.Load() == 1 })

	// Same status again is not a transition.
	s.SetOnlineStatus(true)
	time.Sleep(20 * time.Millisecond)
	if got := c.n.Load(); got != 1 {
		t.Errorf("callback ran %d times, want 1", got)
	}
}

// TestRegister_noOverlap verifies a tag is never run concurrently with itself.
func TestRegister_noOverlap(t *testing.T) {
	s := createTestScheduler(t)
	release := make(chan struct{})
	var running, maxRunning atomic.Int32
	s.OnTrigger("sync-mutations", func(context.Context) {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		<-release
		running.Add(-1)
	})
	s.Start(context.Background())

	for i := 0; i < 5; i++ {
		_ = s.Register(context.Background(), "sync-mutations")
	}
	close(release)

	waitFor(t, func() bool { return len(s.GetStatus().Firing) == 0 })
	if got := maxRunning.Load(); got != 1 {
		t.Errorf("max concurrent callbacks = %d, want 1", got)
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestStartStop verifies lifecycle transitions are idempotent.
func TestStartStop(t *testing.T) {
	s := New(&Config{QueueInterval: 10 * time.Millisecond})

	s.Stop() // without Start
	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
}

// TestSweep_firesWhileOnline verifies the periodic sweep fires every known tag.
func TestSweep_firesWhileOnline(t *testing.T) {
	s := New(&Config{QueueInterval: 10 * time.Millisecond})
	c := &counter{}
	s.OnTrigger("sync-mutations", c.callback)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return c.n.Load() >= 2 })
}

// TestSweep_skipsWhileOffline verifies nothing fires while offline.
func TestSweep_skipsWhileOffline(t *testing.T) {
	s := New(&Config{QueueInterval: 10 * time.Millisecond})
	c := &counter{}
	s.OnTrigger("sync-mutations", c.callback)
	s.SetOnlineStatus(false)
	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(60 * time.Millisecond)
	if got := c.n.Load(); got != 0 {
		t.Errorf("callback ran %d times while offline", got)
	}
}

// TestSweep_localTagsFireWhileOffline verifies tags registered with OnLocalTrigger
// keep firing offline while connectivity-bound tags wait.
func TestSweep_localTagsFireWhileOffline(t *testing.T) {
	s := New(&Config{QueueInterval: 10 * time.Millisecond})
	remote, local := &counter{}, &counter{}
	s.OnTrigger("sync-mutations", remote.callback)
	s.OnLocalTrigger("cache-maintenance", local.callback)
	s.SetOnlineStatus(false)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return local.n.Load() >= 2 })
	if got := remote.n.Load(); got != 0 {
		t.Errorf("connectivity-bound callback ran %d times while offline", got)
	}

	if err := s.Register(context.Background(), "sync-mutations"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if status := s.GetStatus(); len(status.Pending) == 0 || status.Pending[len(status.Pending)-1] != "sync-mutations" {
		t.Errorf("Pending = %v, want sync-mutations held until online", status.Pending)
	}
}

// =====================================================
// Probe Tests
// =====================================================

// TestProbe verifies the connectivity check.
func TestProbe(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("probe method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	s := New(&Config{ProbeURL: srv.URL + "/health", Client: srv.Client()})

	if !s.Probe(context.Background()) {
		t.Error("Probe() = false for 200")
	}
	status.Store(http.StatusNotFound)
	if !s.Probe(context.Background()) {
		t.Error("Probe() = false for 404; the backend answered")
	}
	status.Store(http.StatusServiceUnavailable)
	if s.Probe(context.Background()) {
		t.Error("Probe() = true for 503")
	}

	srv.Close()
	if s.Probe(context.Background()) {
		t.Error("Probe() = true for a closed server")
	}
}

// TestProbeLoop_restoresConnectivity verifies the probe drives the online edge.
func TestProbeLoop_restoresConnectivity(t *testing.T) {
	var up atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !up.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s := New(&Config{ProbeURL: srv.URL, ProbeInterval: 10 * time.Millisecond, Client: srv.Client()})
	c := &counter{}
	s.OnTrigger("sync-mutations", c.callback)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return !s.IsOnline() })
	if err := s.Register(context.Background(), "sync-mutations"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	up.Store(true)
	waitFor(t, func() bool { return c.n.Load() == 1 })
}

// =====================================================
// Concurrency Tests
// =====================================================

// TestConcurrentAccess exercises registration and status changes from many goroutines.
func TestConcurrentAccess(t *testing.T) {
	s := createTestScheduler(t)
	s.OnTrigger("a", func(context.Context) {})
	s.OnTrigger("b", func(context.Context) {})
	s.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_ = s.Register(context.Background(), "a")
		}()
		go func(i int) {
			defer wg.Done()
			s.SetOnlineStatus(i%2 == 0)
		}(i)
		go func() {
			defer wg.Done()
			_ = s.GetStatus()
			_ = s.Register(context.Background(), "b")
		}()
	}
	wg.Wait()
}

// Package queue persists mutations captured while offline and replays them with
// exponential backoff once the backend is reachable again.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kimhsiao/offlinekit/internal/backoff"
	apperrors "github.com/kimhsiao/offlinekit/internal/errors"
	"github.com/kimhsiao/offlinekit/internal/logging"
	"github.com/kimhsiao/offlinekit/internal/models"
	"github.com/kimhsiao/offlinekit/internal/sync/replay"
)

// SyncTag is the background trigger name registered on every enqueue.
const SyncTag = "sync-mutations"

// ExhaustedPolicy decides what happens to a mutation that used up its retries.
type ExhaustedPolicy string

const (
	// ExhaustedDrop deletes the mutation; the failure is only logged and emitted as an event.
	ExhaustedDrop ExhaustedPolicy = "drop"
	// ExhaustedDeadLetter moves the mutation into the dead_letters table.
	ExhaustedDeadLetter ExhaustedPolicy = "dead_letter"
)

// ParseExhaustedPolicy maps a config value to a policy, defaulting to ExhaustedDrop.
func ParseExhaustedPolicy(s string) ExhaustedPolicy {
	if ExhaustedPolicy(strings.ToLower(strings.TrimSpace(s))) == ExhaustedDeadLetter {
		return ExhaustedDeadLetter
	}
	return ExhaustedDrop
}

// Store is the persistent state the manager needs.
type Store interface {
	InsertMutation(ctx context.Context, m *models.QueuedMutation) error
	ListMutations(ctx context.Context) ([]*models.QueuedMutation, error)
	UpdateMutationRetries(ctx context.Context, id int64, retries int) (bool, error)
	DeleteMutation(ctx context.Context, id int64) error
	CountMutations(ctx context.Context) (int, error)
	ClearMutations(ctx context.Context) (int64, error)
	MoveToDeadLetter(ctx context.Context, m *models.QueuedMutation, lastError string, failedAt int64) error
	ListDeadLetters(ctx context.Context) ([]*models.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, id int64, now int64) (*models.QueuedMutation, error)
}

// Trigger registers a named background task that later results in a drain.
type Trigger interface {
	Register(ctx context.Context, tag string) error
}

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

func timeAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

var mutatingMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Manager owns the mutation lifecycle. All drains run on a single goroutine
// once Start is called; before that they run inline, still one at a time.
type Manager struct {
	store     Store
	fetcher   replay.Fetcher
	trigger   Trigger
	policy    backoff.Policy
	exhausted ExhaustedPolicy
	now       func() time.Time
	afterFunc AfterFunc
	listeners []Listener
	log       *logging.Logger

	requests chan chan drainReply
	drainMu  sync.Mutex

	mu      sync.Mutex
	running bool
	closed  bool
	done    chan struct{}
	stops   map[int]func() bool
	nextTmr int
	quit    chan struct{}
}

type drainReply struct {
	result DrainResult
	err    error
	// stopped tells the caller the loop shut down without draining.
	stopped bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithTrigger sets the background trigger used after enqueue.
func WithTrigger(t Trigger) Option {
	return func(m *Manager) { m.trigger = t }
}

// WithPolicy overrides the retry policy.
func WithPolicy(p backoff.Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithExhaustedPolicy sets what happens to mutations that exhaust their retries.
func WithExhaustedPolicy(p ExhaustedPolicy) Option {
	return func(m *Manager) { m.exhausted = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithAfterFunc overrides how backoff retries are scheduled.
func WithAfterFunc(f AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = f }
}

// WithListener adds an event listener.
func WithListener(l Listener) Option {
	return func(m *Manager) { m.listeners = append(m.listeners, l) }
}

// WithLogger overrides the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a Manager. Call Start to run drains on the background goroutine.
func NewManager(store Store, fetcher replay.Fetcher, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		fetcher:   fetcher,
		policy:    backoff.Default(),
		exhausted: ExhaustedDrop,
		now:       time.Now,
		afterFunc: timeAfterFunc,
		requests:  make(chan chan drainReply, 64),
		stops:     make(map[int]func() bool),
		quit:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logging.Get().With("sync_queue")
	}
	return m
}

// Enqueue persists a new mutation and arranges for it to be replayed: through the
// background trigger when one is available, otherwise by requesting a drain right away.
// A store failure is returned to the caller; nothing else is.
func (m *Manager) Enqueue(ctx context.Context, url, method string, headers http.Header, body string) (*models.QueuedMutation, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if !mutatingMethods[method] {
		return nil, apperrors.New(apperrors.ErrValidation, "method "+method+" is not a mutating verb")
	}
	if strings.TrimSpace(url) == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "url is required")
	}

	mutation := &models.QueuedMutation{
		URL:       url,
		Method:    method,
		Headers:   headers.Clone(),
		Body:      body,
		Timestamp: m.now().UnixMilli(),
	}
	if mutation.Headers == nil {
		mutation.Headers = http.Header{}
	}

	if err := m.store.InsertMutation(ctx, mutation); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrEnqueueFailed, "failed to persist mutation", err)
	}

	m.log.Info("Mutation enqueued", map[string]interface{}{
		"id":     mutation.ID,
		"method": mutation.Method,
		"url":    mutation.URL,
	})
	m.emit(Event{Type: EventEnqueued, Mutation: mutation})

	m.scheduleReplay(ctx)
	return mutation, nil
}

func (m *Manager) scheduleReplay(ctx context.Context) {
	if m.trigger == nil {
		m.RequestDrain()
		return
	}
	if err := m.trigger.Register(ctx, SyncTag); err != nil {
		m.log.Warn("Background trigger registration failed, draining now", map[string]interface{}{
			"tag":   SyncTag,
			"error": err.Error(),
		})
		m.RequestDrain()
	}
}

// Start launches the drain goroutine. It stops when ctx is done or Close is called.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.closed {
		m.mu.Unlock()
		return
	}
	m.running = true
	done := make(chan struct{})
	m.done = done
	m.mu.Unlock()

	go m.loop(ctx, done)
}

// loop closes done when it exits. Requests it never picked up are discarded;
// their callers see done and drain inline.
func (m *Manager) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	discard:
		for {
			select {
			case <-m.requests:
			default:
				break discard
			}
		}
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		case first := <-m.requests:
			// Everything that queued up while the previous drain ran is served by this one.
			waiters := []chan drainReply{first}
		collect:
			for {
				select {
				case w := <-m.requests:
					waiters = append(waiters, w)
				default:
					break collect
				}
			}

			if ctx.Err() != nil {
				for _, w := range waiters {
					if w != nil {
						w <- drainReply{stopped: true}
					}
				}
				return
			}

			result, err := m.drain(ctx)
			for _, w := range waiters {
				if w != nil {
					w <- drainReply{result: result, err: err}
				}
			}
		}
	}
}

// RequestDrain asks for a drain without waiting for it. It never blocks; when
// a drain request is already pending the call is absorbed by it.
func (m *Manager) RequestDrain() {
	m.mu.Lock()
	closed, running := m.closed, m.running
	m.mu.Unlock()

	if closed {
		return
	}
	if !running {
		go func() {
			if _, err := m.drain(context.Background()); err != nil {
				m.log.Error("Drain failed", err)
			}
		}()
		return
	}

	select {
	case m.requests <- nil:
	default:
	}
}

// DrainQueue replays every pending mutation once, oldest first, and waits for the result.
func (m *Manager) DrainQueue(ctx context.Context) (DrainResult, error) {
	m.mu.Lock()
	running, closed, done := m.running, m.closed, m.done
	m.mu.Unlock()

	if closed {
		return DrainResult{}, errClosed()
	}
	if !running {
		return m.drain(ctx)
	}

	reply := make(chan drainReply, 1)
	select {
	case m.requests <- reply:
	case <-done:
		return m.drainInline(ctx)
	case <-ctx.Done():
		return DrainResult{}, ctx.Err()
	}

	select {
	case r := <-reply:
		if r.stopped {
			return m.drainInline(ctx)
		}
		return r.result, r.err
	case <-done:
		// The loop may have answered just before exiting.
		select {
		case r := <-reply:
			if !r.stopped {
				return r.result, r.err
			}
		default:
		}
		return m.drainInline(ctx)
	case <-ctx.Done():
		return DrainResult{}, ctx.Err()
	}
}

func errClosed() error {
	return apperrors.New(apperrors.ErrUnavailable, "sync queue is closed")
}

// drainInline runs a drain on the caller's goroutine once the loop has stopped.
func (m *Manager) drainInline(ctx context.Context) (DrainResult, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return DrainResult{}, errClosed()
	}
	return m.drain(ctx)
}

// HandleTrigger is the callback for the background trigger.
func (m *Manager) HandleTrigger(ctx context.Context) {
	if _, err := m.DrainQueue(ctx); err != nil {
		m.log.Error("Triggered drain failed", err)
	}
}

// drain assumes nothing beyond what is in the store, so it is safe to run from
// any context. Each item's outcome is settled independently.
func (m *Manager) drain(ctx context.Context) (DrainResult, error) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	result := DrainResult{DrainID: uuid.New().String()}

	items, err := m.store.ListMutations(ctx)
	if err != nil {
		return result, apperrors.Wrap(apperrors.ErrUnavailable, "failed to load queued mutations", err)
	}
	if len(items) == 0 {
		return result, nil
	}

	m.log.Info("Draining sync queue", map[string]interface{}{
		"drain_id": result.DrainID,
		"pending":  len(items),
	})
	m.emit(Event{Type: EventDrainStarted, DrainID: result.DrainID, Pending: len(items)})

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		result.Attempted++

		resp, fetchErr := m.fetcher.Fetch(ctx, replay.FromMutation(item))
		replayErr := replay.Check(resp, fetchErr)
		if replayErr == nil {
			if err := m.store.DeleteMutation(ctx, item.ID); err != nil {
				m.log.Error("Failed to delete replayed mutation", err, map[string]interface{}{"id": item.ID})
			}
			result.Succeeded++
			m.emit(Event{Type: EventReplayed, DrainID: result.DrainID, Mutation: item})
			continue
		}

		if m.policy.Exhausted(item.Retries) {
			m.giveUp(ctx, result.DrainID, item, replayErr)
			result.Dropped++
			continue
		}
		if m.retryLater(ctx, result.DrainID, item, replayErr) {
			result.Retried++
		}
	}

	m.log.Info("Sync queue drain completed", map[string]interface{}{
		"drain_id":  result.DrainID,
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"retried":   result.Retried,
		"dropped":   result.Dropped,
	})
	m.emit(Event{Type: EventDrainCompleted, DrainID: result.DrainID, Result: &result})

	return result, nil
}

// retryLater bumps the retry counter and schedules another drain. It reports
// false when the record disappeared under a concurrent drain.
func (m *Manager) retryLater(ctx context.Context, drainID string, item *models.QueuedMutation, cause error) bool {
	item.Retries++
	ok, err := m.store.UpdateMutationRetries(ctx, item.ID, item.Retries)
	if err != nil {
		m.log.Error("Failed to persist retry counter", err, map[string]interface{}{"id": item.ID})
	} else if !ok {
		return false
	}

	delay := m.policy.Delay(item.Retries)
	m.schedule(delay)

	m.log.Warn("Replay failed, retry scheduled", map[string]interface{}{
		"id":       item.ID,
		"retry":    item.Retries,
		"max":      m.policy.MaxRetries,
		"delay_ms": delay.Milliseconds(),
		"error":    cause.Error(),
	})
	m.emit(Event{Type: EventRetryScheduled, DrainID: drainID, Mutation: item, Delay: delay, Err: cause})
	return true
}

func (m *Manager) giveUp(ctx context.Context, drainID string, item *models.QueuedMutation, cause error) {
	var err error
	switch m.exhausted {
	case ExhaustedDeadLetter:
		err = m.store.MoveToDeadLetter(ctx, item, cause.Error(), m.now().UnixMilli())
	default:
		err = m.store.DeleteMutation(ctx, item.ID)
	}
	if err != nil {
		m.log.Error("Failed to discard exhausted mutation", err, map[string]interface{}{"id": item.ID})
	}

	m.log.ErrorWithCode("Mutation exhausted retries", string(apperrors.ErrRetriesExhausted), cause,
		map[string]interface{}{
			"id":      item.ID,
			"method":  item.Method,
			"url":     item.URL,
			"retries": item.Retries,
			"policy":  string(m.exhausted),
		})
	m.emit(Event{
		Type:     EventDropped,
		DrainID:  drainID,
		Mutation: item,
		Err:      apperrors.Wrap(apperrors.ErrRetriesExhausted, "mutation dropped", cause),
	})
}

// schedule arranges a deferred drain. The timer cannot be cancelled by callers;
// if the item was already replayed by then, the drain simply finds less work.
func (m *Manager) schedule(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	id := m.nextTmr
	m.nextTmr++
	m.stops[id] = m.afterFunc(delay, func() {
		m.mu.Lock()
		delete(m.stops, id)
		m.mu.Unlock()
		m.RequestDrain()
	})
}

// PendingCount returns the current queue depth.
func (m *Manager) PendingCount(ctx context.Context) (int, error) {
	n, err := m.store.CountMutations(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrUnavailable, "failed to count queued mutations", err)
	}
	return n, nil
}

// ClearQueue removes every queued mutation.
func (m *Manager) ClearQueue(ctx context.Context) error {
	n, err := m.store.ClearMutations(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to clear sync queue", err)
	}
	m.log.Info("Sync queue cleared", map[string]interface{}{"removed": n})
	m.emit(Event{Type: EventCleared, Pending: 0})
	return nil
}

// DeadLetters lists mutations kept by the dead-letter policy.
func (m *Manager) DeadLetters(ctx context.Context) ([]*models.DeadLetter, error) {
	letters, err := m.store.ListDeadLetters(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list dead letters", err)
	}
	return letters, nil
}

// RequeueDeadLetter puts a dead letter back in the queue with a fresh retry budget.
func (m *Manager) RequeueDeadLetter(ctx context.Context, id int64) (*models.QueuedMutation, error) {
	mutation, err := m.store.RequeueDeadLetter(ctx, id, m.now().UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "dead letter not found", err)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to requeue dead letter", err)
	}
	m.emit(Event{Type: EventEnqueued, Mutation: mutation})
	m.scheduleReplay(ctx)
	return mutation, nil
}

// Close stops pending backoff timers and the drain goroutine.
// A drain already in progress finishes on its own.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.quit)
	for id, stop := range m.stops {
		stop()
		delete(m.stops, id)
	}
	m.mu.Unlock()
}

func (m *Manager) emit(e Event) {
	for _, l := range m.listeners {
		l(e)
	}
}

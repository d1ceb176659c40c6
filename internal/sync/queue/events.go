package queue

import (
	"time"

	"github.com/kimhsiao/offlinekit/internal/models"
)

// EventType names a queue lifecycle event.
type EventType string

const (
	EventEnqueued       EventType = "sync.enqueued"
	EventDrainStarted   EventType = "sync.started"
	EventReplayed       EventType = "sync.replayed"
	EventRetryScheduled EventType = "sync.retry_scheduled"
	EventDropped        EventType = "sync.dropped"
	EventDrainCompleted EventType = "sync.completed"
	EventCleared        EventType = "sync.cleared"
)

// Event describes something that happened to the queue.
// Only the fields relevant to Type are set.
type Event struct {
	Type     EventType
	DrainID  string
	Mutation *models.QueuedMutation
	Delay    time.Duration
	Err      error
	Result   *DrainResult
	Pending  int
}

// Listener receives queue events synchronously from the goroutine that produced them.
// Listeners must not call back into the Manager's drain methods.
type Listener func(Event)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	DrainID   string
	Attempted int
	Succeeded int
	Retried   int
	Dropped   int
}

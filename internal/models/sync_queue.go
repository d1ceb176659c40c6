// Package models provides record definitions for the offline subsystem's persistent store.
package models

import (
	"net/http"
	"time"
)

// QueuedMutation is a replayable snapshot of a write request captured while offline.
// Timestamps are Unix milliseconds.
type QueuedMutation struct {
	ID        int64       `db:"id" json:"id"`
	URL       string      `db:"url" json:"url"`
	Method    string      `db:"method" json:"method"`
	Headers   http.Header `db:"headers" json:"headers"`
	Body      string      `db:"body" json:"body"`
	Timestamp int64       `db:"timestamp" json:"timestamp"`
	Retries   int         `db:"retries" json:"retries"`
}

// TableName returns the table name for QueuedMutation.
func (QueuedMutation) TableName() string {
	return "mutation_queue"
}

// CreatedAt returns Timestamp as time.Time.
func (m *QueuedMutation) CreatedAt() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// DeadLetter is a mutation that exhausted its retries and was kept for inspection.
type DeadLetter struct {
	ID         int64       `db:"id" json:"id"`
	MutationID int64       `db:"mutation_id" json:"mutation_id"`
	URL        string      `db:"url" json:"url"`
	Method     string      `db:"method" json:"method"`
	Headers    http.Header `db:"headers" json:"headers"`
	Body       string      `db:"body" json:"body"`
	Timestamp  int64       `db:"timestamp" json:"timestamp"`
	Retries    int         `db:"retries" json:"retries"`
	LastError  string      `db:"last_error" json:"last_error,omitempty"`
	FailedAt   int64       `db:"failed_at" json:"failed_at"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letters"
}

// Mutation rebuilds the original queued mutation, keeping its id and retry count.
func (d *DeadLetter) Mutation() *QueuedMutation {
	return &QueuedMutation{
		ID:        d.MutationID,
		URL:       d.URL,
		Method:    d.Method,
		Headers:   d.Headers.Clone(),
		Body:      d.Body,
		Timestamp: d.Timestamp,
		Retries:   d.Retries,
	}
}

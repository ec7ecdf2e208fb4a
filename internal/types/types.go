// Package types contains the core domain types shared across all taskstream
// internal packages. It deliberately has zero imports of other taskstream
// packages so that both the storage layer and the stream layer can import
// from it without creating import cycles.
package types

import (
	"fmt"
	"time"
)

// Priority is the logical priority class of a task. Each priority maps to
// its own durable sub-log; delivery precedence across classes is strict
// (HIGH drained before NORMAL, NORMAL before LOW).
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists all priority classes in strict precedence order.
// Consumers poll sub-logs in exactly this order.
var Priorities = [...]Priority{PriorityHigh, PriorityNormal, PriorityLow}

// ParsePriority converts a wire string into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Valid reports whether p is one of the three known priority classes.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

func (p Priority) String() string { return string(p) }

// Status is the lifecycle state of an entry inside a sub-log.
type Status uint8

const (
	// StatusReady means the entry is available for group delivery.
	StatusReady Status = iota
	// StatusPending means the entry has been delivered to a consumer-group
	// member and is awaiting acknowledgment. Pending entries stay pending
	// until acked or manually claimed; there is no automated reclaim.
	StatusPending
	// StatusAcked means a consumer acknowledged the entry. It is logically
	// gone but may remain in the log file until compaction runs.
	StatusAcked
	// StatusScheduled means the entry has a future deliverAt and is sitting
	// in the scheduler's Min-Heap, not yet visible to consumers.
	StatusScheduled
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusPending:
		return "pending"
	case StatusAcked:
		return "acked"
	case StatusScheduled:
		return "scheduled"
	default:
		return "unknown"
	}
}

// Record is the unit of durable data in a sub-log: a broker-assigned entry
// ID plus a flat string-keyed field map, mirroring the wire-level record
// format producers and consumers exchange.
//
// Design rules:
//   - Record format is final. Only optional fields may be added. Never rename
//     or remove a field — persisted records must always be readable.
//   - All timestamps are UTC milliseconds since Unix epoch.
//   - Entry IDs are ULID strings: time-sortable and globally unique. Identity
//     is owned by the broker; the payload fields never carry an entry ID.
type Record struct {
	// ID is the broker-assigned ULID for this entry.
	ID string `json:"id"`

	// Stream is the sub-log this record belongs to.
	Stream string `json:"stream"`

	// Fields is the flat string-keyed payload.
	Fields map[string]string `json:"fields"`

	// DeliverAt is the earliest UTC millisecond at which this entry may be
	// delivered. Zero means deliver immediately.
	DeliverAt int64 `json:"deliver_at"`

	// AppendedAt is the UTC millisecond when the broker accepted the entry.
	AppendedAt int64 `json:"appended_at"`

	// NodeID is the ULID of the broker process that wrote this entry.
	NodeID string `json:"node_id"`
}

// IsScheduled reports whether the record should be held back by the
// scheduler rather than placed immediately into the ready list.
func (r *Record) IsScheduled(nowMs int64) bool {
	return r.DeliverAt > 0 && r.DeliverAt > nowMs
}

// Clone returns a copy of the record with its own fields map.
func (r *Record) Clone() *Record {
	c := *r
	if r.Fields != nil {
		c.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// Envelope is the decoded task payload carried through the queue. It holds
// everything the processing callback needs; delivery identity (the entry ID)
// is deliberately not part of it.
type Envelope struct {
	TaskID            int64
	UserID            int64
	TaskType          string // may be "unknown" pending classification
	Priority          Priority
	InputText         string
	UserContext       map[string]any // opaque to the queue
	AccessibilityMode bool
	WebhookURL        string // empty when absent
	RetryCount        int
	MaxRetries        int
	QueuedAt          time.Time
}

// DefaultMaxRetries is applied when an envelope carries no retry budget.
const DefaultMaxRetries = 3

// Clone returns a copy of the envelope with its own user-context map.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.UserContext != nil {
		c.UserContext = make(map[string]any, len(e.UserContext))
		for k, v := range e.UserContext {
			c.UserContext[k] = v
		}
	}
	return &c
}

// Package storage defines the Engine abstraction used by every sub-log.
//
// Design principle: the stream layer (and every layer above it) must ONLY
// interact with storage through this interface. Never call file I/O directly.
// That keeps a replicated engine swappable under the same stream logic.
package storage

import (
	"errors"

	"github.com/sneh-joshi/taskstream/internal/types"
)

// ErrNotFound is returned when a record or index entry does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrCorrupted is returned when a stored entry fails its checksum.
var ErrCorrupted = errors.New("storage: entry corrupted")

// IndexEntry holds the index record for a single sub-log entry.
// It maps an entry ID to its physical location in the log file and tracks
// its current lifecycle state, including group-delivery ownership while the
// entry sits in the pending set.
type IndexEntry struct {
	// Offset is the byte offset of this entry in log.dat.
	Offset int64

	// Status is the current lifecycle state of the entry.
	Status types.Status

	// Consumer is the group-member identity that currently owns the entry.
	// Set only when Status == StatusPending.
	Consumer string

	// DeliveredAtMs is the UTC millisecond of the most recent delivery.
	// Zero when the entry has never been delivered.
	DeliveredAtMs int64

	// DeliveryCount is how many times the entry has been handed to a
	// consumer (first delivery plus any manual claims).
	DeliveryCount int
}

// Engine is the single abstraction through which all sub-log entries are
// persisted and retrieved.
//
// Implementations:
//   - local.Storage — single-node, disk-backed
//
// All methods must be safe for concurrent use.
type Engine interface {
	// Append writes a record to the append-only log and returns the byte
	// offset at which the entry was written. The caller is responsible for
	// also calling WriteIndex so the entry is findable.
	Append(rec *types.Record) (offset int64, err error)

	// ReadAt reads the record stored at the given log offset.
	// Returns ErrNotFound if the offset is out of range.
	// Returns ErrCorrupted if the stored checksum does not match.
	ReadAt(offset int64) (*types.Record, error)

	// WriteIndex persists (or updates) the index entry for entryID.
	WriteIndex(entryID string, entry IndexEntry) error

	// ReadIndex retrieves the index entry for entryID.
	// Returns ErrNotFound if the entry has never been indexed.
	ReadIndex(entryID string) (IndexEntry, error)

	// DeleteIndex removes the index entry for entryID.
	// Called after compaction confirms the log entry has been dropped.
	DeleteIndex(entryID string) error

	// ForEach iterates over every index entry in an unspecified order, calling
	// fn for each one. Iteration stops if fn returns a non-nil error.
	// Used by stream.Open to rebuild in-memory state on startup.
	ForEach(fn func(entryID string, entry IndexEntry) error) error

	// Close flushes all pending writes and releases file handles.
	Close() error
}

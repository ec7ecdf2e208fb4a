// Package stream implements a durable sub-log with consumer-group delivery
// semantics: records are appended to an on-disk log, handed out to named
// consumers, tracked in a pending set until acknowledged, and re-claimable if
// a consumer goes away.
package stream

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sneh-joshi/taskstream/internal/node"
	"github.com/sneh-joshi/taskstream/internal/storage"
	"github.com/sneh-joshi/taskstream/internal/types"
)

// ─── errors ──────────────────────────────────────────────────────────────────

var (
	// ErrNotPending is returned by Claim when the entry is not in the pending set.
	ErrNotPending = errors.New("entry not pending")

	// ErrWrongGroup is returned by EnsureGroup when a different group name is
	// already bound to the stream.
	ErrWrongGroup = errors.New("stream already bound to a different consumer group")
)

// ─── Per-stream config ────────────────────────────────────────────────────────

// Config holds tunable parameters for a single stream instance.
// All zero-values are valid; use DefaultConfig() for production-safe defaults.
type Config struct {
	// Group is the consumer-group name bound to this stream.
	// Each stream carries exactly one group.
	Group string

	// MaxEntries is the maximum number of un-acked (READY+PENDING) entries.
	// 0 = unlimited.
	MaxEntries int64

	// MaxBatchSize is the maximum number of entries per ReadGroup call.
	MaxBatchSize int
}

// DefaultConfig returns a Config with production-safe defaults.
func DefaultConfig() Config {
	return Config{
		Group:        "workers",
		MaxEntries:   100_000,
		MaxBatchSize: 100,
	}
}

// ─── Delivery types ──────────────────────────────────────────────────────────

// readyEntry is stored in the in-memory FIFO ready list.
type readyEntry struct {
	entryID       string
	offset        int64
	deliveryCount int // deliveries so far (0 for a fresh entry)
}

// pendingState tracks an entry that has been delivered to a consumer but not
// yet acknowledged.
type pendingState struct {
	offset        int64
	consumer      string
	deliveredAtMs int64
	deliveryCount int
}

// Delivery bundles a delivered record's ID and fields with its delivery count.
type Delivery struct {
	EntryID       string
	Fields        map[string]string
	DeliveryCount int
}

// PendingEntry is a point-in-time view of one entry in the pending set.
type PendingEntry struct {
	EntryID       string
	Consumer      string
	DeliveredAtMs int64
	DeliveryCount int
}

// ─── Stream ──────────────────────────────────────────────────────────────────

// Stream is a durable append-only sub-log with at-least-once group delivery.
//
// Architecture:
//   - "ready" is a linked list of readyEntry values (FIFO order, cheap pop-front).
//   - "pending" is a map of entryID → pendingState: entries delivered to a
//     consumer but not yet acknowledged. An entry stays pending until Ack or
//     Claim — there is no automatic re-delivery timer.
//   - "notify" is a capacity-1 channel that wakes blocked ReadGroup callers
//     whenever a new entry becomes ready.
//
// All public methods are safe for concurrent use.
type Stream struct {
	Name string
	cfg  Config
	eng  storage.Engine

	nodeID string

	mu         sync.Mutex
	ready      *list.List               // elements are *readyEntry (FIFO)
	pending    map[string]*pendingState // entryID → state
	entryCount int64                    // READY + PENDING count

	// notify wakes ReadGroup callers blocked on an empty ready list.
	// Buffered with capacity 1; sends are non-blocking.
	notify chan struct{}

	// onSchedule is called by Append when deliverAt is in the future.
	// Nil disables delayed delivery (e.g. on the dead-letter stream).
	onSchedule func(entryID, streamKey string, deliverAt int64)
}

// New creates a Stream, rebuilds its in-memory state from storage, and binds
// it to cfg.Group.
//
// onSchedule may be nil (disables delayed delivery for this stream).
// Call Close() when the stream is no longer needed.
func New(
	name string,
	eng storage.Engine,
	cfg Config,
	nodeID string,
	onSchedule func(entryID, streamKey string, deliverAt int64),
) (*Stream, error) {
	if cfg.Group == "" {
		cfg.Group = DefaultConfig().Group
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}

	s := &Stream{
		Name:       name,
		cfg:        cfg,
		eng:        eng,
		nodeID:     nodeID,
		ready:      list.New(),
		pending:    make(map[string]*pendingState),
		notify:     make(chan struct{}, 1),
		onSchedule: onSchedule,
	}

	if err := s.loadFromStorage(); err != nil {
		return nil, fmt.Errorf("stream %s: load state: %w", name, err)
	}
	return s, nil
}

// Group returns the consumer-group name bound to this stream.
func (s *Stream) Group() string { return s.cfg.Group }

// EnsureGroup binds the consumer group to the stream.
// Re-binding the same group is a no-op; a stream carries exactly one group,
// so a different name is rejected.
func (s *Stream) EnsureGroup(group string) error {
	if group == s.cfg.Group {
		return nil
	}
	return fmt.Errorf("%w: have %q, requested %q", ErrWrongGroup, s.cfg.Group, group)
}

// ─── Append ──────────────────────────────────────────────────────────────────

// Append durably stores fields as a new record and returns its entry ID.
//
//   - If deliverAt == 0 or deliverAt <= now → immediately READY.
//   - If deliverAt > now → SCHEDULED; onSchedule fires to register the entry
//     with the Scheduler.
//
// Entry IDs are ULIDs, so lexical order approximates append order.
func (s *Stream) Append(fields map[string]string, deliverAt int64) (string, error) {
	// Capacity check.
	s.mu.Lock()
	over := s.cfg.MaxEntries > 0 && s.entryCount >= s.cfg.MaxEntries
	s.mu.Unlock()
	if over {
		return "", fmt.Errorf("stream %s: at capacity (%d entries)", s.Name, s.cfg.MaxEntries)
	}

	rec := &types.Record{
		ID:         node.MustNewID(),
		Stream:     s.Name,
		Fields:     fields,
		DeliverAt:  deliverAt,
		AppendedAt: time.Now().UnixMilli(),
		NodeID:     s.nodeID,
	}

	// Persist the record to the append-only log.
	offset, err := s.eng.Append(rec)
	if err != nil {
		return "", fmt.Errorf("append: %w", err)
	}

	now := time.Now().UnixMilli()
	scheduled := deliverAt > 0 && deliverAt > now

	status := types.StatusReady
	if scheduled {
		status = types.StatusScheduled
	}

	// Persist the index entry (commits the WAL entry too via WriteIndex).
	ie := storage.IndexEntry{
		Offset: offset,
		Status: status,
	}
	if err := s.eng.WriteIndex(rec.ID, ie); err != nil {
		return "", fmt.Errorf("append: write index: %w", err)
	}

	if scheduled {
		// Hand off to the Scheduler — it calls EnqueueScheduled when due.
		if s.onSchedule != nil {
			s.onSchedule(rec.ID, s.Name, deliverAt)
		}
	} else {
		s.mu.Lock()
		s.ready.PushBack(&readyEntry{entryID: rec.ID, offset: offset})
		s.entryCount++
		s.mu.Unlock()
		s.signalReady()
	}

	return rec.ID, nil
}

// EnqueueScheduled is called by the Scheduler when an entry's deliverAt has
// arrived. It transitions the entry from SCHEDULED → READY in storage and
// adds it to the in-memory ready list.
func (s *Stream) EnqueueScheduled(entryID string) error {
	entry, err := s.eng.ReadIndex(entryID)
	if err != nil {
		return fmt.Errorf("enqueue scheduled %s: read index: %w", entryID, err)
	}
	if entry.Status != types.StatusScheduled {
		// Already promoted (restart race) or acked — nothing to do.
		return nil
	}

	entry.Status = types.StatusReady
	if err := s.eng.WriteIndex(entryID, entry); err != nil {
		return fmt.Errorf("enqueue scheduled %s: write index: %w", entryID, err)
	}

	s.mu.Lock()
	s.ready.PushBack(&readyEntry{
		entryID:       entryID,
		offset:        entry.Offset,
		deliveryCount: entry.DeliveryCount,
	})
	s.entryCount++
	s.mu.Unlock()
	s.signalReady()
	return nil
}

// ─── ReadGroup ───────────────────────────────────────────────────────────────

// ReadGroup delivers up to count ready entries to the named consumer.
//
// Delivered entries move to the pending set with their delivery count
// incremented; the consumer must Ack each entry once processed.
//
// If no entries are ready and block > 0, ReadGroup waits up to block for a
// new entry before returning. A nil slice with nil error means the wait
// timed out (or block was zero and the stream was empty).
//
// ctx cancellation aborts the wait early and returns ctx.Err().
func (s *Stream) ReadGroup(ctx context.Context, consumer string, count int, block time.Duration) ([]*Delivery, error) {
	if count <= 0 || count > s.cfg.MaxBatchSize {
		count = s.cfg.MaxBatchSize
	}

	deadline := time.Now().Add(block)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		deliveries, err := s.popReady(consumer, count)
		if err != nil || len(deliveries) > 0 {
			return deliveries, err
		}

		if block <= 0 {
			return nil, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			timer = nil
			return nil, nil
		case <-s.notify:
			// New entry is ready — loop around and try again.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

// popReady pops up to count entries from the ready list and marks them PENDING.
func (s *Stream) popReady(consumer string, count int) ([]*Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deliveries []*Delivery
	now := time.Now().UnixMilli()

	for i := 0; i < count && s.ready.Len() > 0; i++ {
		front := s.ready.Front()
		s.ready.Remove(front)
		re := front.Value.(*readyEntry)

		rec, err := s.eng.ReadAt(re.offset)
		if err != nil {
			// Entry is corrupt/missing — skip and release quota.
			s.entryCount--
			continue
		}

		deliveryCount := re.deliveryCount + 1
		ie := storage.IndexEntry{
			Offset:        re.offset,
			Status:        types.StatusPending,
			Consumer:      consumer,
			DeliveredAtMs: now,
			DeliveryCount: deliveryCount,
		}
		if err := s.eng.WriteIndex(rec.ID, ie); err != nil {
			// Roll back: put the entry back at the front of the ready list.
			s.ready.PushFront(re)
			return deliveries, fmt.Errorf("read group: write index %s: %w", rec.ID, err)
		}

		s.pending[rec.ID] = &pendingState{
			offset:        re.offset,
			consumer:      consumer,
			deliveredAtMs: now,
			deliveryCount: deliveryCount,
		}

		deliveries = append(deliveries, &Delivery{
			EntryID:       rec.ID,
			Fields:        rec.Fields,
			DeliveryCount: deliveryCount,
		})
	}
	return deliveries, nil
}

// ─── Ack ─────────────────────────────────────────────────────────────────────

// Ack acknowledges the entry, removing it from the pending set and marking
// it ACKED in storage.
//
// Ack is idempotent: acknowledging an unknown, never-delivered, or
// already-acked entry is a no-op. The boolean reports whether this call
// transitioned the entry (false on the no-op path).
func (s *Stream) Ack(entryID string) (bool, error) {
	s.mu.Lock()
	st, ok := s.pending[entryID]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.pending, entryID)
	s.entryCount--
	s.mu.Unlock()

	err := s.eng.WriteIndex(entryID, storage.IndexEntry{
		Offset: st.offset,
		Status: types.StatusAcked,
	})
	if err != nil {
		return false, fmt.Errorf("ack %s: write index: %w", entryID, err)
	}
	return true, nil
}

// ─── Pending set ─────────────────────────────────────────────────────────────

// PendingEntries returns a snapshot of the pending set, sorted by entry ID
// (ULID lex order ≈ delivery-eligibility order).
func (s *Stream) PendingEntries() []PendingEntry {
	s.mu.Lock()
	out := make([]PendingEntry, 0, len(s.pending))
	for id, st := range s.pending {
		out = append(out, PendingEntry{
			EntryID:       id,
			Consumer:      st.consumer,
			DeliveredAtMs: st.deliveredAtMs,
			DeliveryCount: st.deliveryCount,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EntryID < out[j].EntryID })
	return out
}

// Claim transfers ownership of a pending entry to a new consumer, bumping its
// delivery count, and returns the record for the claimant to process.
// Returns ErrNotPending if the entry is not in the pending set.
func (s *Stream) Claim(entryID, consumer string) (*Delivery, error) {
	s.mu.Lock()
	st, ok := s.pending[entryID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("claim %s: %w", entryID, ErrNotPending)
	}

	now := time.Now().UnixMilli()
	st.consumer = consumer
	st.deliveredAtMs = now
	st.deliveryCount++
	offset := st.offset
	deliveryCount := st.deliveryCount
	s.mu.Unlock()

	ie := storage.IndexEntry{
		Offset:        offset,
		Status:        types.StatusPending,
		Consumer:      consumer,
		DeliveredAtMs: now,
		DeliveryCount: deliveryCount,
	}
	if err := s.eng.WriteIndex(entryID, ie); err != nil {
		return nil, fmt.Errorf("claim %s: write index: %w", entryID, err)
	}

	rec, err := s.eng.ReadAt(offset)
	if err != nil {
		return nil, fmt.Errorf("claim %s: read record: %w", entryID, err)
	}
	return &Delivery{
		EntryID:       entryID,
		Fields:        rec.Fields,
		DeliveryCount: deliveryCount,
	}, nil
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Len returns the combined READY + PENDING entry count.
// Scheduled entries are not included; the caller can add the scheduler's
// per-stream count for a full un-acked total.
func (s *Stream) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryCount
}

// ReadyCount returns the number of READY entries.
func (s *Stream) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len()
}

// PendingCount returns the number of entries in the pending set.
func (s *Stream) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// ─── Close ───────────────────────────────────────────────────────────────────

// Close closes the underlying storage engine.
func (s *Stream) Close() error {
	return s.eng.Close()
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

// signalReady wakes one blocked ReadGroup caller. Non-blocking: if a signal
// is already pending (channel full), no-op — the caller will wake soon.
func (s *Stream) signalReady() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// loadFromStorage scans the index and rebuilds the in-memory ready list and
// pending set. SCHEDULED entries are handed to onSchedule for re-registration
// with the Scheduler (so they survive a server restart).
//
// READY entries are sorted by entryID (ULID lex ≈ append time) to preserve
// approximate FIFO ordering after restart. PENDING entries stay pending:
// ownership survives a restart, and an operator (or consumer) moves them
// forward with Ack or Claim.
func (s *Stream) loadFromStorage() error {
	now := time.Now().UnixMilli()

	type rawReady struct {
		entryID       string
		offset        int64
		deliveryCount int
	}
	// pendingWrites collects index updates that must be applied AFTER ForEach
	// completes. bbolt does not allow opening a write transaction while a read
	// transaction is already open on the same DB (inside the same goroutine),
	// so we must defer all writes until after the scan is done.
	type pendingWrite struct {
		entryID string
		entry   storage.IndexEntry
	}

	var readyList []rawReady
	var writes []pendingWrite

	err := s.eng.ForEach(func(entryID string, entry storage.IndexEntry) error {
		switch entry.Status {
		case types.StatusReady:
			readyList = append(readyList, rawReady{entryID, entry.Offset, entry.DeliveryCount})
			s.entryCount++

		case types.StatusPending:
			s.pending[entryID] = &pendingState{
				offset:        entry.Offset,
				consumer:      entry.Consumer,
				deliveredAtMs: entry.DeliveredAtMs,
				deliveryCount: entry.DeliveryCount,
			}
			s.entryCount++

		case types.StatusScheduled:
			rec, err := s.eng.ReadAt(entry.Offset)
			if err != nil {
				return nil // skip unreadable entry
			}
			if rec.DeliverAt > now {
				if s.onSchedule != nil {
					s.onSchedule(entryID, s.Name, rec.DeliverAt)
				}
			} else {
				// Missed delivery window (server was down) — deliver now.
				writes = append(writes, pendingWrite{
					entryID: entryID,
					entry: storage.IndexEntry{
						Offset:        entry.Offset,
						Status:        types.StatusReady,
						DeliveryCount: entry.DeliveryCount,
					},
				})
				readyList = append(readyList, rawReady{entryID, entry.Offset, entry.DeliveryCount})
				s.entryCount++
			}

		// types.StatusAcked → nothing to restore.
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Apply deferred index writes now that the ForEach read transaction is closed.
	for _, pw := range writes {
		if err := s.eng.WriteIndex(pw.entryID, pw.entry); err != nil {
			return fmt.Errorf("load: write index %s: %w", pw.entryID, err)
		}
	}

	// Sort READY entries by entryID (ULID = time-sortable) for FIFO ordering.
	sort.Slice(readyList, func(i, j int) bool {
		return readyList[i].entryID < readyList[j].entryID
	})
	for _, r := range readyList {
		s.ready.PushBack(&readyEntry{
			entryID:       r.entryID,
			offset:        r.offset,
			deliveryCount: r.deliveryCount,
		})
	}
	return nil
}

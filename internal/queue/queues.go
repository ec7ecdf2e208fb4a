// Package queue is the central orchestrator for TaskStream.
//
// All application code (HTTP handlers, WebSocket, worker pool) talks to the
// Queues facade — never directly to the stream or storage layer. This keeps
// the layered architecture intact and coupling low.
//
// Data flow:
//
//	Producer → Queues.Enqueue  → stream.Stream.Append    → storage.Engine
//	Worker   → Queues.Dequeue  → stream.Stream.ReadGroup → storage.Engine
//	         → Queues.Ack      → stream.Stream.Ack
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sneh-joshi/taskstream/internal/metrics"
	"github.com/sneh-joshi/taskstream/internal/scheduler"
	"github.com/sneh-joshi/taskstream/internal/storage"
	"github.com/sneh-joshi/taskstream/internal/storage/local"
	"github.com/sneh-joshi/taskstream/internal/stream"
	"github.com/sneh-joshi/taskstream/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrBrokerUnavailable is returned by every operation before Connect()
	// has succeeded or after Close() has been called. There is no
	// auto-reconnect: a closed facade stays closed.
	ErrBrokerUnavailable = errors.New("queue: broker unavailable")
)

// ─── Config ──────────────────────────────────────────────────────────────────

// Config names the sub-logs behind each priority tier plus the dead-letter
// sink and the consumer group shared by all workers.
type Config struct {
	High       string // sub-log for PriorityHigh
	Normal     string // sub-log for PriorityNormal
	Low        string // sub-log for PriorityLow
	DeadLetter string // dead-letter sink sub-log
	Group      string // consumer-group name, one per stream

	// MaxEntries / MaxBatchSize are passed through to each stream.
	MaxEntries   int64
	MaxBatchSize int
}

// DefaultConfig returns the conventional stream names.
func DefaultConfig() Config {
	return Config{
		High:       "tasks_high",
		Normal:     "tasks_normal",
		Low:        "tasks_low",
		DeadLetter: "dead_letter_tasks",
		Group:      "workers",
	}
}

// StreamName maps a priority to its configured sub-log name.
func (c Config) StreamName(p types.Priority) string {
	switch p {
	case types.PriorityHigh:
		return c.High
	case types.PriorityLow:
		return c.Low
	default:
		return c.Normal
	}
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Queues facade.
type Option func(*Queues)

// WithMetrics attaches a metrics.Registry so that every Enqueue/Dequeue/Ack/
// DeadLetter call increments the relevant counter.
func WithMetrics(reg *metrics.Registry) Option {
	return func(q *Queues) { q.metrics = reg }
}

// WithStorageConfig overrides the local storage tuning (fsync policy,
// compaction interval) applied to every stream engine.
func WithStorageConfig(cfg local.Config) Option {
	return func(q *Queues) { q.storageCfg = &cfg }
}

// ─── Queues ──────────────────────────────────────────────────────────────────

// connState tracks the facade lifecycle: created → connected → closed.
type connState int

const (
	stateCreated connState = iota
	stateConnected
	stateClosed
)

// Queues is the priority-aware task queue facade. It wires the stream
// manager and scheduler into a single handle shared by every transport and
// worker.
//
// All methods are safe for concurrent use.
type Queues struct {
	cfg     Config
	dataDir string
	nodeID  string

	mgr    *stream.Manager
	sched  *scheduler.Scheduler
	cancel context.CancelFunc

	metrics    *metrics.Registry
	storageCfg *local.Config

	mu    sync.RWMutex
	state connState
}

// New creates the facade. Streams are not opened until Connect().
//
// Stream data lives under dataDir/streams/{name}/.
func New(dataDir, nodeID string, cfg Config, opts ...Option) *Queues {
	def := DefaultConfig()
	if cfg.High == "" {
		cfg.High = def.High
	}
	if cfg.Normal == "" {
		cfg.Normal = def.Normal
	}
	if cfg.Low == "" {
		cfg.Low = def.Low
	}
	if cfg.DeadLetter == "" {
		cfg.DeadLetter = def.DeadLetter
	}
	if cfg.Group == "" {
		cfg.Group = def.Group
	}

	q := &Queues{
		cfg:     cfg,
		dataDir: dataDir,
		nodeID:  nodeID,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Connect opens all sub-logs (the three priority tiers plus the dead-letter
// sink), binds the consumer group on each, and starts the shared scheduler.
// Re-binding an existing group is a no-op; any other error is surfaced.
//
// Connect on an already-connected facade is a no-op. Connect after Close()
// fails with ErrBrokerUnavailable — there is no reconnect.
func (q *Queues) Connect() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.state {
	case stateConnected:
		return nil
	case stateClosed:
		return fmt.Errorf("connect: %w", ErrBrokerUnavailable)
	}

	factory := func(name string) (storage.Engine, error) {
		dir := filepath.Join(q.dataDir, "streams", name)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create stream dir %s: %w", dir, err)
		}
		if q.storageCfg != nil {
			return local.Open(dir, *q.storageCfg)
		}
		return local.Open(dir)
	}

	sched := scheduler.New()
	mgr := stream.NewManager(factory, sched, q.nodeID)

	sCfg := stream.Config{
		Group:        q.cfg.Group,
		MaxEntries:   q.cfg.MaxEntries,
		MaxBatchSize: q.cfg.MaxBatchSize,
	}
	names := []string{q.cfg.High, q.cfg.Normal, q.cfg.Low, q.cfg.DeadLetter}
	for _, name := range names {
		s, err := mgr.GetOrCreate(name, sCfg)
		if err != nil {
			_ = mgr.Close()
			return fmt.Errorf("connect: open stream %s: %w", name, err)
		}
		if err := s.EnsureGroup(q.cfg.Group); err != nil {
			_ = mgr.Close()
			return fmt.Errorf("connect: bind group on %s: %w", name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx, mgr.SchedulerReadyFn())

	q.mgr = mgr
	q.sched = sched
	q.cancel = cancel
	q.state = stateConnected
	return nil
}

// Close stops the scheduler and closes all streams.
// After Close, every operation fails with ErrBrokerUnavailable.
func (q *Queues) Close() error {
	q.mu.Lock()
	if q.state != stateConnected {
		q.state = stateClosed
		q.mu.Unlock()
		return nil
	}
	q.state = stateClosed
	mgr := q.mgr
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	return mgr.Close()
}

// NodeID returns the node identity stamped on appended records.
func (q *Queues) NodeID() string { return q.nodeID }

// Group returns the consumer-group name shared by all streams.
func (q *Queues) Group() string { return q.cfg.Group }

// ─── Enqueue ─────────────────────────────────────────────────────────────────

// Enqueue encodes env and appends it to the sub-log for env.Priority.
// Returns the new entry ID.
func (q *Queues) Enqueue(env *types.Envelope) (string, error) {
	return q.enqueue(env, 0)
}

// EnqueueDelayed appends env for delivery after delay has elapsed.
// The entry is parked as scheduled and promoted to ready at its due time.
func (q *Queues) EnqueueDelayed(env *types.Envelope, delay time.Duration) (string, error) {
	deliverAt := time.Now().Add(delay).UnixMilli()
	return q.enqueue(env, deliverAt)
}

func (q *Queues) enqueue(env *types.Envelope, deliverAt int64) (string, error) {
	s, err := q.streamFor(env.Priority)
	if err != nil {
		return "", err
	}

	if env.MaxRetries == 0 {
		env.MaxRetries = types.DefaultMaxRetries
	}
	fields, err := EncodeEnvelope(env)
	if err != nil {
		return "", err
	}

	entryID, err := s.Append(fields, deliverAt)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", env.Priority, err)
	}

	if q.metrics != nil {
		q.metrics.Enqueued.Inc(env.Priority.String())
	}
	return entryID, nil
}

// ─── Dequeue / Ack ───────────────────────────────────────────────────────────

// Dequeue delivers up to count entries from the given priority tier to the
// named consumer, blocking up to block when the tier is empty.
func (q *Queues) Dequeue(ctx context.Context, p types.Priority, consumer string, count int, block time.Duration) ([]*stream.Delivery, error) {
	s, err := q.streamFor(p)
	if err != nil {
		return nil, err
	}

	ds, err := s.ReadGroup(ctx, consumer, count, block)
	if err != nil {
		return nil, err
	}
	if q.metrics != nil && len(ds) > 0 {
		q.metrics.Consumed.Add(p.String(), int64(len(ds)))
	}
	return ds, nil
}

// Ack acknowledges the entry on the given priority tier.
// Idempotent: acking an unknown or already-acked entry reports false, nil.
func (q *Queues) Ack(p types.Priority, entryID string) (bool, error) {
	s, err := q.streamFor(p)
	if err != nil {
		return false, err
	}

	acked, err := s.Ack(entryID)
	if err != nil {
		return false, err
	}
	if q.metrics != nil && acked {
		q.metrics.Acked.Inc(p.String())
	}
	return acked, nil
}

// ─── Introspection ───────────────────────────────────────────────────────────

// Length returns the advisory un-acked entry count for a priority tier:
// ready + pending + scheduled.
func (q *Queues) Length(p types.Priority) (int64, error) {
	s, err := q.streamFor(p)
	if err != nil {
		return 0, err
	}
	return s.Len() + q.scheduledCount(q.cfg.StreamName(p)), nil
}

// Stats returns the advisory un-acked count for every priority tier.
func (q *Queues) Stats() (map[types.Priority]int64, error) {
	out := make(map[types.Priority]int64, len(types.Priorities))
	for _, p := range types.Priorities {
		n, err := q.Length(p)
		if err != nil {
			return nil, err
		}
		out[p] = n
	}
	return out, nil
}

// PendingEntries returns the pending set for a priority tier: entries
// delivered to a consumer but not yet acknowledged.
func (q *Queues) PendingEntries(p types.Priority) ([]stream.PendingEntry, error) {
	s, err := q.streamFor(p)
	if err != nil {
		return nil, err
	}
	return s.PendingEntries(), nil
}

// Claim reassigns a pending entry on the given tier to a new consumer and
// redelivers it. Manual recovery only — there is no automated claim scanner.
func (q *Queues) Claim(p types.Priority, entryID, consumer string) (*stream.Delivery, error) {
	s, err := q.streamFor(p)
	if err != nil {
		return nil, err
	}
	return s.Claim(entryID, consumer)
}

// Snapshots returns per-stream depth counters for every live stream,
// including the dead-letter sink. Used by the stats push and dashboard.
func (q *Queues) Snapshots() ([]stream.StreamSnapshot, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.state != stateConnected {
		return nil, ErrBrokerUnavailable
	}
	return q.mgr.AllStats(), nil
}

// ─── Dead letters ────────────────────────────────────────────────────────────

// DeadLetter appends env to the dead-letter sink stream.
func (q *Queues) DeadLetter(env *types.Envelope) (string, error) {
	s, err := q.deadLetterStream()
	if err != nil {
		return "", err
	}

	fields, err := EncodeEnvelope(env)
	if err != nil {
		return "", err
	}
	entryID, err := s.Append(fields, 0)
	if err != nil {
		return "", fmt.Errorf("dead letter: %w", err)
	}

	if q.metrics != nil {
		q.metrics.DeadLettered.Inc(env.Priority.String())
	}
	return entryID, nil
}

// DeadLetterLength returns the advisory un-acked count of the dead-letter sink.
func (q *Queues) DeadLetterLength() (int64, error) {
	s, err := q.deadLetterStream()
	if err != nil {
		return 0, err
	}
	return s.Len() + q.scheduledCount(q.cfg.DeadLetter), nil
}

// DrainDeadLetters removes and returns up to limit envelopes from the
// dead-letter sink. The drain is destructive: returned entries are
// acknowledged. Entries that fail to decode are acknowledged and skipped.
func (q *Queues) DrainDeadLetters(limit int) ([]*types.Envelope, error) {
	s, err := q.deadLetterStream()
	if err != nil {
		return nil, err
	}

	var out []*types.Envelope
	for limit <= 0 || len(out) < limit {
		n := 64
		if limit > 0 && limit-len(out) < n {
			n = limit - len(out)
		}
		ds, err := s.ReadGroup(context.Background(), "drain", n, 0)
		if err != nil {
			return out, err
		}
		if len(ds) == 0 {
			break
		}
		for _, d := range ds {
			env, derr := DecodeEnvelope(d.Fields)
			if _, err := s.Ack(d.EntryID); err != nil {
				return out, err
			}
			if derr != nil {
				continue // poison entry: acked and dropped
			}
			out = append(out, env)
		}
	}
	return out, nil
}

// ReplayDeadLetters moves up to limit envelopes from the dead-letter sink
// back onto their original priority tier, with retry_count reset to zero.
// Returns the number of envelopes replayed.
func (q *Queues) ReplayDeadLetters(limit int) (int, error) {
	envs, err := q.DrainDeadLetters(limit)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, env := range envs {
		env.RetryCount = 0
		if _, err := q.Enqueue(env); err != nil {
			return replayed, fmt.Errorf("replay dead letters: %w", err)
		}
		replayed++
	}
	return replayed, nil
}

// ─── Internal helpers ─────────────────────────────────────────────────────────

// streamFor resolves the live stream behind a priority tier, enforcing the
// connected-state contract.
func (q *Queues) streamFor(p types.Priority) (*stream.Stream, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.state != stateConnected {
		return nil, ErrBrokerUnavailable
	}
	return q.mgr.Get(q.cfg.StreamName(p))
}

func (q *Queues) deadLetterStream() (*stream.Stream, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.state != stateConnected {
		return nil, ErrBrokerUnavailable
	}
	return q.mgr.Get(q.cfg.DeadLetter)
}

// scheduledCount returns the scheduler's count for a stream, or 0 when the
// facade is not connected.
func (q *Queues) scheduledCount(name string) int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.state != stateConnected || q.sched == nil {
		return 0
	}
	return q.sched.CountByStream(name)
}

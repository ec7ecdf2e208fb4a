package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sneh-joshi/taskstream/internal/scheduler"
	"github.com/sneh-joshi/taskstream/internal/storage"
)

// ─── errors ──────────────────────────────────────────────────────────────────

var ErrStreamNotFound = errors.New("stream not found")

// ─── EngineFactory ────────────────────────────────────────────────────────────

// EngineFactory is a constructor for per-stream storage Engines.
// It is called by the Manager when a stream is first created.
//
// The factory is responsible for creating or reopening the on-disk storage
// for the named stream.
//
// Typical implementation:
//
//	func(name string) (storage.Engine, error) {
//	    dir := filepath.Join(dataDir, "streams", name)
//	    return local.Open(dir)
//	}
type EngineFactory func(name string) (storage.Engine, error)

// ─── Manager ─────────────────────────────────────────────────────────────────

// Manager owns the lifecycle of all Stream instances.
//
// Responsibilities:
//   - Create streams on demand (GetOrCreate).
//   - Register delayed entries with the shared Scheduler.
//   - Tear everything down cleanly on Close.
//
// All methods are safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	streams map[string]*Stream // stream name → *Stream
	factory EngineFactory
	sched   *scheduler.Scheduler
	nodeID  string
}

// NewManager creates a Manager.
//
// factory is called to create a per-stream storage Engine.
// sched is the shared Min-Heap Scheduler; pass nil to disable delayed delivery.
func NewManager(factory EngineFactory, sched *scheduler.Scheduler, nodeID string) *Manager {
	return &Manager{
		streams: make(map[string]*Stream),
		factory: factory,
		sched:   sched,
		nodeID:  nodeID,
	}
}

// GetOrCreate returns the live Stream for name, creating it first if needed.
func (m *Manager) GetOrCreate(name string, cfg Config) (*Stream, error) {
	m.mu.RLock()
	s, ok := m.streams[name]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check under write lock (avoid TOCTOU between RLock check and WLock).
	if s, ok := m.streams[name]; ok {
		return s, nil
	}

	eng, err := m.factory(name)
	if err != nil {
		return nil, fmt.Errorf("create stream %s: engine: %w", name, err)
	}

	// onSchedule forwards to the global Scheduler (nil if no scheduler).
	var onSchedule func(entryID, streamKey string, deliverAt int64)
	if m.sched != nil {
		sched := m.sched
		onSchedule = func(entryID, streamKey string, deliverAt int64) {
			sched.Schedule(entryID, streamKey, deliverAt)
		}
	}

	s, err = New(name, eng, cfg, m.nodeID, onSchedule)
	if err != nil {
		_ = eng.Close()
		return nil, fmt.Errorf("create stream %s: %w", name, err)
	}
	m.streams[name] = s
	return s, nil
}

// Get returns the live Stream for name, or ErrStreamNotFound.
func (m *Manager) Get(name string) (*Stream, error) {
	m.mu.RLock()
	s, ok := m.streams[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamNotFound, name)
	}
	return s, nil
}

// List returns a snapshot of all currently live stream names.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.streams))
	for n := range m.streams {
		names = append(names, n)
	}
	return names
}

// SchedulerReadyFn returns the callback to pass to scheduler.Start: it routes
// each due entry to its stream's EnqueueScheduled.
func (m *Manager) SchedulerReadyFn() func(entryID, streamKey string) {
	return func(entryID, streamKey string) {
		s, err := m.Get(streamKey)
		if err != nil {
			return // stream was never created this run; entry stays scheduled on disk
		}
		_ = s.EnqueueScheduled(entryID)
	}
}

// StreamSnapshot is a point-in-time view of a single stream's depth counters.
type StreamSnapshot struct {
	Name      string
	Ready     int64
	Pending   int64
	Scheduled int64
}

// AllStats returns a snapshot of ready, pending, and scheduled counts for
// every live stream.
func (m *Manager) AllStats() []StreamSnapshot {
	m.mu.RLock()
	ss := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		ss = append(ss, s)
	}
	m.mu.RUnlock()

	out := make([]StreamSnapshot, 0, len(ss))
	for _, s := range ss {
		var scheduled int64
		if m.sched != nil {
			scheduled = m.sched.CountByStream(s.Name)
		}
		out = append(out, StreamSnapshot{
			Name:      s.Name,
			Ready:     int64(s.ReadyCount()),
			Pending:   int64(s.PendingCount()),
			Scheduled: scheduled,
		})
	}
	return out
}

// Close stops the Scheduler (if any) and closes all streams.
func (m *Manager) Close() error {
	if m.sched != nil {
		m.sched.Stop()
	}

	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	m.streams = make(map[string]*Stream)
	m.mu.Unlock()

	var firstErr error
	for _, s := range streams {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

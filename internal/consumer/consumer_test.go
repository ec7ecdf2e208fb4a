package consumer_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sneh-joshi/taskstream/internal/consumer"
	"github.com/sneh-joshi/taskstream/internal/queue"
	"github.com/sneh-joshi/taskstream/internal/storage/local"
	"github.com/sneh-joshi/taskstream/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newFacade(t *testing.T) *queue.Queues {
	t.Helper()
	sc := local.DefaultConfig()
	sc.Fsync = local.FsyncNever
	sc.CompactionInterval = 24 * time.Hour
	return queue.New(t.TempDir(), "node-1", queue.Config{}, queue.WithStorageConfig(sc))
}

func fastConfig() consumer.Config {
	cfg := consumer.DefaultConfig()
	cfg.PollBlock = 20 * time.Millisecond
	cfg.RetryBackoffUnit = 5 * time.Millisecond
	cfg.ErrorBackoff = 50 * time.Millisecond
	return cfg
}

func task(prio types.Priority, id int64) *types.Envelope {
	return &types.Envelope{
		TaskID:    id,
		UserID:    1,
		TaskType:  "summarize",
		Priority:  prio,
		InputText: "payload",
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// seen records every envelope a handler observes, in call order.
type seen struct {
	mu   sync.Mutex
	envs []*types.Envelope
}

func (s *seen) add(env *types.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env.Clone())
}

func (s *seen) snapshot() []*types.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.Envelope(nil), s.envs...)
}

func (s *seen) count() int { return len(s.snapshot()) }

// ─── retry path ──────────────────────────────────────────────────────────────

func TestConsumer_FailureRetriesOnSamePriority(t *testing.T) {
	q := newFacade(t)
	rec := &seen{}
	handler := func(ctx context.Context, env *types.Envelope) (bool, error) {
		rec.add(env)
		return env.RetryCount > 0, nil // fail the first attempt only
	}

	pool := consumer.NewPool(q, 1, fastConfig(), handler, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	if _, err := q.Enqueue(task(types.PriorityNormal, 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, "both attempts", func() bool { return rec.count() >= 2 })

	envs := rec.snapshot()
	if envs[0].RetryCount != 0 || envs[1].RetryCount != 1 {
		t.Errorf("retry counts = %d,%d, want 0,1", envs[0].RetryCount, envs[1].RetryCount)
	}
	if envs[1].Priority != types.PriorityNormal {
		t.Errorf("retry landed on %s, want normal", envs[1].Priority)
	}

	waitFor(t, 5*time.Second, "queue drained", func() bool {
		n, err := q.Length(types.PriorityNormal)
		return err == nil && n == 0
	})
	dlq, err := q.DeadLetterLength()
	if err != nil {
		t.Fatalf("DeadLetterLength: %v", err)
	}
	if dlq != 0 {
		t.Errorf("dead-letter length = %d, want 0", dlq)
	}
}

func TestConsumer_RetryBackoffIsExponential(t *testing.T) {
	q := newFacade(t)
	rec := &seen{}
	handler := func(ctx context.Context, env *types.Envelope) (bool, error) {
		rec.add(env)
		return env.RetryCount > 0, nil // fail the first attempt only
	}

	cfg := fastConfig()
	cfg.RetryBackoffUnit = 300 * time.Millisecond // first retry delay is 2^1 units = 600ms

	pool := consumer.NewPool(q, 1, cfg, handler, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	if _, err := q.Enqueue(task(types.PriorityNormal, 4)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, "first attempt", func() bool { return rec.count() >= 1 })

	// Half the computed delay later the retry must still be parked in the
	// scheduler, not redelivered.
	time.Sleep(cfg.RetryBackoffUnit)
	if got := rec.count(); got != 1 {
		t.Fatalf("handler invoked %d times before the backoff elapsed, want 1", got)
	}
	snaps, err := q.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	var scheduled int64
	for _, s := range snaps {
		scheduled += s.Scheduled
	}
	if scheduled != 1 {
		t.Fatalf("scheduled entries mid-backoff = %d, want 1", scheduled)
	}

	waitFor(t, 5*time.Second, "retry delivered", func() bool { return rec.count() >= 2 })
	if envs := rec.snapshot(); envs[1].RetryCount != 1 {
		t.Errorf("second attempt RetryCount = %d, want 1", envs[1].RetryCount)
	}
}

func TestConsumer_ExhaustedRetriesDeadLetterExactlyOnce(t *testing.T) {
	q := newFacade(t)
	rec := &seen{}
	handler := func(ctx context.Context, env *types.Envelope) (bool, error) {
		rec.add(env)
		return false, nil
	}

	pool := consumer.NewPool(q, 1, fastConfig(), handler, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	if _, err := q.Enqueue(task(types.PriorityHigh, 7)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// initial attempt + max_retries retries
	waitFor(t, 10*time.Second, "all attempts", func() bool {
		return rec.count() >= types.DefaultMaxRetries+1
	})
	waitFor(t, 5*time.Second, "dead-lettered", func() bool {
		n, err := q.DeadLetterLength()
		return err == nil && n == 1
	})

	envs, err := q.DrainDeadLetters(10)
	if err != nil {
		t.Fatalf("DrainDeadLetters: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("drained %d envelopes, want exactly 1", len(envs))
	}
	if envs[0].TaskID != 7 {
		t.Errorf("TaskID = %d, want 7", envs[0].TaskID)
	}
	if envs[0].RetryCount != types.DefaultMaxRetries+1 {
		t.Errorf("RetryCount = %d, want %d", envs[0].RetryCount, types.DefaultMaxRetries+1)
	}

	// original tier fully drained, nothing pending
	n, err := q.Length(types.PriorityHigh)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if n != 0 {
		t.Errorf("high tier length = %d, want 0", n)
	}
}

func TestConsumer_DisabledDeadLetterDropsTask(t *testing.T) {
	q := newFacade(t)
	cfg := fastConfig()
	cfg.DisableDeadLetter = true

	handler := func(ctx context.Context, env *types.Envelope) (bool, error) {
		return false, nil
	}
	pool := consumer.NewPool(q, 1, cfg, handler, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	if _, err := q.Enqueue(task(types.PriorityNormal, 3)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 10*time.Second, "task dropped", func() bool {
		n, err := q.Length(types.PriorityNormal)
		return err == nil && n == 0
	})

	dlq, err := q.DeadLetterLength()
	if err != nil {
		t.Fatalf("DeadLetterLength: %v", err)
	}
	if dlq != 0 {
		t.Errorf("dead-letter length = %d, want 0 when sink disabled", dlq)
	}
}

// ─── precedence ──────────────────────────────────────────────────────────────

func TestConsumer_StrictPriorityPrecedence(t *testing.T) {
	q := newFacade(t)
	if err := q.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// load all three tiers before the worker starts, lowest first
	for _, tc := range []struct {
		prio types.Priority
		id   int64
	}{
		{types.PriorityLow, 3},
		{types.PriorityNormal, 2},
		{types.PriorityHigh, 1},
	} {
		if _, err := q.Enqueue(task(tc.prio, tc.id)); err != nil {
			t.Fatalf("Enqueue %s: %v", tc.prio, err)
		}
	}

	rec := &seen{}
	handler := func(ctx context.Context, env *types.Envelope) (bool, error) {
		rec.add(env)
		return true, nil
	}
	cfg := fastConfig()
	cfg.BatchSize = 1

	pool := consumer.NewPool(q, 1, cfg, handler, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	waitFor(t, 5*time.Second, "all tasks processed", func() bool { return rec.count() >= 3 })

	envs := rec.snapshot()
	wantOrder := []types.Priority{types.PriorityHigh, types.PriorityNormal, types.PriorityLow}
	for i, want := range wantOrder {
		if envs[i].Priority != want {
			t.Fatalf("position %d processed %s, want %s", i, envs[i].Priority, want)
		}
	}
}

// ─── fault policy ────────────────────────────────────────────────────────────

func TestConsumer_FaultLeavesPending(t *testing.T) {
	q := newFacade(t)
	rec := &seen{}
	handler := func(ctx context.Context, env *types.Envelope) (bool, error) {
		rec.add(env)
		return false, errors.New("worker crashed mid-task")
	}

	pool := consumer.NewPool(q, 1, fastConfig(), handler, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	if _, err := q.Enqueue(task(types.PriorityHigh, 5)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, "handler invoked", func() bool { return rec.count() >= 1 })

	// the entry stays pending: no redelivery, no dead-letter, still un-acked
	waitFor(t, time.Second, "entry pending", func() bool {
		pending, err := q.PendingEntries(types.PriorityHigh)
		return err == nil && len(pending) == 1
	})
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("handler invoked %d times, want exactly 1", got)
	}

	dlq, err := q.DeadLetterLength()
	if err != nil {
		t.Fatalf("DeadLetterLength: %v", err)
	}
	if dlq != 0 {
		t.Errorf("dead-letter length = %d, want 0", dlq)
	}
	n, err := q.Length(types.PriorityHigh)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if n != 1 {
		t.Errorf("high tier length = %d, want 1 (still un-acked)", n)
	}
}

func TestConsumer_FaultRetryPolicyRetries(t *testing.T) {
	q := newFacade(t)
	rec := &seen{}
	handler := func(ctx context.Context, env *types.Envelope) (bool, error) {
		rec.add(env)
		if env.RetryCount == 0 {
			return false, errors.New("transient fault")
		}
		return true, nil
	}
	cfg := fastConfig()
	cfg.FaultPolicy = consumer.FaultRetry

	pool := consumer.NewPool(q, 1, cfg, handler, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	if _, err := q.Enqueue(task(types.PriorityNormal, 8)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitFor(t, 5*time.Second, "fault retried", func() bool { return rec.count() >= 2 })
	waitFor(t, 5*time.Second, "queue drained", func() bool {
		n, err := q.Length(types.PriorityNormal)
		return err == nil && n == 0
	})
}

func TestParseFaultPolicy(t *testing.T) {
	if p, err := consumer.ParseFaultPolicy(""); err != nil || p != consumer.FaultLeavePending {
		t.Errorf("empty = (%v,%v), want leave_pending default", p, err)
	}
	if p, err := consumer.ParseFaultPolicy("retry"); err != nil || p != consumer.FaultRetry {
		t.Errorf("retry = (%v,%v)", p, err)
	}
	if _, err := consumer.ParseFaultPolicy("explode"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

// ─── shutdown ────────────────────────────────────────────────────────────────

func TestConsumer_StopBeforeRunStillExits(t *testing.T) {
	q := newFacade(t)
	if err := q.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer q.Close()

	handler := func(ctx context.Context, env *types.Envelope) (bool, error) { return true, nil }
	c := consumer.New("worker-0", q, fastConfig(), handler, nil)

	c.Stop() // before Run has started

	done := make(chan struct{})
	go func() {
		c.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after a Stop issued before it started")
	}
	c.Stop() // idempotent
}

func TestPool_StopImmediatelyAfterStart(t *testing.T) {
	q := newFacade(t)
	handler := func(ctx context.Context, env *types.Envelope) (bool, error) { return true, nil }

	pool := consumer.NewPool(q, 4, fastConfig(), handler, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		if err := pool.Stop(); err != nil {
			t.Errorf("Stop: %v", err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return; a consumer goroutine never observed it")
	}
}

// ─── pool lifecycle ──────────────────────────────────────────────────────────

func TestPool_CompetingWorkersProcessEachTaskOnce(t *testing.T) {
	q := newFacade(t)
	rec := &seen{}
	handler := func(ctx context.Context, env *types.Envelope) (bool, error) {
		rec.add(env)
		return true, nil
	}

	pool := consumer.NewPool(q, 4, fastConfig(), handler, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	const total = 40
	for i := int64(0); i < total; i++ {
		if _, err := q.Enqueue(task(types.PriorityNormal, i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	waitFor(t, 10*time.Second, "all tasks processed", func() bool { return rec.count() >= total })
	time.Sleep(50 * time.Millisecond)

	ids := make(map[int64]int)
	for _, env := range rec.snapshot() {
		ids[env.TaskID]++
	}
	if len(ids) != total {
		t.Fatalf("processed %d distinct tasks, want %d", len(ids), total)
	}
	for id, n := range ids {
		if n != 1 {
			t.Errorf("task %d processed %d times, want 1", id, n)
		}
	}
}

func TestPool_StopClosesFacade(t *testing.T) {
	q := newFacade(t)
	handler := func(ctx context.Context, env *types.Envelope) (bool, error) { return true, nil }

	pool := consumer.NewPool(q, 2, fastConfig(), handler, nil)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := pool.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := q.Enqueue(task(types.PriorityHigh, 1)); !errors.Is(err, queue.ErrBrokerUnavailable) {
		t.Fatalf("Enqueue after Stop err = %v, want ErrBrokerUnavailable", err)
	}
	// Stop is idempotent
	if err := pool.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

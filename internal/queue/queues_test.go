package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sneh-joshi/taskstream/internal/metrics"
	"github.com/sneh-joshi/taskstream/internal/queue"
	"github.com/sneh-joshi/taskstream/internal/storage/local"
	"github.com/sneh-joshi/taskstream/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func openQueues(t *testing.T, opts ...queue.Option) *queue.Queues {
	t.Helper()
	sc := local.DefaultConfig()
	sc.Fsync = local.FsyncNever
	sc.CompactionInterval = 24 * time.Hour
	opts = append(opts, queue.WithStorageConfig(sc))

	q := queue.New(t.TempDir(), "node-1", queue.Config{}, opts...)
	if err := q.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func envelopeAt(prio types.Priority, taskID int64) *types.Envelope {
	return &types.Envelope{
		TaskID:    taskID,
		UserID:    1,
		TaskType:  "summarize",
		Priority:  prio,
		InputText: "hello",
	}
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestQueues_OpsBeforeConnectFail(t *testing.T) {
	q := queue.New(t.TempDir(), "node-1", queue.Config{})

	if _, err := q.Enqueue(envelopeAt(types.PriorityHigh, 1)); !errors.Is(err, queue.ErrBrokerUnavailable) {
		t.Fatalf("Enqueue err = %v, want ErrBrokerUnavailable", err)
	}
	if _, err := q.Stats(); !errors.Is(err, queue.ErrBrokerUnavailable) {
		t.Fatalf("Stats err = %v, want ErrBrokerUnavailable", err)
	}
}

func TestQueues_ConnectIsIdempotent(t *testing.T) {
	q := openQueues(t)
	if err := q.Connect(); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
}

func TestQueues_OpsAfterCloseFail(t *testing.T) {
	q := openQueues(t)
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := q.Enqueue(envelopeAt(types.PriorityHigh, 1)); !errors.Is(err, queue.ErrBrokerUnavailable) {
		t.Fatalf("Enqueue err = %v, want ErrBrokerUnavailable", err)
	}
	if _, err := q.Dequeue(context.Background(), types.PriorityHigh, "worker-0", 1, 0); !errors.Is(err, queue.ErrBrokerUnavailable) {
		t.Fatalf("Dequeue err = %v, want ErrBrokerUnavailable", err)
	}
	// no reconnect: Connect after Close stays down
	if err := q.Connect(); !errors.Is(err, queue.ErrBrokerUnavailable) {
		t.Fatalf("Connect after Close err = %v, want ErrBrokerUnavailable", err)
	}
}

func TestQueues_CloseIsIdempotent(t *testing.T) {
	q := openQueues(t)
	if err := q.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

// ─── Enqueue / Dequeue / Ack ─────────────────────────────────────────────────

func TestQueues_EnqueueDequeueAck(t *testing.T) {
	q := openQueues(t)

	entryID, err := q.Enqueue(envelopeAt(types.PriorityHigh, 42))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if entryID == "" {
		t.Fatal("empty entry ID")
	}

	ds, err := q.Dequeue(context.Background(), types.PriorityHigh, "worker-0", 10, 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(ds) != 1 || ds[0].EntryID != entryID {
		t.Fatalf("got %d deliveries, want entry %s", len(ds), entryID)
	}

	env, err := queue.DecodeEnvelope(ds[0].Fields)
	if err != nil {
		t.Fatalf("decode delivered fields: %v", err)
	}
	if env.TaskID != 42 || env.Priority != types.PriorityHigh {
		t.Errorf("decoded envelope = (%d,%s), want (42,high)", env.TaskID, env.Priority)
	}

	acked, err := q.Ack(types.PriorityHigh, entryID)
	if err != nil || !acked {
		t.Fatalf("Ack = (%v,%v), want (true,nil)", acked, err)
	}
	// second ack reports already-gone
	acked, err = q.Ack(types.PriorityHigh, entryID)
	if err != nil || acked {
		t.Fatalf("second Ack = (%v,%v), want (false,nil)", acked, err)
	}
}

func TestQueues_PrioritiesAreIsolated(t *testing.T) {
	q := openQueues(t)

	if _, err := q.Enqueue(envelopeAt(types.PriorityLow, 1)); err != nil {
		t.Fatalf("Enqueue low: %v", err)
	}

	ds, err := q.Dequeue(context.Background(), types.PriorityHigh, "worker-0", 10, 0)
	if err != nil {
		t.Fatalf("Dequeue high: %v", err)
	}
	if len(ds) != 0 {
		t.Fatalf("high tier delivered %d entries enqueued on low", len(ds))
	}

	ds, err = q.Dequeue(context.Background(), types.PriorityLow, "worker-0", 10, 0)
	if err != nil {
		t.Fatalf("Dequeue low: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("low tier delivered %d entries, want 1", len(ds))
	}
}

func TestQueues_StatsAndLength(t *testing.T) {
	q := openQueues(t)

	for i := int64(0); i < 3; i++ {
		if _, err := q.Enqueue(envelopeAt(types.PriorityNormal, i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if _, err := q.Enqueue(envelopeAt(types.PriorityHigh, 99)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	stats, err := q.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[types.PriorityHigh] != 1 || stats[types.PriorityNormal] != 3 || stats[types.PriorityLow] != 0 {
		t.Fatalf("stats = %v, want high=1 normal=3 low=0", stats)
	}

	// pending entries still count as un-acked
	if _, err := q.Dequeue(context.Background(), types.PriorityNormal, "worker-0", 1, 0); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	n, err := q.Length(types.PriorityNormal)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if n != 3 {
		t.Fatalf("Length after dequeue = %d, want 3", n)
	}
}

func TestQueues_EnqueueDelayedCountsAsScheduled(t *testing.T) {
	q := openQueues(t)

	if _, err := q.EnqueueDelayed(envelopeAt(types.PriorityHigh, 1), time.Hour); err != nil {
		t.Fatalf("EnqueueDelayed: %v", err)
	}

	n, err := q.Length(types.PriorityHigh)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if n != 1 {
		t.Fatalf("Length = %d, want 1 (scheduled entry)", n)
	}

	ds, err := q.Dequeue(context.Background(), types.PriorityHigh, "worker-0", 10, 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(ds) != 0 {
		t.Fatal("scheduled entry delivered before its due time")
	}
}

func TestQueues_EnqueueDelayedDeliversAfterDelay(t *testing.T) {
	q := openQueues(t)

	entryID, err := q.EnqueueDelayed(envelopeAt(types.PriorityNormal, 7), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("EnqueueDelayed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ds, err := q.Dequeue(ctx, types.PriorityNormal, "worker-0", 1, time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(ds) != 1 || ds[0].EntryID != entryID {
		t.Fatalf("got %d deliveries, want delayed entry %s", len(ds), entryID)
	}
}

func TestQueues_PendingAndClaim(t *testing.T) {
	q := openQueues(t)

	entryID, err := q.Enqueue(envelopeAt(types.PriorityHigh, 5))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(context.Background(), types.PriorityHigh, "worker-0", 1, 0); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	pending, err := q.PendingEntries(types.PriorityHigh)
	if err != nil {
		t.Fatalf("PendingEntries: %v", err)
	}
	if len(pending) != 1 || pending[0].Consumer != "worker-0" {
		t.Fatalf("pending = %+v, want one entry owned by worker-0", pending)
	}

	d, err := q.Claim(types.PriorityHigh, entryID, "worker-3")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if d.DeliveryCount != 2 {
		t.Errorf("DeliveryCount = %d, want 2", d.DeliveryCount)
	}

	pending, err = q.PendingEntries(types.PriorityHigh)
	if err != nil {
		t.Fatalf("PendingEntries: %v", err)
	}
	if len(pending) != 1 || pending[0].Consumer != "worker-3" {
		t.Fatalf("pending after claim = %+v, want owner worker-3", pending)
	}
}

// ─── Dead letters ────────────────────────────────────────────────────────────

func TestQueues_DeadLetterAndDrain(t *testing.T) {
	q := openQueues(t)

	env := envelopeAt(types.PriorityNormal, 9)
	env.RetryCount = 4
	if _, err := q.DeadLetter(env); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	n, err := q.DeadLetterLength()
	if err != nil {
		t.Fatalf("DeadLetterLength: %v", err)
	}
	if n != 1 {
		t.Fatalf("DeadLetterLength = %d, want 1", n)
	}

	envs, err := q.DrainDeadLetters(10)
	if err != nil {
		t.Fatalf("DrainDeadLetters: %v", err)
	}
	if len(envs) != 1 || envs[0].TaskID != 9 || envs[0].RetryCount != 4 {
		t.Fatalf("drained = %+v, want task 9 with retry_count 4", envs)
	}

	// drain is destructive
	n, err = q.DeadLetterLength()
	if err != nil {
		t.Fatalf("DeadLetterLength: %v", err)
	}
	if n != 0 {
		t.Fatalf("DeadLetterLength after drain = %d, want 0", n)
	}
}

func TestQueues_ReplayDeadLettersResetsRetryCount(t *testing.T) {
	q := openQueues(t)

	env := envelopeAt(types.PriorityHigh, 11)
	env.RetryCount = 4
	if _, err := q.DeadLetter(env); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	replayed, err := q.ReplayDeadLetters(10)
	if err != nil {
		t.Fatalf("ReplayDeadLetters: %v", err)
	}
	if replayed != 1 {
		t.Fatalf("replayed = %d, want 1", replayed)
	}

	// back on its original tier with a fresh retry budget
	ds, err := q.Dequeue(context.Background(), types.PriorityHigh, "worker-0", 1, 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("got %d deliveries, want 1", len(ds))
	}
	got, err := queue.DecodeEnvelope(ds[0].Fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.RetryCount != 0 {
		t.Errorf("RetryCount after replay = %d, want 0", got.RetryCount)
	}
	if got.TaskID != 11 {
		t.Errorf("TaskID = %d, want 11", got.TaskID)
	}

	n, err := q.DeadLetterLength()
	if err != nil {
		t.Fatalf("DeadLetterLength: %v", err)
	}
	if n != 0 {
		t.Fatalf("dead-letter sink not emptied, length = %d", n)
	}
}

// ─── Metrics wiring ──────────────────────────────────────────────────────────

func TestQueues_MetricsCounters(t *testing.T) {
	reg := metrics.NewRegistry()
	q := openQueues(t, queue.WithMetrics(reg))

	entryID, err := q.Enqueue(envelopeAt(types.PriorityHigh, 1))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(context.Background(), types.PriorityHigh, "worker-0", 1, 0); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if _, err := q.Ack(types.PriorityHigh, entryID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if got := reg.Enqueued.Value("high"); got != 1 {
		t.Errorf("enqueued counter = %d, want 1", got)
	}
	if got := reg.Consumed.Value("high"); got != 1 {
		t.Errorf("consumed counter = %d, want 1", got)
	}
	if got := reg.Acked.Value("high"); got != 1 {
		t.Errorf("acked counter = %d, want 1", got)
	}
}

// ─── Durability ──────────────────────────────────────────────────────────────

func TestQueues_StateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	sc := local.DefaultConfig()
	sc.Fsync = local.FsyncNever
	sc.CompactionInterval = 24 * time.Hour

	q := queue.New(dir, "node-1", queue.Config{}, queue.WithStorageConfig(sc))
	if err := q.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := q.Enqueue(envelopeAt(types.PriorityHigh, 1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Enqueue(envelopeAt(types.PriorityLow, 2)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q2 := queue.New(dir, "node-1", queue.Config{}, queue.WithStorageConfig(sc))
	if err := q2.Connect(); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer q2.Close()

	stats, err := q2.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[types.PriorityHigh] != 1 || stats[types.PriorityLow] != 1 {
		t.Fatalf("stats after restart = %v, want high=1 low=1", stats)
	}
}

// Package consumer implements the worker side of TaskStream: a pool of
// consumer-group members that drain the priority tiers in strict precedence
// order and resolve each delivery through an application callback.
//
// Only the high tier uses a bounded blocking read each poll cycle; the
// normal and low tiers are checked without blocking. Precedence is
// unchanged, but on an empty system lower tiers are re-polled once per
// cycle (at most PollBlock apart) rather than each holding their own wait.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sneh-joshi/taskstream/internal/metrics"
	"github.com/sneh-joshi/taskstream/internal/queue"
	"github.com/sneh-joshi/taskstream/internal/stream"
	"github.com/sneh-joshi/taskstream/internal/types"
)

// Handler processes one decoded task. The boolean reports business-level
// success: false triggers the bounded retry path, while a non-nil error
// means the worker itself faulted and the FaultPolicy decides what happens.
type Handler func(ctx context.Context, env *types.Envelope) (bool, error)

// FaultPolicy controls what a consumer does when the Handler returns an
// error (as opposed to a clean boolean failure).
type FaultPolicy string

const (
	// FaultLeavePending logs the fault and leaves the entry un-acked in the
	// pending set, visible via PendingEntries and recoverable via Claim.
	FaultLeavePending FaultPolicy = "leave_pending"
	// FaultRetry treats a handler error like a boolean failure: bounded
	// retry with backoff, then dead-letter.
	FaultRetry FaultPolicy = "retry"
)

// ParseFaultPolicy converts a config string into a FaultPolicy.
func ParseFaultPolicy(s string) (FaultPolicy, error) {
	switch FaultPolicy(s) {
	case FaultLeavePending, FaultRetry:
		return FaultPolicy(s), nil
	case "":
		return FaultLeavePending, nil
	}
	return "", fmt.Errorf("unknown fault policy %q", s)
}

// Config tunes a single consumer. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// BatchSize is the maximum deliveries fetched per group read.
	BatchSize int
	// PollBlock bounds the blocking read on the high tier each cycle.
	PollBlock time.Duration
	// ErrorBackoff is the fixed pause after a broker error before the cycle
	// restarts. Broker errors are retried forever.
	ErrorBackoff time.Duration
	// RetryBackoffUnit is the base of the exponential retry delay: a task on
	// its nth retry is re-enqueued with delay 2^n units.
	RetryBackoffUnit time.Duration
	// FaultPolicy decides what happens when the Handler returns an error.
	FaultPolicy FaultPolicy
	// DisableDeadLetter drops exhausted tasks with a log line instead of
	// appending them to the dead-letter sink.
	DisableDeadLetter bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:        10,
		PollBlock:        time.Second,
		ErrorBackoff:     5 * time.Second,
		RetryBackoffUnit: time.Second,
		FaultPolicy:      FaultLeavePending,
	}
}

// Consumer is one consumer-group member. It owns no goroutine itself; the
// pool runs Run on a goroutine per consumer.
type Consumer struct {
	name    string
	q       *queue.Queues
	cfg     Config
	handler Handler
	metrics *metrics.Registry

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a consumer with the given group-member identity.
func New(name string, q *queue.Queues, cfg Config, handler Handler, reg *metrics.Registry) *Consumer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PollBlock <= 0 {
		cfg.PollBlock = DefaultConfig().PollBlock
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultConfig().ErrorBackoff
	}
	if cfg.RetryBackoffUnit <= 0 {
		cfg.RetryBackoffUnit = DefaultConfig().RetryBackoffUnit
	}
	if cfg.FaultPolicy == "" {
		cfg.FaultPolicy = FaultLeavePending
	}
	return &Consumer{
		name:    name,
		q:       q,
		cfg:     cfg,
		handler: handler,
		metrics: reg,
		stop:    make(chan struct{}),
	}
}

// Name returns the consumer-group member identity.
func (c *Consumer) Name() string { return c.name }

// Run executes poll cycles until Stop is called or ctx is cancelled. The
// stop channel is only consulted at cycle boundaries, so an in-flight batch
// always resolves completely. A Stop issued before Run starts still takes
// effect: Run checks the channel before every cycle, including the first.
func (c *Consumer) Run(ctx context.Context) {
	slog.Info("consumer started", "consumer", c.name)
	for !c.stopping() && ctx.Err() == nil {
		c.cycle(ctx)
	}
	slog.Info("consumer stopped", "consumer", c.name)
}

// Stop closes the stop channel. Run exits at the next cycle boundary; the
// current batch, including any in-flight handler calls, is not interrupted.
// Safe to call more than once, and before Run has started.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Consumer) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// cycle polls the tiers in strict precedence order. The high tier gets a
// bounded blocking read; the lower tiers are checked without blocking so a
// high-priority arrival is never stuck behind a lower-tier wait. Any
// non-empty batch restarts the cycle from the high tier.
func (c *Consumer) cycle(ctx context.Context) {
	for i, p := range types.Priorities {
		block := time.Duration(0)
		if i == 0 {
			block = c.cfg.PollBlock
		}

		ds, err := c.q.Dequeue(ctx, p, c.name, c.cfg.BatchSize, block)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			slog.Error("consumer: dequeue failed", "consumer", c.name, "priority", p, "err", err)
			c.backoff(ctx)
			return
		}
		if len(ds) > 0 {
			c.dispatch(ctx, p, ds)
			return
		}
	}
}

// backoff pauses after a broker error. Cancellation and Stop cut it short.
func (c *Consumer) backoff(ctx context.Context) {
	t := time.NewTimer(c.cfg.ErrorBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-c.stop:
	case <-t.C:
	}
}

// dispatch resolves every delivery of a batch concurrently and waits for all
// of them before the cycle restarts.
func (c *Consumer) dispatch(ctx context.Context, p types.Priority, ds []*stream.Delivery) {
	var wg sync.WaitGroup
	for _, d := range ds {
		wg.Add(1)
		go func(d *stream.Delivery) {
			defer wg.Done()
			c.resolve(ctx, p, d)
		}(d)
	}
	wg.Wait()
}

// resolve runs the handler for one delivery and settles its fate: ack,
// delayed retry, dead-letter, or left pending.
func (c *Consumer) resolve(ctx context.Context, p types.Priority, d *stream.Delivery) {
	env, err := queue.DecodeEnvelope(d.Fields)
	if err != nil {
		// Malformed record: leave it pending so an operator can inspect or
		// claim it. Acking would silently destroy the evidence.
		slog.Error("consumer: undecodable task left pending",
			"consumer", c.name, "priority", p, "entry", d.EntryID, "err", err)
		return
	}

	ok, err := c.handler(ctx, env)
	if err != nil {
		if c.cfg.FaultPolicy == FaultRetry {
			slog.Warn("consumer: handler fault, retrying",
				"consumer", c.name, "task", env.TaskID, "entry", d.EntryID, "err", err)
			c.retry(p, d.EntryID, env)
			return
		}
		slog.Error("consumer: handler fault, task left pending",
			"consumer", c.name, "task", env.TaskID, "entry", d.EntryID, "err", err)
		if c.metrics != nil {
			c.metrics.Faults.Inc(p.String())
		}
		return
	}

	if ok {
		c.ack(p, d.EntryID)
		return
	}
	c.retry(p, d.EntryID, env)
}

// retry advances the retry budget. Within budget the task is re-enqueued on
// its own tier with exponential delay; past it the task is dead-lettered.
// The original delivery is acked either way so it cannot be redelivered.
func (c *Consumer) retry(p types.Priority, entryID string, env *types.Envelope) {
	env.RetryCount++
	if env.RetryCount <= env.MaxRetries {
		delay := time.Duration(1<<uint(env.RetryCount)) * c.cfg.RetryBackoffUnit
		if _, err := c.q.EnqueueDelayed(env, delay); err != nil {
			slog.Error("consumer: re-enqueue failed, task left pending",
				"consumer", c.name, "task", env.TaskID, "err", err)
			return
		}
		slog.Info("consumer: task scheduled for retry",
			"consumer", c.name, "task", env.TaskID, "retry", env.RetryCount, "delay", delay)
		if c.metrics != nil {
			c.metrics.Retried.Inc(p.String())
		}
		c.ack(p, entryID)
		return
	}

	if c.cfg.DisableDeadLetter {
		slog.Warn("consumer: retries exhausted, task dropped",
			"consumer", c.name, "task", env.TaskID, "retries", env.RetryCount-1)
		c.ack(p, entryID)
		return
	}
	if _, err := c.q.DeadLetter(env); err != nil {
		slog.Error("consumer: dead-letter failed, task left pending",
			"consumer", c.name, "task", env.TaskID, "err", err)
		return
	}
	slog.Warn("consumer: retries exhausted, task dead-lettered",
		"consumer", c.name, "task", env.TaskID, "retries", env.RetryCount-1)
	c.ack(p, entryID)
}

func (c *Consumer) ack(p types.Priority, entryID string) {
	if _, err := c.q.Ack(p, entryID); err != nil {
		slog.Error("consumer: ack failed", "consumer", c.name, "entry", entryID, "err", err)
	}
}

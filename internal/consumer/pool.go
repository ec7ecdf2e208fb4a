package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sneh-joshi/taskstream/internal/metrics"
	"github.com/sneh-joshi/taskstream/internal/queue"
)

// Pool runs N consumers with identities worker-0 … worker-(N-1) over one
// shared queue facade. All consumers share the handler, the configuration,
// and the dead-letter sink bound at construction.
type Pool struct {
	q         *queue.Queues
	consumers []*Consumer

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewPool builds a pool of count consumers. The facade must not be connected
// yet; Start owns the connect.
func NewPool(q *queue.Queues, count int, cfg Config, handler Handler, reg *metrics.Registry) *Pool {
	if count <= 0 {
		count = 1
	}
	p := &Pool{q: q}
	for i := 0; i < count; i++ {
		name := fmt.Sprintf("worker-%d", i)
		p.consumers = append(p.consumers, New(name, q, cfg, handler, reg))
	}
	return p
}

// Start connects the facade and launches every consumer on its own
// goroutine. It returns once all consumers are running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if p.stopped {
		return fmt.Errorf("pool: %w", queue.ErrBrokerUnavailable)
	}

	if err := p.q.Connect(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for _, c := range p.consumers {
		p.wg.Add(1)
		go func(c *Consumer) {
			defer p.wg.Done()
			c.Run(runCtx)
		}(c)
	}
	p.started = true
	slog.Info("worker pool started", "workers", len(p.consumers))
	return nil
}

// Stop shuts the pool down cooperatively: every consumer finishes its
// current batch, then the facade is closed. Safe to call more than once.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	p.mu.Unlock()

	if started {
		for _, c := range p.consumers {
			c.Stop()
		}
		p.wg.Wait()
		p.cancel()
	}
	slog.Info("worker pool stopped", "workers", len(p.consumers))
	return p.q.Close()
}

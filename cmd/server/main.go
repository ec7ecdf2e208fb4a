// Command taskstream-server is the TaskStream queue server process.
// It loads configuration, initialises node identity, starts the broker
// facade, the worker pool, and the HTTP API.
//
// The built-in worker handler only logs each task; deployments that execute
// real work embed the queue and pool as a library and bind their own
// callback at pool construction.
//
// Usage:
//
//	taskstream-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sneh-joshi/taskstream/internal/config"
	"github.com/sneh-joshi/taskstream/internal/consumer"
	"github.com/sneh-joshi/taskstream/internal/metrics"
	"github.com/sneh-joshi/taskstream/internal/node"
	"github.com/sneh-joshi/taskstream/internal/queue"
	transphttp "github.com/sneh-joshi/taskstream/internal/transport/http"
	"github.com/sneh-joshi/taskstream/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "taskstream: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}

	slog.Info("taskstream starting",
		"node_id", n.ID(),
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"workers", cfg.Workers.Count,
	)

	// ── 4. Initialise metrics registry ───────────────────────────────────────
	metricsReg := metrics.NewRegistry()

	// ── 5. Build the queue facade (storage + streams + scheduler) ────────────
	qCfg := queue.Config{
		High:         cfg.Queues.High,
		Normal:       cfg.Queues.Normal,
		Low:          cfg.Queues.Low,
		DeadLetter:   cfg.Queues.DeadLetter,
		Group:        cfg.Queues.Group,
		MaxEntries:   cfg.Queues.MaxEntries,
		MaxBatchSize: cfg.Queues.MaxBatchSize,
	}
	queues := queue.New(cfg.Node.DataDir, string(n.ID()), qCfg,
		queue.WithMetrics(metricsReg),
		queue.WithStorageConfig(cfg.StorageLocal()),
	)

	// ── 6. Start the worker pool (connects the facade) ───────────────────────
	pool := consumer.NewPool(queues, cfg.Workers.Count, cfg.ConsumerConfig(), logTask, metricsReg)
	if err := pool.Start(context.Background()); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}

	// ── 7. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(queues, string(n.ID()), cfg, metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)

	// Serve in a background goroutine so we can handle signals.
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("taskstream ready", "node_id", n.ID(), "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 8. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 9. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			_ = pool.Stop()
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Workers first: each finishes its in-flight batch, then the facade
	// closes. In-flight HTTP requests get 5 seconds after that.
	if err := pool.Stop(); err != nil {
		slog.Warn("pool stop error", "err", err)
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}

	slog.Info("taskstream stopped")
	return nil
}

// logTask is the built-in worker handler: it records the task and reports
// success.
func logTask(ctx context.Context, env *types.Envelope) (bool, error) {
	slog.Info("task executed",
		"task_id", env.TaskID,
		"user_id", env.UserID,
		"type", env.TaskType,
		"priority", env.Priority,
		"retry", env.RetryCount,
	)
	return true, nil
}

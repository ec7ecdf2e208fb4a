// Package http provides the HTTP transport layer for TaskStream.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	GET  /healthz
//	POST /tasks
//	GET  /queues
//	GET  /queues/{priority}/pending
//	GET  /deadletters
//	POST /deadletters/replay
//	GET  /ws/stats
//	GET  /metrics
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/sneh-joshi/taskstream/internal/config"
	"github.com/sneh-joshi/taskstream/internal/metrics"
	"github.com/sneh-joshi/taskstream/internal/queue"
	transportws "github.com/sneh-joshi/taskstream/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with TaskStream route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server over the queue facade.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(q *queue.Queues, nodeID string, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{
		queues:            q,
		nodeID:            nodeID,
		defaultMaxRetries: cfg.Workers.MaxRetries,
	}
	ws := &transportws.Handler{Queues: q}

	mux := http.NewServeMux()

	// Health
	mux.HandleFunc("GET /healthz", h.health)

	// Producer API
	mux.HandleFunc("POST /tasks", h.enqueueTask)

	// Operator API
	mux.HandleFunc("GET /queues", h.queueStats)
	mux.HandleFunc("GET /queues/{priority}/pending", h.pendingEntries)
	mux.HandleFunc("GET /deadletters", h.getDeadLetters)
	mux.HandleFunc("POST /deadletters/replay", h.replayDeadLetters)

	// WebSocket stats push
	mux.Handle("GET /ws/stats", ws)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	// Build middleware chain: CORS, body cap, logging, auth, rate-limit
	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware,
		LoggingMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(float64(cfg.Producers.MaxRate), cfg.Producers.Burst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

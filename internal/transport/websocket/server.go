// Package websocket pushes live queue statistics over a WebSocket.
//
// Clients open a connection to:
//
//	GET /ws/stats
//
// The server pushes a stats frame immediately on connect and then every
// interval (default 1s):
//
//	{"type":"stats","streams":[{"name":"tasks_high","ready":2,"pending":1,"scheduled":0}, ...],"at_ms":...}
package websocket

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/sneh-joshi/taskstream/internal/queue"
)

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic). Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// defaultPushInterval is how often a stats frame is pushed when the Handler
// is built with a zero Interval.
const defaultPushInterval = time.Second

// Handler serves the stats push endpoint.
type Handler struct {
	Queues   *queue.Queues
	Interval time.Duration
}

// streamStats is one stream's depth counters inside a stats frame.
type streamStats struct {
	Name      string `json:"name"`
	Ready     int64  `json:"ready"`
	Pending   int64  `json:"pending"`
	Scheduled int64  `json:"scheduled"`
}

// statsFrame is the JSON structure the server pushes to the client.
type statsFrame struct {
	Type    string        `json:"type"` // "stats"
	Streams []streamStats `json:"streams"`
	AtMs    int64         `json:"at_ms"`
}

// ServeHTTP upgrades the connection and starts the push loop. The loop ends
// when the client disconnects or the facade goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close frames are processed; the stats
	// endpoint accepts no client input.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := h.Interval
	if interval <= 0 {
		interval = defaultPushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if !h.push(conn) {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if !h.push(conn) {
				return
			}
		}
	}
}

// push writes one stats frame. It reports false when the connection or the
// facade is no longer usable.
func (h *Handler) push(conn *gorillaws.Conn) bool {
	snaps, err := h.Queues.Snapshots()
	if err != nil {
		slog.Warn("ws stats unavailable", "err", err)
		return false
	}

	frame := statsFrame{
		Type:    "stats",
		Streams: make([]streamStats, 0, len(snaps)),
		AtMs:    time.Now().UnixMilli(),
	}
	for _, s := range snaps {
		frame.Streams = append(frame.Streams, streamStats{
			Name:      s.Name,
			Ready:     s.Ready,
			Pending:   s.Pending,
			Scheduled: s.Scheduled,
		})
	}

	if err := conn.WriteJSON(frame); err != nil {
		return false
	}
	return true
}

package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sneh-joshi/taskstream/internal/config"
	"github.com/sneh-joshi/taskstream/internal/queue"
	"github.com/sneh-joshi/taskstream/internal/storage/local"
	transphttp "github.com/sneh-joshi/taskstream/internal/transport/http"
	"github.com/sneh-joshi/taskstream/internal/types"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (http.Handler, *queue.Queues) {
	t.Helper()
	cfg := config.Default()
	cfg.Node.DataDir = t.TempDir()
	for _, m := range mutate {
		m(cfg)
	}

	sc := local.DefaultConfig()
	sc.Fsync = local.FsyncNever
	sc.CompactionInterval = 24 * time.Hour

	q := queue.New(cfg.Node.DataDir, "test-node", queue.Config{}, queue.WithStorageConfig(sc))
	if err := q.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })

	srv := transphttp.New(q, "test-node", cfg, nil)
	return srv.Handler(), q
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&reqBody).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v, body: %s", err, rr.Body.String())
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestHTTP_Health(t *testing.T) {
	h, _ := newTestServer(t)
	rr := doRequest(t, h, "GET", "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health: want 200, got %d — body: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("health status: want ok, got %v", resp["status"])
	}
	if resp["node_id"] != "test-node" {
		t.Errorf("node_id: want test-node, got %v", resp["node_id"])
	}
}

// ─── Enqueue ──────────────────────────────────────────────────────────────────

func TestHTTP_EnqueueTask(t *testing.T) {
	h, q := newTestServer(t)

	rr := doRequest(t, h, "POST", "/tasks", map[string]any{
		"task_id":    1,
		"user_id":    2,
		"task_type":  "summarize",
		"priority":   "high",
		"input_text": "summarize this",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("enqueue: want 201, got %d — body: %s", rr.Code, rr.Body)
	}
	var resp map[string]any
	decodeResp(t, rr, &resp)
	if resp["entry_id"] == "" {
		t.Error("empty entry_id in response")
	}
	if resp["priority"] != "high" {
		t.Errorf("priority: want high, got %v", resp["priority"])
	}

	n, err := q.Length(types.PriorityHigh)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if n != 1 {
		t.Errorf("high tier length = %d, want 1", n)
	}
}

func TestHTTP_EnqueueDefaultsPriorityToNormal(t *testing.T) {
	h, q := newTestServer(t)

	rr := doRequest(t, h, "POST", "/tasks", map[string]any{
		"task_id":    1,
		"input_text": "no priority given",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("enqueue: want 201, got %d — body: %s", rr.Code, rr.Body)
	}

	n, err := q.Length(types.PriorityNormal)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if n != 1 {
		t.Errorf("normal tier length = %d, want 1", n)
	}
}

func TestHTTP_EnqueueAppliesDefaultMaxRetries(t *testing.T) {
	h, q := newTestServer(t, func(c *config.Config) { c.Workers.MaxRetries = 7 })

	rr := doRequest(t, h, "POST", "/tasks", map[string]any{
		"task_id":    1,
		"input_text": "x",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("enqueue: want 201, got %d — body: %s", rr.Code, rr.Body)
	}

	ds, err := q.Dequeue(context.Background(), types.PriorityNormal, "worker-0", 1, 0)
	if err != nil || len(ds) != 1 {
		t.Fatalf("Dequeue = (%d,%v)", len(ds), err)
	}
	env, err := queue.DecodeEnvelope(ds[0].Fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want configured default 7", env.MaxRetries)
	}
}

func TestHTTP_EnqueueValidation(t *testing.T) {
	h, _ := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"unknown priority", map[string]any{"input_text": "x", "priority": "urgent"}},
		{"empty input", map[string]any{"priority": "high"}},
		{"negative delay", map[string]any{"input_text": "x", "delay_ms": -5}},
		{"unknown field", map[string]any{"input_text": "x", "bogus": true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, h, "POST", "/tasks", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("want 400, got %d — body: %s", rr.Code, rr.Body)
			}
		})
	}
}

func TestHTTP_EnqueueDelayed(t *testing.T) {
	h, q := newTestServer(t)

	rr := doRequest(t, h, "POST", "/tasks", map[string]any{
		"task_id":    1,
		"input_text": "later",
		"priority":   "low",
		"delay_ms":   3_600_000,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("enqueue: want 201, got %d — body: %s", rr.Code, rr.Body)
	}

	// scheduled, not yet deliverable
	ds, err := q.Dequeue(context.Background(), types.PriorityLow, "worker-0", 1, 0)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(ds) != 0 {
		t.Error("delayed task delivered immediately")
	}
	n, err := q.Length(types.PriorityLow)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if n != 1 {
		t.Errorf("low tier length = %d, want 1", n)
	}
}

// ─── Stats / pending ──────────────────────────────────────────────────────────

func TestHTTP_QueueStats(t *testing.T) {
	h, q := newTestServer(t)

	if _, err := q.Enqueue(&types.Envelope{TaskID: 1, Priority: types.PriorityHigh, InputText: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.DeadLetter(&types.Envelope{TaskID: 2, Priority: types.PriorityNormal, InputText: "y"}); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	rr := doRequest(t, h, "GET", "/queues", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: want 200, got %d — body: %s", rr.Code, rr.Body)
	}
	var resp struct {
		Queues      map[string]int64 `json:"queues"`
		DeadLetters int64            `json:"dead_letters"`
	}
	decodeResp(t, rr, &resp)
	if resp.Queues["high"] != 1 || resp.Queues["normal"] != 0 || resp.Queues["low"] != 0 {
		t.Errorf("queues = %v, want high=1 normal=0 low=0", resp.Queues)
	}
	if resp.DeadLetters != 1 {
		t.Errorf("dead_letters = %d, want 1", resp.DeadLetters)
	}
}

func TestHTTP_PendingEntries(t *testing.T) {
	h, q := newTestServer(t)

	if _, err := q.Enqueue(&types.Envelope{TaskID: 1, Priority: types.PriorityHigh, InputText: "x"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := q.Dequeue(context.Background(), types.PriorityHigh, "worker-2", 1, 0); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	rr := doRequest(t, h, "GET", "/queues/high/pending", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("pending: want 200, got %d — body: %s", rr.Code, rr.Body)
	}
	var resp struct {
		Priority string `json:"priority"`
		Entries  []struct {
			EntryID       string `json:"entry_id"`
			Consumer      string `json:"consumer"`
			DeliveryCount int64  `json:"delivery_count"`
		} `json:"entries"`
	}
	decodeResp(t, rr, &resp)
	if resp.Priority != "high" {
		t.Errorf("priority = %s, want high", resp.Priority)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].Consumer != "worker-2" || resp.Entries[0].DeliveryCount != 1 {
		t.Fatalf("entries = %+v, want one entry owned by worker-2", resp.Entries)
	}
}

func TestHTTP_PendingRejectsUnknownPriority(t *testing.T) {
	h, _ := newTestServer(t)
	rr := doRequest(t, h, "GET", "/queues/urgent/pending", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d — body: %s", rr.Code, rr.Body)
	}
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

func TestHTTP_DeadLettersDrain(t *testing.T) {
	h, q := newTestServer(t)

	env := &types.Envelope{TaskID: 9, Priority: types.PriorityNormal, InputText: "exhausted", RetryCount: 4, MaxRetries: 3}
	if _, err := q.DeadLetter(env); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	rr := doRequest(t, h, "GET", "/deadletters?limit=5", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("deadletters: want 200, got %d — body: %s", rr.Code, rr.Body)
	}
	var resp struct {
		Tasks []struct {
			TaskID     int64  `json:"task_id"`
			Priority   string `json:"priority"`
			RetryCount int    `json:"retry_count"`
		} `json:"tasks"`
	}
	decodeResp(t, rr, &resp)
	if len(resp.Tasks) != 1 || resp.Tasks[0].TaskID != 9 || resp.Tasks[0].RetryCount != 4 {
		t.Fatalf("tasks = %+v, want task 9 with retry_count 4", resp.Tasks)
	}

	// drained: second read is empty
	rr = doRequest(t, h, "GET", "/deadletters", nil)
	decodeResp(t, rr, &resp)
	if len(resp.Tasks) != 0 {
		t.Errorf("second drain returned %d tasks, want 0", len(resp.Tasks))
	}
}

func TestHTTP_DeadLettersReplay(t *testing.T) {
	h, q := newTestServer(t)

	env := &types.Envelope{TaskID: 3, Priority: types.PriorityHigh, InputText: "z", RetryCount: 4, MaxRetries: 3}
	if _, err := q.DeadLetter(env); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	rr := doRequest(t, h, "POST", "/deadletters/replay", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("replay: want 200, got %d — body: %s", rr.Code, rr.Body)
	}
	var resp struct {
		Replayed int `json:"replayed"`
	}
	decodeResp(t, rr, &resp)
	if resp.Replayed != 1 {
		t.Fatalf("replayed = %d, want 1", resp.Replayed)
	}

	n, err := q.Length(types.PriorityHigh)
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if n != 1 {
		t.Errorf("high tier length = %d, want replayed task", n)
	}
}

func TestHTTP_DrainLimitValidation(t *testing.T) {
	h, _ := newTestServer(t)
	for _, path := range []string{"/deadletters?limit=0", "/deadletters?limit=10000", "/deadletters?limit=abc"} {
		rr := doRequest(t, h, "GET", path, nil)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: want 400, got %d", path, rr.Code)
		}
	}
}

// ─── Auth ─────────────────────────────────────────────────────────────────────

func TestHTTP_AuthRequiredWhenEnabled(t *testing.T) {
	h, _ := newTestServer(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.APIKey = "sekret"
	})

	rr := doRequest(t, h, "GET", "/queues", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key: want 401, got %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/queues", nil)
	req.Header.Set("X-Api-Key", "sekret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with key: want 200, got %d — body: %s", rec.Code, rec.Body)
	}

	req = httptest.NewRequest("GET", "/queues", nil)
	req.Header.Set("X-Api-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: want 401, got %d", rec.Code)
	}
}

// ─── Rate limiting & CORS ────────────────────────────────────────────────────

func TestHTTP_RateLimitHonorsProducerConfig(t *testing.T) {
	h, _ := newTestServer(t, func(c *config.Config) {
		c.Producers.MaxRate = 1
		c.Producers.Burst = 1
	})

	if rr := doRequest(t, h, "GET", "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("first request: want 200, got %d", rr.Code)
	}
	// The single burst token is spent; the next request from the same client
	// must be rejected.
	if rr := doRequest(t, h, "GET", "/healthz", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: want 429, got %d", rr.Code)
	}
}

func TestHTTP_CORSHeadersAndPreflight(t *testing.T) {
	h, _ := newTestServer(t)

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("Allow-Origin = %q, want reflected origin", got)
	}

	req = httptest.NewRequest("OPTIONS", "/tasks", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: want 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Error("preflight missing Allow-Methods header")
	}
}

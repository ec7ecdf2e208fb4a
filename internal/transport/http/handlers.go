package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/sneh-joshi/taskstream/internal/queue"
	"github.com/sneh-joshi/taskstream/internal/types"
)

// maxDrainLimit caps how many dead letters a single request may drain or
// replay.
const maxDrainLimit = 1000

// Handler groups all HTTP request handlers around the queue facade.
type Handler struct {
	queues *queue.Queues
	nodeID string

	// defaultMaxRetries is applied to enqueued tasks that carry no budget.
	defaultMaxRetries int
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type enqueueReq struct {
	TaskID            int64          `json:"task_id"`
	UserID            int64          `json:"user_id"`
	TaskType          string         `json:"task_type"`
	Priority          string         `json:"priority"`
	InputText         string         `json:"input_text"`
	UserContext       map[string]any `json:"user_context"`
	AccessibilityMode bool           `json:"accessibility_mode"`
	WebhookURL        string         `json:"webhook_url"`
	MaxRetries        int            `json:"max_retries"` // 0 = server default
	DelayMs           int64          `json:"delay_ms"`    // 0 = deliver now
}

type enqueueResp struct {
	EntryID  string `json:"entry_id"`
	Priority string `json:"priority"`
}

type queueStatsResp struct {
	Queues      map[string]int64 `json:"queues"`
	DeadLetters int64            `json:"dead_letters"`
}

type pendingEntry struct {
	EntryID       string `json:"entry_id"`
	Consumer      string `json:"consumer"`
	DeliveredAtMs int64  `json:"delivered_at_ms"`
	DeliveryCount int64  `json:"delivery_count"`
}

type pendingResp struct {
	Priority string         `json:"priority"`
	Entries  []pendingEntry `json:"entries"`
}

type deadLetterTask struct {
	TaskID     int64  `json:"task_id"`
	UserID     int64  `json:"user_id"`
	TaskType   string `json:"task_type"`
	Priority   string `json:"priority"`
	InputText  string `json:"input_text"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

type deadLettersResp struct {
	Tasks []deadLetterTask `json:"tasks"`
}

type replayResp struct {
	Replayed int `json:"replayed"`
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

// ─── Health ───────────────────────────────────────────────────────────────────

var startTime = time.Now()

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(startTime)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  "1.0.0",
	})
}

// ─── Enqueue ──────────────────────────────────────────────────────────────────

func (h *Handler) enqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueReq
	if !decodeJSON(w, r, &req) {
		return
	}

	prio := types.PriorityNormal
	if req.Priority != "" {
		p, err := types.ParsePriority(req.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		prio = p
	}
	if req.InputText == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_text must not be empty"})
		return
	}
	if req.DelayMs < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "delay_ms must not be negative"})
		return
	}

	taskType := req.TaskType
	if taskType == "" {
		taskType = "unknown"
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = h.defaultMaxRetries
	}

	env := &types.Envelope{
		TaskID:            req.TaskID,
		UserID:            req.UserID,
		TaskType:          taskType,
		Priority:          prio,
		InputText:         req.InputText,
		UserContext:       req.UserContext,
		AccessibilityMode: req.AccessibilityMode,
		WebhookURL:        req.WebhookURL,
		MaxRetries:        maxRetries,
	}

	var (
		entryID string
		err     error
	)
	if req.DelayMs > 0 {
		entryID, err = h.queues.EnqueueDelayed(env, time.Duration(req.DelayMs)*time.Millisecond)
	} else {
		entryID, err = h.queues.Enqueue(env)
	}
	if err != nil {
		writeError(w, facadeErrorCode(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResp{EntryID: entryID, Priority: prio.String()})
}

// ─── Stats / pending ──────────────────────────────────────────────────────────

func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queues.Stats()
	if err != nil {
		writeError(w, facadeErrorCode(err), err)
		return
	}
	dlq, err := h.queues.DeadLetterLength()
	if err != nil {
		writeError(w, facadeErrorCode(err), err)
		return
	}

	out := make(map[string]int64, len(stats))
	for p, n := range stats {
		out[p.String()] = n
	}
	writeJSON(w, http.StatusOK, queueStatsResp{Queues: out, DeadLetters: dlq})
}

func (h *Handler) pendingEntries(w http.ResponseWriter, r *http.Request) {
	prio, err := types.ParsePriority(r.PathValue("priority"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entries, err := h.queues.PendingEntries(prio)
	if err != nil {
		writeError(w, facadeErrorCode(err), err)
		return
	}

	resp := pendingResp{Priority: prio.String(), Entries: []pendingEntry{}}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, pendingEntry{
			EntryID:       e.EntryID,
			Consumer:      e.Consumer,
			DeliveredAtMs: e.DeliveredAtMs,
			DeliveryCount: int64(e.DeliveryCount),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ─── Dead letters ─────────────────────────────────────────────────────────────

// getDeadLetters drains up to ?limit (default 100) tasks from the
// dead-letter sink and returns them. The drain is destructive: returned
// tasks are gone from the sink.
func (h *Handler) getDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := drainLimit(w, r)
	if !ok {
		return
	}

	envs, err := h.queues.DrainDeadLetters(limit)
	if err != nil {
		writeError(w, facadeErrorCode(err), err)
		return
	}

	resp := deadLettersResp{Tasks: []deadLetterTask{}}
	for _, env := range envs {
		resp.Tasks = append(resp.Tasks, deadLetterTask{
			TaskID:     env.TaskID,
			UserID:     env.UserID,
			TaskType:   env.TaskType,
			Priority:   env.Priority.String(),
			InputText:  env.InputText,
			RetryCount: env.RetryCount,
			MaxRetries: env.MaxRetries,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) replayDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := drainLimit(w, r)
	if !ok {
		return
	}

	replayed, err := h.queues.ReplayDeadLetters(limit)
	if err != nil {
		writeError(w, facadeErrorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, replayResp{Replayed: replayed})
}

// drainLimit parses the ?limit query parameter, defaulting to 100.
func drainLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > maxDrainLimit {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

// ─── JSON plumbing ────────────────────────────────────────────────────────────

// facadeErrorCode maps facade errors onto HTTP status codes.
func facadeErrorCode(err error) int {
	if errors.Is(err, queue.ErrBrokerUnavailable) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

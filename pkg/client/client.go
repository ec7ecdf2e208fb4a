// Package client is the official Go SDK for TaskStream.
//
// # Quick start
//
//	c := client.New("http://localhost:8080")
//
//	// Enqueue immediately
//	id, err := c.Enqueue(ctx, client.Task{
//	    TaskID:    42,
//	    UserID:    7,
//	    Priority:  "high",
//	    InputText: "summarize this document",
//	})
//
//	// Enqueue in 1 hour
//	id, err := c.Enqueue(ctx, task, client.WithDelay(time.Hour))
//
//	// Inspect queue depths
//	stats, err := c.Stats(ctx)
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client
// internally so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the TaskStream server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("taskstream: server returned %d: %s", e.StatusCode, e.Message)
}

// IsUnavailable reports whether the error is a 503 from the server, meaning
// the broker facade is closed or not yet connected.
func IsUnavailable(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusServiceUnavailable
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has auth.enabled = true.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
// Use this to configure TLS, proxies, or request tracing.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the TaskStream API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client that connects to the TaskStream server at baseURL.
//
//	c := client.New("http://localhost:8080")
//	c := client.New("http://tasks.example.com", client.WithAPIKey("secret"))
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Enqueue options ──────────────────────────────────────────────────────────

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueuePayload)

// WithDelay schedules delivery after a relative delay from now.
//
//	client.WithDelay(24 * time.Hour)
func WithDelay(d time.Duration) EnqueueOption {
	return func(p *enqueuePayload) { p.DelayMs = d.Milliseconds() }
}

// WithMaxRetries overrides the server-default maximum retry attempts.
// Set to 0 to use the server default.
func WithMaxRetries(n int) EnqueueOption {
	return func(p *enqueuePayload) { p.MaxRetries = n }
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// Task is the payload submitted to Enqueue.
type Task struct {
	TaskID            int64
	UserID            int64
	TaskType          string         // defaults to "unknown" server-side
	Priority          string         // "high", "normal", or "low" (default)
	InputText         string         // required
	UserContext       map[string]any // optional, opaque to the queue
	AccessibilityMode bool
	WebhookURL        string
}

// QueueStats is the depth snapshot returned by Stats.
type QueueStats struct {
	// Queues maps priority name to advisory un-acked entry count
	// (ready + pending + scheduled).
	Queues map[string]int64
	// DeadLetters is the dead-letter sink depth.
	DeadLetters int64
}

// PendingEntry is one un-acked delivery in a priority tier.
type PendingEntry struct {
	EntryID       string
	Consumer      string
	DeliveredAt   time.Time
	DeliveryCount int64
}

// DeadTask is a task drained from the dead-letter sink.
type DeadTask struct {
	TaskID     int64
	UserID     int64
	TaskType   string
	Priority   string
	InputText  string
	RetryCount int
	MaxRetries int
}

// HealthInfo contains the data returned by the /healthz endpoint.
type HealthInfo struct {
	Status  string
	NodeID  string
	Uptime  time.Duration
	Version string
}

// ─── Task operations ──────────────────────────────────────────────────────────

// Enqueue submits a task and returns the entry ID assigned by the broker.
//
//	id, err := c.Enqueue(ctx, client.Task{TaskID: 1, InputText: "..."})
//
// To schedule delivery in the future:
//
//	id, err := c.Enqueue(ctx, task, client.WithDelay(time.Hour))
func (c *Client) Enqueue(ctx context.Context, task Task, opts ...EnqueueOption) (string, error) {
	p := &enqueuePayload{
		TaskID:            task.TaskID,
		UserID:            task.UserID,
		TaskType:          task.TaskType,
		Priority:          task.Priority,
		InputText:         task.InputText,
		UserContext:       task.UserContext,
		AccessibilityMode: task.AccessibilityMode,
		WebhookURL:        task.WebhookURL,
	}
	for _, o := range opts {
		o(p)
	}

	var resp struct {
		EntryID string `json:"entry_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks", p, &resp); err != nil {
		return "", err
	}
	return resp.EntryID, nil
}

// Stats returns the advisory depth of every priority tier plus the
// dead-letter sink.
func (c *Client) Stats(ctx context.Context) (*QueueStats, error) {
	var resp struct {
		Queues      map[string]int64 `json:"queues"`
		DeadLetters int64            `json:"dead_letters"`
	}
	if err := c.do(ctx, http.MethodGet, "/queues", nil, &resp); err != nil {
		return nil, err
	}
	return &QueueStats{Queues: resp.Queues, DeadLetters: resp.DeadLetters}, nil
}

// Pending lists the un-acked deliveries of a priority tier.
//
//	entries, err := c.Pending(ctx, "high")
func (c *Client) Pending(ctx context.Context, priority string) ([]*PendingEntry, error) {
	var resp struct {
		Entries []struct {
			EntryID       string `json:"entry_id"`
			Consumer      string `json:"consumer"`
			DeliveredAtMs int64  `json:"delivered_at_ms"`
			DeliveryCount int64  `json:"delivery_count"`
		} `json:"entries"`
	}
	path := "/queues/" + url.PathEscape(priority) + "/pending"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*PendingEntry, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		out = append(out, &PendingEntry{
			EntryID:       e.EntryID,
			Consumer:      e.Consumer,
			DeliveredAt:   time.UnixMilli(e.DeliveredAtMs).UTC(),
			DeliveryCount: e.DeliveryCount,
		})
	}
	return out, nil
}

// DrainDeadLetters removes and returns up to limit tasks from the
// dead-letter sink. The drain is destructive on the server.
func (c *Client) DrainDeadLetters(ctx context.Context, limit int) ([]*DeadTask, error) {
	var resp struct {
		Tasks []struct {
			TaskID     int64  `json:"task_id"`
			UserID     int64  `json:"user_id"`
			TaskType   string `json:"task_type"`
			Priority   string `json:"priority"`
			InputText  string `json:"input_text"`
			RetryCount int    `json:"retry_count"`
			MaxRetries int    `json:"max_retries"`
		} `json:"tasks"`
	}
	path := "/deadletters?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*DeadTask, 0, len(resp.Tasks))
	for _, task := range resp.Tasks {
		out = append(out, &DeadTask{
			TaskID:     task.TaskID,
			UserID:     task.UserID,
			TaskType:   task.TaskType,
			Priority:   task.Priority,
			InputText:  task.InputText,
			RetryCount: task.RetryCount,
			MaxRetries: task.MaxRetries,
		})
	}
	return out, nil
}

// ReplayDeadLetters moves up to limit dead-lettered tasks back onto their
// original priority tiers with a fresh retry budget. Returns how many tasks
// were replayed.
func (c *Client) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	var resp struct {
		Replayed int `json:"replayed"`
	}
	path := "/deadletters/replay?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Replayed, nil
}

// Health returns the server health snapshot.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var resp struct {
		Status   string `json:"status"`
		NodeID   string `json:"node_id"`
		UptimeMs int64  `json:"uptime_ms"`
		Version  string `json:"version"`
	}
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &HealthInfo{
		Status:  resp.Status,
		NodeID:  resp.NodeID,
		Uptime:  time.Duration(resp.UptimeMs) * time.Millisecond,
		Version: resp.Version,
	}, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request.
// body is encoded as JSON when non-nil, resp is decoded from JSON when non-nil.
// A 204 No Content response is treated as success with no body.
func (c *Client) do(ctx context.Context, method, path string, body, resp any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("taskstream: marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("taskstream: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("taskstream: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	// Success without body
	if httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("taskstream: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("taskstream: decode response: %w", err)
		}
	}
	return nil
}

// ─── Internal wire types ──────────────────────────────────────────────────────

type enqueuePayload struct {
	TaskID            int64          `json:"task_id"`
	UserID            int64          `json:"user_id"`
	TaskType          string         `json:"task_type,omitempty"`
	Priority          string         `json:"priority,omitempty"`
	InputText         string         `json:"input_text"`
	UserContext       map[string]any `json:"user_context,omitempty"`
	AccessibilityMode bool           `json:"accessibility_mode,omitempty"`
	WebhookURL        string         `json:"webhook_url,omitempty"`
	MaxRetries        int            `json:"max_retries,omitempty"`
	DelayMs           int64          `json:"delay_ms,omitempty"`
}

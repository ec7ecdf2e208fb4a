package queue_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sneh-joshi/taskstream/internal/queue"
	"github.com/sneh-joshi/taskstream/internal/types"
)

func testEnvelope() *types.Envelope {
	return &types.Envelope{
		TaskID:            42,
		UserID:            7,
		TaskType:          "summarize",
		Priority:          types.PriorityHigh,
		InputText:         "please summarize this document",
		UserContext:       map[string]any{"lang": "en", "beta": true},
		AccessibilityMode: true,
		WebhookURL:        "https://example.com/hook",
		RetryCount:        1,
		MaxRetries:        3,
	}
}

func TestCodec_EncodeProducesWireFields(t *testing.T) {
	fields, err := queue.EncodeEnvelope(testEnvelope())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	want := map[string]string{
		"task_id":            "42",
		"user_id":            "7",
		"task_type":          "summarize",
		"priority":           "high",
		"input_text":         "please summarize this document",
		"accessibility_mode": "true",
		"webhook_url":        "https://example.com/hook",
		"retry_count":        "1",
		"max_retries":        "3",
	}
	for k, v := range want {
		if got := fields[k]; got != v {
			t.Errorf("field %s = %q, want %q", k, got, v)
		}
	}

	queuedAt, err := time.Parse(time.RFC3339, fields["queued_at"])
	if err != nil {
		t.Fatalf("queued_at %q is not RFC3339: %v", fields["queued_at"], err)
	}
	if d := time.Since(queuedAt); d < 0 || d > time.Minute {
		t.Errorf("queued_at %v is not roughly now", queuedAt)
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	env := testEnvelope()
	fields, err := queue.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := queue.DecodeEnvelope(fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.TaskID != env.TaskID || got.UserID != env.UserID {
		t.Errorf("identity fields: got (%d,%d), want (%d,%d)", got.TaskID, got.UserID, env.TaskID, env.UserID)
	}
	if got.Priority != env.Priority {
		t.Errorf("priority = %q, want %q", got.Priority, env.Priority)
	}
	if got.TaskType != env.TaskType || got.InputText != env.InputText {
		t.Errorf("payload fields changed across round trip")
	}
	if !got.AccessibilityMode {
		t.Error("accessibility_mode lost")
	}
	if got.WebhookURL != env.WebhookURL {
		t.Errorf("webhook_url = %q, want %q", got.WebhookURL, env.WebhookURL)
	}
	if got.RetryCount != 1 || got.MaxRetries != 3 {
		t.Errorf("retry budget = (%d,%d), want (1,3)", got.RetryCount, got.MaxRetries)
	}
	if got.UserContext["lang"] != "en" {
		t.Errorf("user_context lang = %v, want en", got.UserContext["lang"])
	}
	if got.UserContext["beta"] != true {
		t.Errorf("user_context beta = %v, want true", got.UserContext["beta"])
	}
	if got.QueuedAt.IsZero() {
		t.Error("queued_at not decoded")
	}
}

func TestCodec_NilUserContextEncodesEmptyObject(t *testing.T) {
	env := testEnvelope()
	env.UserContext = nil

	fields, err := queue.EncodeEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if fields["user_context"] != "{}" {
		t.Errorf("user_context = %q, want {}", fields["user_context"])
	}
}

func TestCodec_MissingMaxRetriesDefaults(t *testing.T) {
	fields, err := queue.EncodeEnvelope(testEnvelope())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	delete(fields, "max_retries")

	env, err := queue.DecodeEnvelope(fields)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.MaxRetries != types.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", env.MaxRetries, types.DefaultMaxRetries)
	}
}

func TestCodec_DecodeErrorsNameField(t *testing.T) {
	cases := []struct {
		name  string
		field string
		value string
	}{
		{"bad task id", "task_id", "not-a-number"},
		{"bad user id", "user_id", ""},
		{"bad priority", "priority", "urgent"},
		{"bad user context", "user_context", "{broken"},
		{"bad retry count", "retry_count", "一"},
		{"bad queued at", "queued_at", "yesterday"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields, err := queue.EncodeEnvelope(testEnvelope())
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			fields[tc.field] = tc.value

			_, err = queue.DecodeEnvelope(fields)
			if !errors.Is(err, queue.ErrDecode) {
				t.Fatalf("err = %v, want ErrDecode", err)
			}
		})
	}
}

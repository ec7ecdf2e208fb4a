package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sneh-joshi/taskstream/internal/types"
)

// ErrDecode is wrapped by every codec decode failure so callers can
// distinguish malformed records from transport errors.
var ErrDecode = errors.New("queue: malformed task record")

// Wire field names for the flat string-keyed task record.
const (
	fieldTaskID            = "task_id"
	fieldUserID            = "user_id"
	fieldTaskType          = "task_type"
	fieldPriority          = "priority"
	fieldInputText         = "input_text"
	fieldUserContext       = "user_context"
	fieldAccessibilityMode = "accessibility_mode"
	fieldWebhookURL        = "webhook_url"
	fieldRetryCount        = "retry_count"
	fieldMaxRetries        = "max_retries"
	fieldQueuedAt          = "queued_at"
)

// EncodeEnvelope flattens env into the wire record format.
// queued_at is stamped here, at encode time, in RFC3339 UTC.
func EncodeEnvelope(env *types.Envelope) (map[string]string, error) {
	userCtx := env.UserContext
	if userCtx == nil {
		userCtx = map[string]any{}
	}
	ctxJSON, err := json.Marshal(userCtx)
	if err != nil {
		return nil, fmt.Errorf("queue: encode %s: %w", fieldUserContext, err)
	}

	return map[string]string{
		fieldTaskID:            strconv.FormatInt(env.TaskID, 10),
		fieldUserID:            strconv.FormatInt(env.UserID, 10),
		fieldTaskType:          env.TaskType,
		fieldPriority:          env.Priority.String(),
		fieldInputText:         env.InputText,
		fieldUserContext:       string(ctxJSON),
		fieldAccessibilityMode: strconv.FormatBool(env.AccessibilityMode),
		fieldWebhookURL:        env.WebhookURL,
		fieldRetryCount:        strconv.Itoa(env.RetryCount),
		fieldMaxRetries:        strconv.Itoa(env.MaxRetries),
		fieldQueuedAt:          time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// DecodeEnvelope parses a wire record back into an Envelope.
// All failures wrap ErrDecode and name the offending field.
func DecodeEnvelope(fields map[string]string) (*types.Envelope, error) {
	taskID, err := strconv.ParseInt(fields[fieldTaskID], 10, 64)
	if err != nil {
		return nil, decodeErr(fieldTaskID, fields[fieldTaskID])
	}
	userID, err := strconv.ParseInt(fields[fieldUserID], 10, 64)
	if err != nil {
		return nil, decodeErr(fieldUserID, fields[fieldUserID])
	}

	prio, err := types.ParsePriority(fields[fieldPriority])
	if err != nil {
		return nil, decodeErr(fieldPriority, fields[fieldPriority])
	}

	var userCtx map[string]any
	if raw := fields[fieldUserContext]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &userCtx); err != nil {
			return nil, decodeErr(fieldUserContext, raw)
		}
	}

	accessibility := false
	if raw := fields[fieldAccessibilityMode]; raw != "" {
		accessibility, err = strconv.ParseBool(raw)
		if err != nil {
			return nil, decodeErr(fieldAccessibilityMode, raw)
		}
	}

	retryCount := 0
	if raw := fields[fieldRetryCount]; raw != "" {
		retryCount, err = strconv.Atoi(raw)
		if err != nil {
			return nil, decodeErr(fieldRetryCount, raw)
		}
	}

	maxRetries := types.DefaultMaxRetries
	if raw := fields[fieldMaxRetries]; raw != "" {
		maxRetries, err = strconv.Atoi(raw)
		if err != nil {
			return nil, decodeErr(fieldMaxRetries, raw)
		}
	}

	var queuedAt time.Time
	if raw := fields[fieldQueuedAt]; raw != "" {
		queuedAt, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, decodeErr(fieldQueuedAt, raw)
		}
	}

	return &types.Envelope{
		TaskID:            taskID,
		UserID:            userID,
		TaskType:          fields[fieldTaskType],
		Priority:          prio,
		InputText:         fields[fieldInputText],
		UserContext:       userCtx,
		AccessibilityMode: accessibility,
		WebhookURL:        fields[fieldWebhookURL],
		RetryCount:        retryCount,
		MaxRetries:        maxRetries,
		QueuedAt:          queuedAt,
	}, nil
}

func decodeErr(field, value string) error {
	return fmt.Errorf("%w: field %s=%q", ErrDecode, field, value)
}

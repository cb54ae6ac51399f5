package kiro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoAvailableProvider means every pooled account is disabled,
	// unhealthy, or filtered out for the requested model.
	ErrNoAvailableProvider = errors.New("no available provider")

	// ErrModelNotAvailable means the requested model is not in the
	// client-facing allow-list.
	ErrModelNotAvailable = errors.New("model not available")
)

// ContextLimitExceededError maps the upstream input-too-long rejection.
// It surfaces to clients as HTTP 400 and never counts against a provider.
type ContextLimitExceededError struct {
	Message string
}

func (e *ContextLimitExceededError) Error() string {
	if e.Message == "" {
		return "input context length exceeds the model limit"
	}
	return e.Message
}

// UpstreamError carries a non-2xx upstream response.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

// IsRetryable reports whether an error should trigger account reselection.
// Context-limit rejections and other 4xx responses (except 429) are the
// caller's fault, and cancellations follow the caller out the door;
// retrying either on another account would not help.
func IsRetryable(err error) bool {
	var ctxErr *ContextLimitExceededError
	if errors.As(err, &ctxErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var upErr *UpstreamError
	if errors.As(err, &upErr) {
		if upErr.Status == 429 {
			return true
		}
		return upErr.Status < 400 || upErr.Status >= 500 || upErr.Status == 401 || upErr.Status == 403
	}
	return true
}

type errorEventPayload struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// EventError classifies a decoded stream frame. Content frames return
// nil; exception frames and anything else the decoder cannot place
// abort the call with an UpstreamError built from the payload.
func EventError(ev *Event) error {
	switch ev.Type {
	case "assistantResponseEvent", "toolUseEvent":
		return nil
	}

	var body errorEventPayload
	_ = json.Unmarshal(ev.Payload, &body)
	msg := body.Message
	if msg == "" {
		msg = body.Reason
	}
	if msg == "" {
		msg = ev.Type
	}
	status := http.StatusInternalServerError
	if strings.Contains(strings.ToLower(ev.Type), "throttl") {
		status = http.StatusTooManyRequests
	}
	return &UpstreamError{Status: status, Message: msg}
}

// classifyUpstreamError turns a non-2xx response into the right error type.
func classifyUpstreamError(status int, body []byte) error {
	msg := string(body)
	if status == 400 && isContextLimitBody(msg) {
		return &ContextLimitExceededError{Message: "Input is too long for requested model."}
	}
	return &UpstreamError{Status: status, Message: msg}
}

func isContextLimitBody(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "content_length_exceeds_threshold") ||
		strings.Contains(lower, "input is too long") ||
		strings.Contains(lower, "input length") ||
		strings.Contains(lower, "exceeds the limit")
}

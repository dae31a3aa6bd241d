// Package compute defines the contract with the external GPU compute backend
// and its HTTP implementation.
package compute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// Sentinel errors for compute backend failures.
var (
	ErrBackendUnavailable = errors.New("compute backend unavailable")
	ErrBackendTimeout     = errors.New("compute backend timeout")
	ErrCallNotFound       = errors.New("compute call not found")
	ErrInvalidResponse    = errors.New("compute backend returned invalid response")
)

// Status is the backend-reported state of a call.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusNotFound  Status = "NOT_FOUND"
)

// PollResult is one observation of a call. Result is set for COMPLETED and
// Err for FAILED.
type PollResult struct {
	Status Status
	Result json.RawMessage
	Err    error
}

// Backend is the elastic compute service that runs inference calls.
type Backend interface {
	Name() string
	Submit(ctx context.Context, jobID string, params map[string]any) (string, error)
	Poll(ctx context.Context, callID string) (PollResult, error)
	Cancel(ctx context.Context, callID string) (bool, error)
}

// PushCapable is implemented by backends that report completion through
// callbacks. When PushesCompletions is true the tracker stops polling.
type PushCapable interface {
	PushesCompletions() bool
}

// IsPush reports whether b delivers completions by callback.
func IsPush(b Backend) bool {
	p, ok := b.(PushCapable)
	return ok && p.PushesCompletions()
}

// BackendError is a structured failure reported by the backend.
type BackendError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *BackendError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCategory maps the backend's error code onto the engine's taxonomy.
// An empty result leaves classification to the message table.
func (e *BackendError) ErrorCategory() models.ErrorCategory {
	code := strings.ToUpper(e.Code)
	for _, c := range models.Categories {
		if code == string(c) {
			return c
		}
	}
	switch code {
	case "":
		return ""
	case "DEADLINE_EXCEEDED", "TIMED_OUT":
		return models.CategoryTimeout
	case "INVALID_INPUT", "INVALID_ARGUMENT", "BAD_REQUEST":
		return models.CategoryValidation
	case "VOLUME_ERROR", "BUCKET_ERROR":
		return models.CategoryStorage
	default:
		return models.CategoryCompute
	}
}

// callStatus is the wire shape of a call's state, shared by poll responses
// and push callbacks.
type callStatus struct {
	CallID string          `json:"call_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *BackendError   `json:"error,omitempty"`
}

func (s callStatus) toPollResult() (PollResult, error) {
	switch Status(strings.ToUpper(s.Status)) {
	case StatusRunning, "PENDING", "QUEUED":
		return PollResult{Status: StatusRunning}, nil
	case StatusCompleted, "SUCCEEDED":
		return PollResult{Status: StatusCompleted, Result: s.Result}, nil
	case StatusFailed:
		if s.Error == nil {
			return PollResult{Status: StatusFailed, Err: &BackendError{Message: "compute call failed"}}, nil
		}
		return PollResult{Status: StatusFailed, Err: s.Error}, nil
	case StatusNotFound:
		return PollResult{Status: StatusNotFound}, nil
	default:
		return PollResult{}, fmt.Errorf("%w: unknown status %q", ErrInvalidResponse, s.Status)
	}
}

// DecodeCallback parses a push notification from the backend.
func DecodeCallback(body []byte) (string, PollResult, error) {
	var s callStatus
	if err := json.Unmarshal(body, &s); err != nil {
		return "", PollResult{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if s.CallID == "" {
		return "", PollResult{}, fmt.Errorf("%w: missing call_id", ErrInvalidResponse)
	}
	res, err := s.toPollResult()
	if err != nil {
		return "", PollResult{}, err
	}
	return s.CallID, res, nil
}

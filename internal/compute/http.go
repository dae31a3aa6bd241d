package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/kiranshivaraju/foldqueue/internal/metrics"
)

// HTTPBackend implements Backend over the backend's REST API:
//
//	POST   /v1/calls        submit, returns {"call_id": ...}
//	GET    /v1/calls/{id}   poll
//	DELETE /v1/calls/{id}   cancel
type HTTPBackend struct {
	baseURL string
	token   string
	push    bool
	client  *http.Client
}

// NewHTTPBackend creates a backend client. cfg.CallTimeout bounds each request.
func NewHTTPBackend(cfg config.ComputeConfig) *HTTPBackend {
	return &HTTPBackend{
		baseURL: cfg.BaseURL,
		token:   cfg.APIToken,
		push:    cfg.PushMode,
		client:  &http.Client{Timeout: cfg.CallTimeout},
	}
}

func (b *HTTPBackend) Name() string { return "http" }

// PushesCompletions implements PushCapable.
func (b *HTTPBackend) PushesCompletions() bool { return b.push }

type submitRequest struct {
	JobID  string         `json:"job_id"`
	Params map[string]any `json:"params"`
}

type submitResponse struct {
	CallID string `json:"call_id"`
}

type errorResponse struct {
	Error *BackendError `json:"error"`
}

func (b *HTTPBackend) Submit(ctx context.Context, jobID string, params map[string]any) (callID string, err error) {
	defer observe("submit", time.Now(), &err)

	body, err := json.Marshal(submitRequest{JobID: jobID, Params: params})
	if err != nil {
		return "", fmt.Errorf("encoding submit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError(resp)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding submit response: %v", ErrInvalidResponse, err)
	}
	if out.CallID == "" {
		return "", fmt.Errorf("%w: empty call_id", ErrInvalidResponse)
	}
	return out.CallID, nil
}

func (b *HTTPBackend) Poll(ctx context.Context, callID string) (res PollResult, err error) {
	defer observe("poll", time.Now(), &err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.callURL(callID), nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("building request: %w", err)
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return PollResult{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return PollResult{Status: StatusNotFound}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return PollResult{}, statusError(resp)
	}

	var s callStatus
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return PollResult{}, fmt.Errorf("%w: decoding poll response: %v", ErrInvalidResponse, err)
	}
	return s.toPollResult()
}

func (b *HTTPBackend) Cancel(ctx context.Context, callID string) (ok bool, err error) {
	defer observe("cancel", time.Now(), &err)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.callURL(callID), nil)
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return false, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrCallNotFound
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return true, nil
	default:
		return false, statusError(resp)
	}
}

func (b *HTTPBackend) callURL(callID string) string {
	return fmt.Sprintf("%s/v1/calls/%s", b.baseURL, url.PathEscape(callID))
}

func (b *HTTPBackend) setHeaders(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	req.Header.Set("Accept", "application/json")
}

// statusError turns a non-2xx response into an error. A structured error body
// is returned as *BackendError so its code survives classification.
func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var er errorResponse
	if json.Unmarshal(data, &er) == nil && er.Error != nil {
		return er.Error
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrBackendUnavailable, resp.StatusCode)
	}
	return fmt.Errorf("%w: status %d", ErrInvalidResponse, resp.StatusCode)
}

// classifyError maps transport-level errors to sentinel errors. The original
// error stays in the chain so context deadlines remain detectable.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}

	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

func observe(op string, start time.Time, errp *error) {
	result := "ok"
	if *errp != nil {
		result = "error"
	}
	metrics.BackendCallsTotal.WithLabelValues(op, result).Inc()
	metrics.BackendLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Compile-time check that HTTPBackend implements Backend.
var _ Backend = (*HTTPBackend)(nil)

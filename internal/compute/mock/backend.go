// Package mock provides an in-process compute backend for tests and local runs.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/foldqueue/internal/compute"
)

// Call is the mock's record of one submitted call.
type Call struct {
	JobID     string
	Params    map[string]any
	Status    compute.Status
	Result    json.RawMessage
	Err       error
	Cancelled bool
}

// Backend satisfies compute.Backend. Calls stay RUNNING until a test settles
// them with Complete or Fail, unless Echo is set. The Func fields override
// the default behavior.
type Backend struct {
	Push bool
	// Echo completes every call at submit time with its own input.
	Echo bool

	SubmitFunc func(ctx context.Context, jobID string, params map[string]any) (string, error)
	PollFunc   func(ctx context.Context, callID string) (compute.PollResult, error)
	CancelFunc func(ctx context.Context, callID string) (bool, error)

	mu      sync.Mutex
	seq     int
	calls   map[string]*Call
	order   []string
	submits int
}

// New returns a Backend with no calls.
func New() *Backend {
	return &Backend{calls: make(map[string]*Call)}
}

// NewFailing returns a Backend whose Submit always returns err.
func NewFailing(err error) *Backend {
	b := New()
	b.SubmitFunc = func(context.Context, string, map[string]any) (string, error) {
		return "", err
	}
	return b
}

func (b *Backend) Name() string { return "mock" }

// PushesCompletions implements compute.PushCapable.
func (b *Backend) PushesCompletions() bool { return b.Push }

func (b *Backend) Submit(ctx context.Context, jobID string, params map[string]any) (string, error) {
	b.mu.Lock()
	b.submits++
	b.mu.Unlock()

	if b.SubmitFunc != nil {
		return b.SubmitFunc(ctx, jobID, params)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	id := fmt.Sprintf("mock-call-%d", b.seq)
	c := &Call{JobID: jobID, Params: params, Status: compute.StatusRunning}
	if b.Echo {
		result, err := echoResult(params)
		if err != nil {
			return "", err
		}
		c.Status, c.Result = compute.StatusCompleted, result
	}
	b.calls[id] = c
	b.order = append(b.order, id)
	return id, nil
}

// NewEcho returns a Backend for local runs that answers every call with its
// input.
func NewEcho() *Backend {
	b := New()
	b.Echo = true
	return b
}

// echoResult builds {"echo": input} for a single job and
// {"items": [{"echo": item}, ...]} for a shard.
func echoResult(params map[string]any) (json.RawMessage, error) {
	items, ok := params["items"]
	if !ok {
		return json.Marshal(map[string]any{"echo": params["input"]})
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("mock: shard items: %w", err)
	}
	out := make([]map[string]json.RawMessage, len(list))
	for i, item := range list {
		out[i] = map[string]json.RawMessage{"echo": item}
	}
	return json.Marshal(map[string]any{"items": out})
}

func (b *Backend) Poll(ctx context.Context, callID string) (compute.PollResult, error) {
	if b.PollFunc != nil {
		return b.PollFunc(ctx, callID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[callID]
	if !ok {
		return compute.PollResult{Status: compute.StatusNotFound}, nil
	}
	return compute.PollResult{Status: c.Status, Result: c.Result, Err: c.Err}, nil
}

func (b *Backend) Cancel(ctx context.Context, callID string) (bool, error) {
	if b.CancelFunc != nil {
		return b.CancelFunc(ctx, callID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[callID]
	if !ok {
		return false, compute.ErrCallNotFound
	}
	c.Cancelled = true
	return true, nil
}

// Complete makes the call report COMPLETED with result.
func (b *Backend) Complete(callID string, result json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.calls[callID]; ok {
		c.Status = compute.StatusCompleted
		c.Result = result
	}
}

// Fail makes the call report FAILED with err.
func (b *Backend) Fail(callID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.calls[callID]; ok {
		c.Status = compute.StatusFailed
		c.Err = err
	}
}

// Forget drops the call so it polls as NOT_FOUND.
func (b *Backend) Forget(callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.calls, callID)
}

// Call returns a copy of the recorded call.
func (b *Backend) Call(callID string) (Call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[callID]
	if !ok {
		return Call{}, false
	}
	return *c, true
}

// CallIDs returns recorded call ids in submission order.
func (b *Backend) CallIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.order...)
}

// SubmitCount returns how many times Submit was invoked, including overrides.
func (b *Backend) SubmitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submits
}

// Compile-time check that Backend implements compute.Backend.
var _ compute.Backend = (*Backend)(nil)

// Package gateway admits and submits jobs and batch shards to the compute
// backend.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/admission"
	"github.com/kiranshivaraju/foldqueue/internal/compute"
	"github.com/kiranshivaraju/foldqueue/internal/metrics"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

var (
	ErrAlreadyTerminal  = errors.New("job already in a terminal state")
	ErrInvalidRequest   = errors.New("invalid submission")
	ErrNotResubmittable = errors.New("job cannot be resubmitted")
	// ErrBusy is returned when another goroutine is already submitting the job.
	ErrBusy = errors.New("job submission already in progress")
)

// BatchRecomputer re-derives a batch's progress after a child changed.
type BatchRecomputer interface {
	RecomputeBatch(ctx context.Context, batchID uuid.UUID) (*models.BatchProgress, error)
}

// SubmitRequest describes an individual job. An empty lane means interactive.
type SubmitRequest struct {
	Input          json.RawMessage
	Lane           models.Lane
	IdempotencyKey string
	OwnerID        uuid.UUID
}

// SubmitResult identifies the job and call answering a submission.
// Deduplicated is set when an active call with the same key was reused.
type SubmitResult struct {
	JobID        uuid.UUID `json:"job_id"`
	CallID       string    `json:"call_id"`
	Deduplicated bool      `json:"deduplicated"`
}

// Gateway is the single entry point for putting work on the compute backend.
type Gateway struct {
	jobs        store.JobStore
	backend     compute.Backend
	admission   *admission.Controller
	events      models.EventPublisher
	estimator   CostEstimator
	progress    BatchRecomputer
	callTimeout time.Duration
	now         func() time.Time

	mu        sync.Mutex
	claims    map[uuid.UUID]struct{}
	batchKeys map[string]chan struct{}
}

type Option func(*Gateway)

func WithEstimator(e CostEstimator) Option {
	return func(g *Gateway) { g.estimator = e }
}

// WithCallTimeout bounds every backend Submit and Cancel.
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.callTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithBatchRecomputer sets the hook run after a batch child is cancelled.
func WithBatchRecomputer(r BatchRecomputer) Option {
	return func(g *Gateway) { g.progress = r }
}

func New(jobs store.JobStore, backend compute.Backend, adm *admission.Controller, events models.EventPublisher, opts ...Option) *Gateway {
	g := &Gateway{
		jobs:        jobs,
		backend:     backend,
		admission:   adm,
		events:      events,
		estimator:   FixedShardSize{N: 10},
		callTimeout: 30 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		claims:      make(map[uuid.UUID]struct{}),
		batchKeys:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetBatchRecomputer wires the progress hook after construction, for callers
// whose recomputer itself depends on the gateway.
func (g *Gateway) SetBatchRecomputer(r BatchRecomputer) {
	g.progress = r
}

// Submit runs an individual job: dedup by idempotency key, admit in the lane,
// submit to the backend, then advance the job to running.
//
// When admission or the backend fails the error is returned. A backend
// failure leaves the created job pending so the caller may retry.
func (g *Gateway) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	lane, input, err := normalize(req.Lane, models.LaneInteractive, req.Input)
	if err != nil {
		return nil, err
	}

	resv, existing, err := g.admission.Reserve(ctx, lane, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &SubmitResult{JobID: existing.JobID, CallID: existing.CallID, Deduplicated: true}, nil
	}

	now := g.now()
	job := &models.Job{
		ID:        uuid.New(),
		OwnerID:   req.OwnerID,
		Kind:      models.KindIndividual,
		Status:    models.JobStatusPending,
		Lane:      lane,
		Input:     input,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		job.IdempotencyKey = &key
	}
	if err := g.jobs.CreateJob(ctx, job); err != nil {
		resv.Cancel()
		return nil, fmt.Errorf("creating job: %w", err)
	}

	callID, err := g.dispatchIndividual(ctx, resv, job, 1)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{JobID: job.ID, CallID: callID}, nil
}

// Resubmit puts a pending job back on the backend. Recovery calls it after
// resetting a failed attempt; attempt is the 1-based attempt number being
// started. Batch parents are never resubmitted, only their children.
func (g *Gateway) Resubmit(ctx context.Context, jobID uuid.UUID, attempt int) (string, error) {
	if !g.claim(jobID) {
		return "", ErrBusy
	}
	defer g.unclaim(jobID)

	job, err := g.jobs.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status.IsTerminal() {
		return "", ErrAlreadyTerminal
	}
	if job.Status != models.JobStatusPending {
		return "", fmt.Errorf("%w: job is %s", ErrNotResubmittable, job.Status)
	}

	switch job.Kind {
	case models.KindIndividual:
		key := ""
		if job.IdempotencyKey != nil {
			key = *job.IdempotencyKey
		}
		resv, existing, err := g.admission.Reserve(ctx, job.Lane, key)
		if err != nil {
			return "", err
		}
		if existing != nil && existing.JobID == job.ID {
			return existing.CallID, nil
		}
		if existing != nil {
			// A newer submission holds the key; this attempt runs unkeyed.
			if resv, _, err = g.admission.Reserve(ctx, job.Lane, ""); err != nil {
				return "", err
			}
		}
		return g.dispatchIndividual(ctx, resv, job, attempt)
	case models.KindBatchChild:
		parent, err := g.jobs.GetJob(ctx, *job.BatchParentID)
		if err != nil {
			return "", fmt.Errorf("loading batch parent: %w", err)
		}
		if parent.Status.IsTerminal() {
			return "", ErrAlreadyTerminal
		}
		shard := 0
		if job.ShardIndex != nil {
			shard = *job.ShardIndex
		}
		return g.submitShard(ctx, parent, []*models.Job{job}, shard, attempt)
	default:
		return "", fmt.Errorf("%w: %s jobs are not retried", ErrNotResubmittable, job.Kind)
	}
}

func (g *Gateway) dispatchIndividual(ctx context.Context, resv *admission.Reservation, job *models.Job, attempt int) (string, error) {
	params := map[string]any{
		"job_id":  job.ID.String(),
		"input":   job.Input,
		"attempt": attempt,
	}
	callID, err := g.backendSubmit(ctx, job.ID.String(), params)
	if err != nil {
		resv.Cancel()
		slog.Warn("backend submit failed", "job_id", job.ID, "lane", job.Lane, "error", err)
		return "", err
	}

	call := &models.ComputeCall{
		CallID:  callID,
		JobID:   job.ID,
		JobIDs:  []uuid.UUID{job.ID},
		OwnerID: job.OwnerID,
	}
	if err := resv.Commit(call); err != nil {
		return "", err
	}

	g.advance(ctx, job.ID, callID, nil)
	slog.Info("job submitted", "job_id", job.ID, "call_id", callID, "lane", job.Lane, "attempt", attempt)
	return callID, nil
}

func (g *Gateway) backendSubmit(ctx context.Context, jobID string, params map[string]any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	return g.backend.Submit(ctx, jobID, params)
}

// advance moves a freshly submitted job pending -> queued -> running. If the
// job was cancelled in the meantime the call is withdrawn.
func (g *Gateway) advance(ctx context.Context, jobID uuid.UUID, callID string, shard *int) {
	opts := []store.JobUpdateOption{store.WithComputeCallID(callID)}
	if shard != nil {
		opts = append(opts, store.WithShardIndex(*shard))
	}

	err := g.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusPending, models.JobStatusQueued, opts...)
	if err == nil {
		err = g.jobs.UpdateJobStatus(ctx, jobID, models.JobStatusQueued, models.JobStatusRunning)
	}
	if err == nil {
		return
	}

	job, getErr := g.jobs.GetJob(ctx, jobID)
	if getErr != nil {
		slog.Error("failed to advance submitted job", "job_id", jobID, "call_id", callID, "error", err)
		return
	}
	if job.Status == models.JobStatusCancelled && job.Kind == models.KindIndividual {
		g.withdraw(ctx, callID)
		return
	}
	slog.Debug("submitted job moved concurrently", "job_id", jobID, "call_id", callID, "status", job.Status)
}

// Cancel stops a job that has not reached a terminal state. Upstream
// cancellation is best effort and never blocks the local change. Cancelling a
// batch parent cancels every non-terminal child.
func (g *Gateway) Cancel(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	job, err := g.cancelJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Kind {
	case models.KindIndividual:
		if job.ComputeCallID != nil {
			g.withdraw(ctx, *job.ComputeCallID)
		}
	case models.KindBatchParent:
		g.cancelChildren(ctx, job)
	case models.KindBatchChild:
		if g.progress != nil {
			if _, err := g.progress.RecomputeBatch(ctx, *job.BatchParentID); err != nil {
				slog.Warn("batch recompute after cancel failed", "batch_id", *job.BatchParentID, "error", err)
			}
		}
	}

	g.publish(job, models.EventJobCancelled, nil)
	return job, nil
}

// cancelJob moves the job to cancelled from whatever non-terminal status it
// holds, retrying when a concurrent writer moves it first.
func (g *Gateway) cancelJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	for {
		job, err := g.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return nil, ErrAlreadyTerminal
		}
		err = g.jobs.UpdateJobStatus(ctx, jobID, job.Status, models.JobStatusCancelled,
			store.WithErrorMessage("cancelled by request"))
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		metrics.JobsTerminalTotal.WithLabelValues(string(job.Kind), string(models.JobStatusCancelled)).Inc()
		job.Status = models.JobStatusCancelled
		return job, nil
	}
}

func (g *Gateway) cancelChildren(ctx context.Context, parent *models.Job) {
	children, err := g.jobs.ListChildren(ctx, parent.ID)
	if err != nil {
		slog.Error("failed to list children for cancel", "batch_id", parent.ID, "error", err)
		return
	}

	calls := make(map[string]struct{})
	for _, c := range children {
		if c.Status.IsTerminal() {
			continue
		}
		if _, err := g.cancelJob(ctx, c.ID); err != nil && !errors.Is(err, ErrAlreadyTerminal) {
			slog.Warn("failed to cancel batch child", "batch_id", parent.ID, "job_id", c.ID, "error", err)
			continue
		}
		if c.ComputeCallID != nil {
			calls[*c.ComputeCallID] = struct{}{}
		}
	}
	for callID := range calls {
		g.withdraw(ctx, callID)
	}
}

// withdraw frees the call's lane slot and asks the backend to stop it.
func (g *Gateway) withdraw(ctx context.Context, callID string) {
	if _, ok := g.admission.Complete(callID); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	if _, err := g.backend.Cancel(ctx, callID); err != nil {
		slog.Warn("backend cancel failed", "call_id", callID, "error", err)
	}
}

func (g *Gateway) publish(job *models.Job, name string, data map[string]any) {
	if g.events == nil {
		return
	}
	g.events.Publish(models.Event{
		Name:      name,
		OwnerID:   job.OwnerID,
		JobID:     job.ID,
		Status:    job.Status,
		Timestamp: g.now(),
		Data:      data,
	})
}

// claim marks every id as being submitted. It claims all or none.
func (g *Gateway) claim(ids ...uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if _, ok := g.claims[id]; ok {
			return false
		}
	}
	for _, id := range ids {
		g.claims[id] = struct{}{}
	}
	return true
}

func (g *Gateway) unclaim(ids ...uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		delete(g.claims, id)
	}
}

func normalize(lane, fallback models.Lane, input json.RawMessage) (models.Lane, json.RawMessage, error) {
	if lane == "" {
		lane = fallback
	}
	if !lane.Valid() {
		return "", nil, fmt.Errorf("%w: %w %q", ErrInvalidRequest, admission.ErrUnknownLane, lane)
	}
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if !json.Valid(input) {
		return "", nil, fmt.Errorf("%w: input is not valid JSON", ErrInvalidRequest)
	}
	return lane, input, nil
}

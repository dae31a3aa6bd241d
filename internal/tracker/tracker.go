// Package tracker watches in-flight compute calls and turns their outcomes
// into job transitions, stored results and batch progress.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/admission"
	"github.com/kiranshivaraju/foldqueue/internal/compute"
	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/kiranshivaraju/foldqueue/internal/gateway"
	"github.com/kiranshivaraju/foldqueue/internal/metrics"
	"github.com/kiranshivaraju/foldqueue/internal/objectstore"
	"github.com/kiranshivaraju/foldqueue/internal/policy"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// ErrUnknownCall is returned by HandleUpdate for a call that is not active,
// usually because an earlier update already settled it.
var ErrUnknownCall = errors.New("compute call is not active")

// FailureHandler receives every job failure the tracker observes.
type FailureHandler interface {
	HandleFailure(ctx context.Context, ec models.ErrorContext)
}

// Resumer submits work left pending for lack of capacity.
type Resumer interface {
	ResumePending(ctx context.Context) error
}

// Tracker polls active calls, or accepts pushed updates, and settles them.
type Tracker struct {
	jobs       store.JobStore
	objects    objectstore.Store
	backend    compute.Backend
	admission  *admission.Controller
	events     models.EventPublisher
	classifier *policy.Classifier
	failures   FailureHandler
	resumer    Resumer

	cfg        config.TrackerConfig
	milestones []int
	outcome    string
	metric     config.SummaryMetricConfig
	now        func() time.Time

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

type Option func(*Tracker)

func WithFailureHandler(h FailureHandler) Option {
	return func(t *Tracker) { t.failures = h }
}

func WithResumer(r Resumer) Option {
	return func(t *Tracker) { t.resumer = r }
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(
	jobs store.JobStore,
	objects objectstore.Store,
	backend compute.Backend,
	adm *admission.Controller,
	events models.EventPublisher,
	cfg config.TrackerConfig,
	p config.PolicyConfig,
	opts ...Option,
) *Tracker {
	milestones := p.Milestones
	if len(milestones) == 0 {
		milestones = models.DefaultMilestones
	}
	t := &Tracker{
		jobs:       jobs,
		objects:    objects,
		backend:    backend,
		admission:  adm,
		events:     events,
		classifier: policy.NewClassifier(p),
		cfg:        cfg,
		milestones: sortedCopy(milestones),
		outcome:    p.BatchOutcome,
		metric:     p.SummaryMetric,
		now:        func() time.Time { return time.Now().UTC() },
		locks:      make(map[uuid.UUID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetFailureHandler wires recovery after construction, since the recovery
// coordinator itself needs the tracker to recompute batches.
func (t *Tracker) SetFailureHandler(h FailureHandler) {
	t.failures = h
}

// Run scans on every tick until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	interval := t.cfg.ScanInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("completion tracker started", "interval", interval, "push", compute.IsPush(t.backend))
	t.ScanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("completion tracker stopped")
			return
		case <-ticker.C:
			t.ScanOnce(ctx)
		}
	}
}

// ScanOnce polls every active call, unless the backend pushes completions,
// then gives pending work a chance to go out.
func (t *Tracker) ScanOnce(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.TrackerScanDuration.Observe(time.Since(start).Seconds()) }()

	if !compute.IsPush(t.backend) {
		for _, call := range t.admission.Active() {
			if ctx.Err() != nil {
				return
			}
			t.poll(ctx, call)
		}
	}

	if t.resumer != nil {
		if err := t.resumer.ResumePending(ctx); err != nil {
			slog.Warn("resuming pending work failed", "error", err)
		}
	}
}

func (t *Tracker) poll(ctx context.Context, call *models.ComputeCall) {
	timeout := t.cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	res, err := t.backend.Poll(pctx, call.CallID)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.pollTimedOut(ctx, call, err)
		return
	}
	if err := t.HandleUpdate(ctx, call.CallID, res); err != nil && !errors.Is(err, ErrUnknownCall) {
		slog.Error("failed to handle poll result", "call_id", call.CallID, "status", res.Status, "error", err)
	}
}

// pollTimedOut counts a failed poll as still running until the call has
// missed StaleThreshold polls in a row.
func (t *Tracker) pollTimedOut(ctx context.Context, call *models.ComputeCall, err error) {
	n, ok := t.admission.RecordPollTimeout(call.CallID)
	if !ok {
		return
	}
	slog.Warn("compute poll failed, treating call as running",
		"call_id", call.CallID,
		"consecutive_timeouts", n,
		"error", err,
	)
	if n < t.cfg.StaleThreshold {
		return
	}

	settled, ok := t.admission.Complete(call.CallID)
	if !ok {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout)
	if _, cerr := t.backend.Cancel(cctx, call.CallID); cerr != nil {
		slog.Debug("cancel of stale call failed", "call_id", call.CallID, "error", cerr)
	}
	cancel()

	stale := policy.WithCategory(models.CategorySystem,
		fmt.Errorf("call %s unresponsive after %d polls: %w", call.CallID, n, compute.ErrBackendTimeout))
	t.failJobs(ctx, settled, settled.JobIDs, stale)
}

// HandleUpdate applies one observation of a call. Polling and backend
// callbacks both land here. A terminal update settles the call exactly once;
// later updates for it return ErrUnknownCall.
func (t *Tracker) HandleUpdate(ctx context.Context, callID string, res compute.PollResult) error {
	switch res.Status {
	case compute.StatusRunning:
		t.admission.RecordPoll(callID)
		return nil
	case compute.StatusCompleted, compute.StatusFailed, compute.StatusNotFound:
	default:
		return fmt.Errorf("%w: unknown call status %q", compute.ErrInvalidResponse, res.Status)
	}

	call, ok := t.admission.Complete(callID)
	if !ok {
		return ErrUnknownCall
	}

	switch res.Status {
	case compute.StatusCompleted:
		t.completeCall(ctx, call, res.Result)
	case compute.StatusFailed:
		err := res.Err
		if err == nil {
			err = errors.New("compute call failed without detail")
		}
		t.failJobs(ctx, call, call.JobIDs, err)
	case compute.StatusNotFound:
		t.failJobs(ctx, call, call.JobIDs,
			policy.WithCategory(models.CategorySystem, fmt.Errorf("call %s: %w", callID, compute.ErrCallNotFound)))
	}
	return nil
}

// shardResult is the payload of a completed batch shard. Items line up with
// the shard's children in submission order.
type shardResult struct {
	Items []json.RawMessage `json:"items"`
}

type itemError struct {
	Error *string `json:"error"`
}

func (t *Tracker) completeCall(ctx context.Context, call *models.ComputeCall, result json.RawMessage) {
	if call.BatchID == nil {
		t.completeJob(ctx, call, call.JobID, result)
		return
	}

	var shard shardResult
	if err := json.Unmarshal(result, &shard); err != nil || len(shard.Items) != len(call.JobIDs) {
		bad := policy.WithCategory(models.CategoryCompute,
			fmt.Errorf("%w: shard result has %d items for %d jobs", compute.ErrInvalidResponse, len(shard.Items), len(call.JobIDs)))
		t.failJobs(ctx, call, call.JobIDs, bad)
		return
	}

	for i, id := range call.JobIDs {
		item := shard.Items[i]
		var ie itemError
		if json.Unmarshal(item, &ie) == nil && ie.Error != nil {
			t.failJobs(ctx, call, []uuid.UUID{id}, errors.New(*ie.Error))
			continue
		}
		t.completeJob(ctx, call, id, item)
	}

	if _, err := t.RecomputeBatch(ctx, *call.BatchID); err != nil {
		slog.Error("batch recompute failed", "batch_id", *call.BatchID, "error", err)
	}
}

type resultMeta struct {
	JobID       uuid.UUID  `json:"job_id"`
	CallID      string     `json:"call_id"`
	BatchID     *uuid.UUID `json:"batch_id,omitempty"`
	SizeBytes   int        `json:"size_bytes"`
	CompletedAt time.Time  `json:"completed_at"`
}

// completeJob stores the result and marks the job completed. A job that
// reached a terminal state in the meantime, typically by cancellation, is
// left alone.
func (t *Tracker) completeJob(ctx context.Context, call *models.ComputeCall, jobID uuid.UUID, result json.RawMessage) {
	if len(result) == 0 || !json.Valid(result) {
		bad := policy.WithCategory(models.CategoryCompute,
			fmt.Errorf("%w: result for job %s is not JSON", compute.ErrInvalidResponse, jobID))
		t.failJobs(ctx, call, []uuid.UUID{jobID}, bad)
		return
	}

	current, err := t.jobs.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("failed to load completed job", "job_id", jobID, "call_id", call.CallID, "error", err)
		return
	}
	if current.Status.IsTerminal() {
		slog.Debug("dropping result for settled job", "job_id", jobID, "status", current.Status)
		return
	}

	if err := t.storeResult(ctx, call, jobID, result); err != nil {
		t.failJobs(ctx, call, []uuid.UUID{jobID}, policy.WithCategory(models.CategoryStorage, err))
		return
	}

	job, err := t.transition(ctx, jobID, models.JobStatusCompleted,
		store.WithResult(result), store.WithoutError())
	if err != nil {
		if !errors.Is(err, errSettled) {
			slog.Error("failed to complete job", "job_id", jobID, "call_id", call.CallID, "error", err)
		}
		return
	}

	metrics.JobsTerminalTotal.WithLabelValues(string(job.Kind), string(models.JobStatusCompleted)).Inc()
	slog.Info("job completed", "job_id", jobID, "call_id", call.CallID)
	t.publish(job, models.EventJobCompleted, map[string]any{
		"call_id":    call.CallID,
		"result_key": objectstore.ResultKey(jobID),
	})
}

func (t *Tracker) storeResult(ctx context.Context, call *models.ComputeCall, jobID uuid.UUID, result json.RawMessage) error {
	if err := t.objects.Put(ctx, objectstore.ResultKey(jobID), result, objectstore.ContentTypeJSON); err != nil {
		return fmt.Errorf("storing result: %w", err)
	}
	meta, err := json.Marshal(resultMeta{
		JobID:       jobID,
		CallID:      call.CallID,
		BatchID:     call.BatchID,
		SizeBytes:   len(result),
		CompletedAt: t.now(),
	})
	if err != nil {
		return fmt.Errorf("encoding result metadata: %w", err)
	}
	if err := t.objects.Put(ctx, objectstore.ResultMetaKey(jobID), meta, objectstore.ContentTypeJSON); err != nil {
		return fmt.Errorf("storing result metadata: %w", err)
	}
	return nil
}

var errSettled = errors.New("job already settled")

// transition moves a job from its current non-terminal status to to,
// re-reading after a concurrent change.
func (t *Tracker) transition(ctx context.Context, jobID uuid.UUID, to models.JobStatus, opts ...store.JobUpdateOption) (*models.Job, error) {
	for {
		job, err := t.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return nil, errSettled
		}
		err = t.jobs.UpdateJobStatus(ctx, jobID, job.Status, to, opts...)
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		job.Status = to
		return job, nil
	}
}

// failJobs hands one ErrorContext per still-active job to the failure handler.
func (t *Tracker) failJobs(ctx context.Context, call *models.ComputeCall, ids []uuid.UUID, cause error) {
	category := t.classifier.Classify(cause)
	for _, id := range ids {
		job, err := t.jobs.GetJob(ctx, id)
		if err != nil {
			slog.Error("failed to load failed job", "job_id", id, "call_id", call.CallID, "error", err)
			continue
		}
		if job.Status.IsTerminal() {
			continue
		}

		ec := models.ErrorContext{
			JobID:        id,
			JobKind:      job.Kind,
			Category:     category,
			Message:      cause.Error(),
			AttemptCount: job.RetryCount + 1,
			Timestamp:    t.now(),
		}
		slog.Warn("compute call failed",
			"job_id", id,
			"call_id", call.CallID,
			"error_category", category,
			"attempt", ec.AttemptCount,
			"error", cause,
		)
		if t.failures != nil {
			t.failures.HandleFailure(ctx, ec)
			continue
		}
		t.markFailed(ctx, job, ec)
	}
}

// markFailed is used when no failure handler is wired.
func (t *Tracker) markFailed(ctx context.Context, job *models.Job, ec models.ErrorContext) {
	failed, err := t.transition(ctx, job.ID, models.JobStatusFailed,
		store.WithErrorMessage(ec.Message), store.WithErrorCategory(ec.Category))
	if err != nil {
		return
	}
	metrics.JobsTerminalTotal.WithLabelValues(string(failed.Kind), string(models.JobStatusFailed)).Inc()
	t.publish(failed, models.EventJobFailed, map[string]any{"error": ec.Message, "error_category": ec.Category})
	if failed.BatchParentID != nil {
		if _, err := t.RecomputeBatch(ctx, *failed.BatchParentID); err != nil {
			slog.Error("batch recompute failed", "batch_id", *failed.BatchParentID, "error", err)
		}
	}
}

// Reconcile re-registers calls of running jobs that the admission registry
// does not know about, which is the case after a restart. It returns the
// number of calls adopted.
func (t *Tracker) Reconcile(ctx context.Context) (int, error) {
	var inflight []*models.Job
	for _, status := range []models.JobStatus{models.JobStatusQueued, models.JobStatusRunning} {
		jobs, err := t.jobs.ListJobsByStatus(ctx, status)
		if err != nil {
			return 0, fmt.Errorf("listing %s jobs: %w", status, err)
		}
		inflight = append(inflight, jobs...)
	}

	calls := make(map[string]*models.ComputeCall)
	var order []string
	for _, j := range inflight {
		if j.ComputeCallID == nil || *j.ComputeCallID == "" {
			continue
		}
		id := *j.ComputeCallID
		call, ok := calls[id]
		if !ok {
			call = &models.ComputeCall{
				CallID:      id,
				JobID:       j.ID,
				OwnerID:     j.OwnerID,
				Lane:        j.Lane,
				SubmittedAt: j.UpdatedAt,
			}
			if j.BatchParentID != nil {
				call.JobID = *j.BatchParentID
				call.BatchID = j.BatchParentID
				call.ShardIndex = j.ShardIndex
			} else if j.IdempotencyKey != nil {
				call.IdempotencyKey = *j.IdempotencyKey
			}
			calls[id] = call
			order = append(order, id)
		}
		call.JobIDs = append(call.JobIDs, j.ID)
	}

	// Shard results are aligned with the shard's children by batch index, and
	// the shard still covers children that finished or were cancelled since.
	children := make(map[uuid.UUID][]*models.Job)
	for _, id := range order {
		call := calls[id]
		if call.BatchID == nil {
			continue
		}
		batchID := *call.BatchID
		list, ok := children[batchID]
		if !ok {
			var err error
			list, err = t.jobs.ListChildren(ctx, batchID)
			if err != nil {
				return 0, fmt.Errorf("listing children of batch %s: %w", batchID, err)
			}
			children[batchID] = list
		}
		call.JobIDs = shardMembers(list, id)
	}

	adopted := 0
	for _, id := range order {
		if t.admission.Adopt(calls[id]) {
			adopted++
		}
	}
	if adopted > 0 {
		slog.Info("re-registered in-flight compute calls", "count", adopted)
	}
	return adopted, nil
}

// shardMembers returns the ids of the children carrying callID, in batch
// index order.
func shardMembers(children []*models.Job, callID string) []uuid.UUID {
	members := make([]*models.Job, 0, len(children))
	for _, c := range children {
		if c.ComputeCallID != nil && *c.ComputeCallID == callID {
			members = append(members, c)
		}
	}
	sort.SliceStable(members, func(i, j int) bool {
		return batchIndex(members[i]) < batchIndex(members[j])
	})
	ids := make([]uuid.UUID, len(members))
	for i, c := range members {
		ids[i] = c.ID
	}
	return ids
}

func batchIndex(j *models.Job) int {
	if j.BatchIndex == nil {
		return 0
	}
	return *j.BatchIndex
}

func (t *Tracker) publish(job *models.Job, name string, data map[string]any) {
	if t.events == nil {
		return
	}
	t.events.Publish(models.Event{
		Name:      name,
		OwnerID:   job.OwnerID,
		JobID:     job.ID,
		Status:    job.Status,
		Timestamp: t.now(),
		Data:      data,
	})
}

var _ Resumer = (*gateway.Gateway)(nil)

// Package recovery applies the retry policy to job failures: it resubmits,
// fails or escalates each one.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/admission"
	"github.com/kiranshivaraju/foldqueue/internal/gateway"
	"github.com/kiranshivaraju/foldqueue/internal/metrics"
	"github.com/kiranshivaraju/foldqueue/internal/policy"
	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/kiranshivaraju/foldqueue/internal/tracker"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// Resubmitter puts a pending job back on the compute backend.
type Resubmitter interface {
	Resubmit(ctx context.Context, jobID uuid.UUID, attempt int) (string, error)
}

// BatchRecomputer re-derives a batch after one of its children failed.
type BatchRecomputer interface {
	RecomputeBatch(ctx context.Context, batchID uuid.UUID) (*models.BatchProgress, error)
}

// Coordinator turns ErrorContexts into retries or terminal failures.
// Retries wait out their backoff on a timer goroutine; Shutdown stops the
// ones still waiting.
type Coordinator struct {
	jobs       store.JobStore
	engine     *policy.Engine
	classifier *policy.Classifier
	resubmit   Resubmitter
	batches    BatchRecomputer
	events     models.EventPublisher
	alerter    Alerter
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Coordinator)

func WithAlerter(a Alerter) Option {
	return func(c *Coordinator) { c.alerter = a }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func New(
	jobs store.JobStore,
	engine *policy.Engine,
	classifier *policy.Classifier,
	resubmit Resubmitter,
	batches BatchRecomputer,
	events models.EventPublisher,
	opts ...Option,
) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		jobs:       jobs,
		engine:     engine,
		classifier: classifier,
		resubmit:   resubmit,
		batches:    batches,
		events:     events,
		alerter:    NewSlogAlerter(nil),
		now:        func() time.Time { return time.Now().UTC() },
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandleFailure decides and carries out the recovery action for one failure.
// Retries run asynchronously after their backoff; fail and escalate are
// applied before HandleFailure returns.
func (c *Coordinator) HandleFailure(ctx context.Context, ec models.ErrorContext) {
	d := c.engine.Decide(ec)
	metrics.RecoveryDecisionsTotal.WithLabelValues(string(ec.Category), string(d.Action)).Inc()
	slog.Info("recovery decision",
		"job_id", ec.JobID,
		"kind", ec.JobKind,
		"error_category", ec.Category,
		"attempt", ec.AttemptCount,
		"max_retries", d.MaxRetries,
		"action", d.Action,
		"delay", d.Delay,
	)

	switch d.Action {
	case policy.ActionRetry:
		c.scheduleRetry(ec, d.Delay)
	case policy.ActionEscalate:
		c.fail(ctx, ec, true)
	default:
		c.fail(ctx, ec, false)
	}
}

func (c *Coordinator) scheduleRetry(ec models.ErrorContext, delay time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-c.ctx.Done():
				slog.Debug("retry abandoned on shutdown", "job_id", ec.JobID)
				return
			case <-timer.C:
			}
		}
		if c.ctx.Err() != nil {
			return
		}
		c.retry(c.ctx, ec)
	}()
}

// retry resets the job to pending and resubmits it as the next attempt.
// When no capacity is free the job stays pending for the gateway's resume
// loop; any other resubmission error counts as another failed attempt.
func (c *Coordinator) retry(ctx context.Context, ec models.ErrorContext) {
	job, err := c.reset(ctx, ec)
	if err != nil {
		if !errors.Is(err, errSettled) {
			slog.Error("failed to reset job for retry", "job_id", ec.JobID, "error", err)
		}
		return
	}

	attempt := ec.AttemptCount + 1
	callID, err := c.resubmit.Resubmit(ctx, job.ID, attempt)
	switch {
	case err == nil:
		slog.Info("job resubmitted", "job_id", job.ID, "call_id", callID, "attempt", attempt)
	case errors.Is(err, admission.ErrCapacityExceeded), errors.Is(err, gateway.ErrBusy):
		slog.Info("retry deferred until capacity frees up", "job_id", job.ID, "attempt", attempt, "reason", err)
	case errors.Is(err, gateway.ErrAlreadyTerminal), errors.Is(err, context.Canceled):
	default:
		next := ec
		next.AttemptCount = attempt
		next.Category = c.classifier.Classify(err)
		next.Message = err.Error()
		next.Timestamp = c.now()
		c.HandleFailure(ctx, next)
	}
}

var errSettled = errors.New("job already settled")

func (c *Coordinator) reset(ctx context.Context, ec models.ErrorContext) (*models.Job, error) {
	for {
		job, err := c.jobs.GetJob(ctx, ec.JobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return nil, errSettled
		}
		if job.Status == models.JobStatusPending {
			return job, nil
		}
		err = c.jobs.ResetForRetry(ctx, job.ID, job.Status,
			store.WithRetryCount(ec.AttemptCount),
			store.WithErrorMessage(ec.Message),
			store.WithErrorCategory(ec.Category),
		)
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		job.Status = models.JobStatusPending
		job.RetryCount = ec.AttemptCount
		return job, nil
	}
}

// fail marks the job failed with the error detail and, for escalations,
// raises an alert. A job that already settled is left alone.
func (c *Coordinator) fail(ctx context.Context, ec models.ErrorContext, escalate bool) {
	job, err := c.markFailed(ctx, ec)
	if err != nil {
		if !errors.Is(err, errSettled) {
			slog.Error("failed to mark job failed", "job_id", ec.JobID, "error", err)
		}
		return
	}

	metrics.JobsTerminalTotal.WithLabelValues(string(job.Kind), string(models.JobStatusFailed)).Inc()
	slog.Warn("job failed",
		"job_id", job.ID,
		"error_category", ec.Category,
		"attempt", ec.AttemptCount,
		"error", ec.Message,
	)
	data := map[string]any{
		"error":          ec.Message,
		"error_category": ec.Category,
		"attempt_count":  ec.AttemptCount,
	}
	c.publish(job, models.EventJobFailed, data)

	if escalate {
		if c.alerter != nil {
			c.alerter.Escalate(ctx, job, ec)
		}
		c.publish(job, models.EventJobEscalated, data)
	}

	if job.BatchParentID != nil && c.batches != nil {
		if _, err := c.batches.RecomputeBatch(ctx, *job.BatchParentID); err != nil {
			slog.Error("batch recompute after failure failed", "batch_id", *job.BatchParentID, "error", err)
		}
	}
}

func (c *Coordinator) markFailed(ctx context.Context, ec models.ErrorContext) (*models.Job, error) {
	for {
		job, err := c.jobs.GetJob(ctx, ec.JobID)
		if err != nil {
			return nil, err
		}
		if job.Status.IsTerminal() {
			return nil, errSettled
		}
		err = c.jobs.UpdateJobStatus(ctx, job.ID, job.Status, models.JobStatusFailed,
			store.WithErrorMessage(ec.Message),
			store.WithErrorCategory(ec.Category),
		)
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		job.Status = models.JobStatusFailed
		return job, nil
	}
}

func (c *Coordinator) publish(job *models.Job, name string, data map[string]any) {
	if c.events == nil {
		return
	}
	c.events.Publish(models.Event{
		Name:      name,
		OwnerID:   job.OwnerID,
		JobID:     job.ID,
		Status:    job.Status,
		Timestamp: c.now(),
		Data:      data,
	})
}

// Shutdown abandons retries still waiting on their backoff and waits for
// running ones to finish, or for ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until no retry is pending.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

var (
	_ Resubmitter            = (*gateway.Gateway)(nil)
	_ BatchRecomputer        = (*tracker.Tracker)(nil)
	_ tracker.FailureHandler = (*Coordinator)(nil)
)

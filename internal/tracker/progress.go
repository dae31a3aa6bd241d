package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/internal/analysis"
	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/kiranshivaraju/foldqueue/internal/gateway"
	"github.com/kiranshivaraju/foldqueue/internal/metrics"
	"github.com/kiranshivaraju/foldqueue/internal/objectstore"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// ErrNotBatch is returned when a batch operation is given a non-parent job.
var ErrNotBatch = errors.New("job is not a batch parent")

// RecomputeBatch re-derives the batch's progress from its children, fires
// newly reached milestones, and finishes the batch once every child is
// terminal. Concurrent calls for the same batch are serialized and converge
// on the same result; each milestone and the completion event fire once.
func (t *Tracker) RecomputeBatch(ctx context.Context, batchID uuid.UUID) (*models.BatchProgress, error) {
	mu := t.batchLock(batchID)
	mu.Lock()
	defer mu.Unlock()

	parent, children, err := t.loadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	p := t.derive(parent, children)

	reached, err := t.jobs.GetMilestones(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("loading milestones: %w", err)
	}
	for _, m := range t.milestones {
		if p.Percentage < float64(m) || slices.Contains(reached, m) {
			continue
		}
		added, err := t.jobs.AddMilestone(ctx, batchID, m)
		if err != nil {
			return nil, fmt.Errorf("recording milestone %d: %w", m, err)
		}
		reached = append(reached, m)
		if !added {
			continue
		}
		metrics.MilestonesTotal.WithLabelValues(strconv.Itoa(m)).Inc()
		slog.Info("batch milestone reached", "batch_id", batchID, "threshold", m, "percentage", p.Percentage)
		t.publish(parent, models.EventBatchMilestone, map[string]any{
			"threshold":          m,
			"percentage":         p.Percentage,
			"completed_children": p.CompletedChildren,
			"failed_children":    p.FailedChildren,
			"total_children":     p.TotalChildren,
		})
	}
	p.MilestonesReached = sortedCopy(reached)

	if !p.Done() {
		return p, nil
	}
	if err := t.finishBatch(ctx, parent, children, p); err != nil {
		return p, err
	}
	if p.Status.IsTerminal() {
		t.forgetBatch(batchID)
	}
	return p, nil
}

// Progress returns the batch's current progress without side effects.
func (t *Tracker) Progress(ctx context.Context, batchID uuid.UUID) (*models.BatchProgress, error) {
	parent, children, err := t.loadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	p := t.derive(parent, children)

	reached, err := t.jobs.GetMilestones(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("loading milestones: %w", err)
	}
	p.MilestonesReached = sortedCopy(reached)

	p.SummaryGenerated, err = t.jobs.IsSummaryGenerated(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("loading summary flag: %w", err)
	}
	return p, nil
}

func (t *Tracker) loadBatch(ctx context.Context, batchID uuid.UUID) (*models.Job, []*models.Job, error) {
	parent, err := t.jobs.GetJob(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	if parent.Kind != models.KindBatchParent {
		return nil, nil, ErrNotBatch
	}
	children, err := t.jobs.ListChildren(ctx, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("listing children: %w", err)
	}
	return parent, children, nil
}

// derive counts children by status. Cancelled counts as failed and queued
// as running.
func (t *Tracker) derive(parent *models.Job, children []*models.Job) *models.BatchProgress {
	p := &models.BatchProgress{
		BatchID:           parent.ID,
		Status:            parent.Status,
		TotalChildren:     len(children),
		MilestonesReached: []int{},
	}

	var took time.Duration
	timed := 0
	for _, c := range children {
		switch c.Status {
		case models.JobStatusCompleted:
			p.CompletedChildren++
			if c.StartedAt != nil && c.CompletedAt != nil {
				took += c.CompletedAt.Sub(*c.StartedAt)
				timed++
			}
		case models.JobStatusFailed, models.JobStatusCancelled, models.JobStatusPartiallyCompleted:
			p.FailedChildren++
		case models.JobStatusQueued, models.JobStatusRunning:
			p.RunningChildren++
		default:
			p.PendingChildren++
		}
	}

	if p.TotalChildren > 0 {
		done := float64(p.CompletedChildren+p.FailedChildren) / float64(p.TotalChildren) * 100
		p.Percentage = math.Round(done*100) / 100
	}

	remaining := p.RunningChildren + p.PendingChildren
	if timed > 0 && remaining > 0 {
		avg := took.Seconds() / float64(timed)
		eta := avg * float64(remaining) / float64(max(p.RunningChildren, 1))
		p.EstimatedCompletionSeconds = &eta
	}
	return p
}

// outcomeFor maps final counts to the parent's terminal status.
func (t *Tracker) outcomeFor(p *models.BatchProgress) models.JobStatus {
	switch {
	case p.FailedChildren == 0:
		return models.JobStatusCompleted
	case t.outcome == config.OutcomeStrict:
		return models.JobStatusFailed
	case p.CompletedChildren > 0:
		return models.JobStatusPartiallyCompleted
	default:
		return models.JobStatusFailed
	}
}

// finishBatch settles the parent, writes the summary artifact and emits
// batch.completed. The summary flag is the once-only guard across processes.
func (t *Tracker) finishBatch(ctx context.Context, parent *models.Job, children []*models.Job, p *models.BatchProgress) error {
	if parent.Status == models.JobStatusCancelled {
		return nil
	}

	if !parent.Status.IsTerminal() {
		final := t.outcomeFor(p)
		updated, err := t.transition(ctx, parent.ID, final)
		switch {
		case errors.Is(err, errSettled):
		case err != nil:
			return fmt.Errorf("settling batch parent: %w", err)
		default:
			parent = updated
			metrics.JobsTerminalTotal.WithLabelValues(string(models.KindBatchParent), string(final)).Inc()
		}
	}
	p.Status = parent.Status
	if parent.Status == models.JobStatusCancelled {
		return nil
	}

	generated, err := t.jobs.IsSummaryGenerated(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("loading summary flag: %w", err)
	}
	if generated {
		p.SummaryGenerated = true
		return nil
	}

	summary := t.summarize(p, children)
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding batch summary: %w", err)
	}
	key := objectstore.BatchSummaryKey(parent.ID)
	if err := t.objects.Put(ctx, key, body, objectstore.ContentTypeJSON); err != nil {
		return fmt.Errorf("storing batch summary: %w", err)
	}

	marked, err := t.jobs.MarkSummaryGenerated(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("marking summary generated: %w", err)
	}
	p.SummaryGenerated = true
	if !marked {
		return nil
	}

	slog.Info("batch completed",
		"batch_id", parent.ID,
		"status", parent.Status,
		"completed_children", p.CompletedChildren,
		"failed_children", p.FailedChildren,
	)
	t.publish(parent, models.EventBatchCompleted, map[string]any{
		"total_children":     p.TotalChildren,
		"completed_children": p.CompletedChildren,
		"failed_children":    p.FailedChildren,
		"success_rate":       summary.SuccessRate,
		"summary_key":        key,
	})
	return nil
}

func (t *Tracker) summarize(p *models.BatchProgress, children []*models.Job) *models.BatchSummary {
	s := &models.BatchSummary{
		BatchID:           p.BatchID,
		Status:            p.Status,
		TotalChildren:     p.TotalChildren,
		CompletedChildren: p.CompletedChildren,
		FailedChildren:    p.FailedChildren,
	}
	if p.TotalChildren > 0 {
		s.SuccessRate = math.Round(float64(p.CompletedChildren)/float64(p.TotalChildren)*10000) / 10000
	}
	if p.FailedChildren > 0 {
		s.FailureGroups = analysis.GroupFailures(children)
	}

	key := t.metric.Key
	if key == "" {
		return s
	}
	s.MetricKey = key

	var sum float64
	n := 0
	for _, c := range children {
		if c.Status != models.JobStatusCompleted {
			continue
		}
		v, ok := metricValue(c.Result, key)
		if !ok {
			continue
		}
		sum += v
		n++
		if s.BestMetric == nil || t.better(v, *s.BestMetric) {
			best, id := v, c.ID
			s.BestMetric = &best
			s.BestJobID = &id
		}
	}
	if n > 0 {
		avg := sum / float64(n)
		s.AverageMetric = &avg
	}
	return s
}

func (t *Tracker) better(v, best float64) bool {
	if t.metric.LowerIsBetter {
		return v < best
	}
	return v > best
}

// metricValue reads a top-level numeric field from a result object.
func metricValue(result json.RawMessage, key string) (float64, bool) {
	var fields map[string]any
	if err := json.Unmarshal(result, &fields); err != nil {
		return 0, false
	}
	v, ok := fields[key].(float64)
	return v, ok
}

func (t *Tracker) batchLock(batchID uuid.UUID) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	mu, ok := t.locks[batchID]
	if !ok {
		mu = &sync.Mutex{}
		t.locks[batchID] = mu
	}
	return mu
}

// forgetBatch drops a settled batch's lock. Later recomputes of the batch
// fire nothing new, so they may run unserialized.
func (t *Tracker) forgetBatch(batchID uuid.UUID) {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	delete(t.locks, batchID)
}

func sortedCopy(in []int) []int {
	out := append([]int{}, in...)
	slices.Sort(out)
	return out
}

// Compile-time check that Tracker can serve as the gateway's recompute hook.
var _ gateway.BatchRecomputer = (*Tracker)(nil)

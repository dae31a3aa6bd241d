package models

import (
	"time"

	"github.com/google/uuid"
)

// DefaultMilestones are the progress thresholds that fire a one-time event.
var DefaultMilestones = []int{25, 50, 75, 100}

// BatchProgress is the aggregate state of a batch, always derived from the
// current statuses of its children.
//
// CompletedChildren + FailedChildren + RunningChildren + PendingChildren
// always equals TotalChildren. Cancelled children count as failed and
// queued children count as running.
type BatchProgress struct {
	BatchID                    uuid.UUID `json:"batch_id"`
	Status                     JobStatus `json:"status"`
	TotalChildren              int       `json:"total_children"`
	CompletedChildren          int       `json:"completed_children"`
	FailedChildren             int       `json:"failed_children"`
	RunningChildren            int       `json:"running_children"`
	PendingChildren            int       `json:"pending_children"`
	Percentage                 float64   `json:"percentage"`
	MilestonesReached          []int     `json:"milestones_reached"`
	EstimatedCompletionSeconds *float64  `json:"estimated_completion_seconds,omitempty"`
	SummaryGenerated           bool      `json:"summary_generated"`
}

// Done reports whether every child reached a terminal state.
func (p *BatchProgress) Done() bool {
	return p.TotalChildren > 0 && p.CompletedChildren+p.FailedChildren == p.TotalChildren
}

// BatchSummary is the aggregate artifact written once when a batch finishes.
type BatchSummary struct {
	BatchID           uuid.UUID  `json:"batch_id"`
	Status            JobStatus  `json:"status"`
	TotalChildren     int        `json:"total_children"`
	CompletedChildren int        `json:"completed_children"`
	FailedChildren    int        `json:"failed_children"`
	SuccessRate       float64    `json:"success_rate"`
	MetricKey         string     `json:"metric_key,omitempty"`
	BestMetric        *float64   `json:"best_metric,omitempty"`
	BestJobID         *uuid.UUID `json:"best_job_id,omitempty"`
	AverageMetric     *float64   `json:"average_metric,omitempty"`

	FailureGroups []FailureGroup `json:"failure_groups,omitempty"`
}

// FailureGroup is a set of failed jobs whose error messages share a
// normalized fingerprint.
type FailureGroup struct {
	Fingerprint   string        `json:"fingerprint"`
	Category      ErrorCategory `json:"category,omitempty"`
	Count         int           `json:"count"`
	SampleMessage string        `json:"sample_message"`
	JobIDs        []uuid.UUID   `json:"job_ids"`
	FirstSeenAt   time.Time     `json:"first_seen_at"`
	LastSeenAt    time.Time     `json:"last_seen_at"`
}

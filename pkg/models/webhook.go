package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Event names delivered to webhook subscribers.
const (
	EventJobCompleted   = "job.completed"
	EventJobFailed      = "job.failed"
	EventJobCancelled   = "job.cancelled"
	EventJobEscalated   = "job.escalated"
	EventBatchMilestone = "batch.milestone"
	EventBatchCompleted = "batch.completed"
)

// KnownEvents lists every event a subscription may ask for.
var KnownEvents = []string{
	EventJobCompleted,
	EventJobFailed,
	EventJobCancelled,
	EventJobEscalated,
	EventBatchMilestone,
	EventBatchCompleted,
}

// Event is emitted by the orchestration engine and consumed by the notifier.
type Event struct {
	Name      string         `json:"event"`
	OwnerID   uuid.UUID      `json:"-"`
	JobID     uuid.UUID      `json:"job_id"`
	Status    JobStatus      `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// EventPublisher receives engine events. Publish must not block.
type EventPublisher interface {
	Publish(ev Event)
}

// WebhookSubscription is a tenant's registered HTTP callback.
type WebhookSubscription struct {
	ID           uuid.UUID     `db:"id"            json:"id"`
	OwnerID      uuid.UUID     `db:"owner_id"      json:"owner_id"`
	URL          string        `db:"url"           json:"url"`
	Secret       string        `db:"secret"        json:"-"`
	Events       []string      `db:"events"        json:"events"`
	Active       bool          `db:"active"        json:"active"`
	RetryCount   int           `db:"retry_count"   json:"retry_count"`
	Timeout      time.Duration `db:"timeout_ms"    json:"timeout"`
	FailureCount int           `db:"failure_count" json:"failure_count"`
	CreatedAt    time.Time     `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"    json:"updated_at"`
}

// Wants reports whether the subscription is active and subscribed to event.
func (s *WebhookSubscription) Wants(event string) bool {
	return s.Active && slices.Contains(s.Events, event)
}

package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrStatusConflict is returned when the job is no longer in the expected
	// status, meaning another writer moved it first.
	ErrStatusConflict = errors.New("job status changed concurrently")
)

// JobStore persists jobs. Every status change is a compare-and-set on the
// current status.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	// CreateJobs inserts all jobs or none.
	CreateJobs(ctx context.Context, jobs []*models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, from, to models.JobStatus, opts ...JobUpdateOption) error
	// ResetForRetry moves an in-flight job back to pending and clears its
	// compute call. It is the only backwards move the lifecycle allows.
	ResetForRetry(ctx context.Context, id uuid.UUID, from models.JobStatus, opts ...JobUpdateOption) error
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	// ListChildren returns a batch's children ordered by batch index.
	ListChildren(ctx context.Context, batchID uuid.UUID) ([]*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	// GetActiveBatchByKey returns the owner's non-terminal batch parent
	// created under key. At most one can exist; CreateJobs rejects a second
	// with ErrDuplicateKey.
	GetActiveBatchByKey(ctx context.Context, ownerID uuid.UUID, key string) (*models.Job, error)

	// AddMilestone records threshold for a batch and reports whether it was new.
	AddMilestone(ctx context.Context, batchID uuid.UUID, threshold int) (bool, error)
	GetMilestones(ctx context.Context, batchID uuid.UUID) ([]int, error)
	// MarkSummaryGenerated sets the batch's summary flag and reports whether
	// this call was the one that set it.
	MarkSummaryGenerated(ctx context.Context, batchID uuid.UUID) (bool, error)
	IsSummaryGenerated(ctx context.Context, batchID uuid.UUID) (bool, error)
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *models.WebhookSubscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*models.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, ownerID uuid.UUID) ([]*models.WebhookSubscription, error)
	// ListSubscriptionsForEvent returns the owner's active subscriptions to event.
	ListSubscriptionsForEvent(ctx context.Context, ownerID uuid.UUID, event string) ([]*models.WebhookSubscription, error)
	DeleteSubscription(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
	DeactivateSubscription(ctx context.Context, id uuid.UUID) error
	// RecordDeliveryResult resets the failure streak on success and
	// increments it on failure.
	RecordDeliveryResult(ctx context.Context, id uuid.UUID, success bool) error
}

// APIKeyStore persists API keys.
type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	JobStore
	SubscriptionStore
	APIKeyStore
}

// JobFilter selects an owner's jobs.
type JobFilter struct {
	OwnerID uuid.UUID
	Kind    models.JobKind
	Status  models.JobStatus
	Page    int
	Limit   int
}

func (f JobFilter) normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

type jobUpdateParams struct {
	ErrorMessage  *string
	ErrorCategory *models.ErrorCategory
	Result        json.RawMessage
	ComputeCallID *string
	RetryCount    *int
	ShardIndex    *int
	ClearError    bool
}

type JobUpdateOption func(*jobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithErrorCategory(cat models.ErrorCategory) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorCategory = &cat
	}
}

// WithoutError clears the error left by an earlier failed attempt.
func WithoutError() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ClearError = true
	}
}

func WithResult(result json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Result = result
	}
}

// WithComputeCallID records the call covering the job. An empty id clears it.
func WithComputeCallID(callID string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ComputeCallID = &callID
	}
}

func WithRetryCount(n int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.RetryCount = &n
	}
}

func WithShardIndex(i int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ShardIndex = &i
	}
}

func collectParams(opts []JobUpdateOption) *jobUpdateParams {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}

// Package models contains shared data models used across the foldqueue codebase.
package models

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobKind tags which variant of Job a record is. Only the fields valid for
// that variant may be set; see Validate.
type JobKind string

const (
	KindIndividual  JobKind = "individual"
	KindBatchParent JobKind = "batch_parent"
	KindBatchChild  JobKind = "batch_child"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
	// JobStatusPartiallyCompleted is reached only by batch parents whose
	// children finished with a mix of successes and failures.
	JobStatusPartiallyCompleted JobStatus = "partially_completed"
)

// Lane is a QoS admission class.
type Lane string

const (
	LaneInteractive Lane = "interactive"
	LaneBulk        Lane = "bulk"
)

// Valid reports whether l names a known lane.
func (l Lane) Valid() bool {
	return l == LaneInteractive || l == LaneBulk
}

// rank orders statuses along the forward-only lifecycle.
var rank = map[JobStatus]int{
	JobStatusPending:            0,
	JobStatusQueued:             1,
	JobStatusRunning:            2,
	JobStatusCompleted:          3,
	JobStatusFailed:             3,
	JobStatusCancelled:          3,
	JobStatusPartiallyCompleted: 3,
}

// IsTerminal reports whether s can never change again.
func (s JobStatus) IsTerminal() bool {
	return rank[s] == 3
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	_, ok := rank[s]
	return ok
}

// CanTransition reports whether a job may move from one status to another.
// Statuses only move forward; terminal statuses never move.
func CanTransition(from, to JobStatus) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	return rank[to] > rank[from]
}

// CanResetForRetry reports whether a job in status s may be put back to
// pending for resubmission. Only in-flight jobs qualify.
func CanResetForRetry(s JobStatus) bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// BatchOptions are stored on batch parents only.
type BatchOptions struct {
	ShardSize           int `json:"shard_size"`
	ShardCount          int `json:"shard_count"`
	MaxConcurrentShards int `json:"max_concurrent_shards"`
}

// Job is a unit of compute work.
type Job struct {
	ID             uuid.UUID       `db:"id"               json:"id"`
	OwnerID        uuid.UUID       `db:"owner_id"         json:"owner_id"`
	Kind           JobKind         `db:"kind"             json:"kind"`
	Status         JobStatus       `db:"status"           json:"status"`
	Lane           Lane            `db:"lane"             json:"lane"`
	Input          json.RawMessage `db:"input"            json:"input"`
	Result         json.RawMessage `db:"result"           json:"result,omitempty"`
	BatchParentID  *uuid.UUID      `db:"batch_parent_id"  json:"batch_parent_id,omitempty"`
	BatchIndex     *int            `db:"batch_index"      json:"batch_index,omitempty"`
	ShardIndex     *int            `db:"shard_index"      json:"shard_index,omitempty"`
	BatchOptions   *BatchOptions   `db:"batch_options"    json:"batch_options,omitempty"`
	ComputeCallID  *string         `db:"compute_call_id"  json:"compute_call_id,omitempty"`
	IdempotencyKey *string         `db:"idempotency_key"  json:"idempotency_key,omitempty"`
	RetryCount     int             `db:"retry_count"      json:"retry_count"`
	ErrorMessage   *string         `db:"error_message"    json:"error_message,omitempty"`
	ErrorCategory  *ErrorCategory  `db:"error_category"   json:"error_category,omitempty"`
	CreatedAt      time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"       json:"updated_at"`
	StartedAt      *time.Time      `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt    *time.Time      `db:"completed_at"     json:"completed_at,omitempty"`
}

var (
	ErrChildWithoutParent  = errors.New("batch child requires a batch parent id")
	ErrParentOnNonChild    = errors.New("only batch children may reference a batch parent")
	ErrBatchOptionsMissing = errors.New("batch parent requires batch options")
	ErrUnknownKind         = errors.New("unknown job kind")
)

// Validate checks the per-kind field rules of the tagged union.
func (j *Job) Validate() error {
	switch j.Kind {
	case KindBatchChild:
		if j.BatchParentID == nil || j.BatchIndex == nil {
			return ErrChildWithoutParent
		}
	case KindBatchParent:
		if j.BatchParentID != nil {
			return ErrParentOnNonChild
		}
		if j.BatchOptions == nil {
			return ErrBatchOptionsMissing
		}
	case KindIndividual:
		if j.BatchParentID != nil {
			return ErrParentOnNonChild
		}
	default:
		return ErrUnknownKind
	}
	return nil
}

// Clone returns a deep copy so callers can hand out jobs without sharing state.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Input = cloneRaw(j.Input)
	c.Result = cloneRaw(j.Result)
	c.BatchParentID = clonePtr(j.BatchParentID)
	c.BatchIndex = clonePtr(j.BatchIndex)
	c.ShardIndex = clonePtr(j.ShardIndex)
	c.BatchOptions = clonePtr(j.BatchOptions)
	c.ComputeCallID = clonePtr(j.ComputeCallID)
	c.IdempotencyKey = clonePtr(j.IdempotencyKey)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.ErrorCategory = clonePtr(j.ErrorCategory)
	c.StartedAt = clonePtr(j.StartedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	return &c
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

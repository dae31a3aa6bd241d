package models

import (
	"time"

	"github.com/google/uuid"
)

// ComputeCall is an in-flight request to the compute backend. A call covers
// one individual job or the children of one batch shard.
type ComputeCall struct {
	CallID              string      `json:"call_id"`
	JobID               uuid.UUID   `json:"job_id"`
	JobIDs              []uuid.UUID `json:"job_ids"`
	OwnerID             uuid.UUID   `json:"owner_id"`
	BatchID             *uuid.UUID  `json:"batch_id,omitempty"`
	Lane                Lane        `json:"lane"`
	ShardIndex          *int        `json:"shard_index,omitempty"`
	IdempotencyKey      string      `json:"idempotency_key,omitempty"`
	SubmittedAt         time.Time   `json:"submitted_at"`
	LastPolledAt        time.Time   `json:"last_polled_at"`
	ConsecutiveTimeouts int         `json:"consecutive_timeouts"`
}

// Clone returns a deep copy of the call.
func (c *ComputeCall) Clone() *ComputeCall {
	if c == nil {
		return nil
	}
	out := *c
	out.JobIDs = append([]uuid.UUID(nil), c.JobIDs...)
	out.BatchID = clonePtr(c.BatchID)
	out.ShardIndex = clonePtr(c.ShardIndex)
	return &out
}

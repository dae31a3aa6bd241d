package models

import (
	"time"

	"github.com/google/uuid"
)

// ErrorCategory classifies a failure for the retry policy.
type ErrorCategory string

const (
	CategoryTimeout    ErrorCategory = "TIMEOUT"
	CategoryCompute    ErrorCategory = "COMPUTE_ERROR"
	CategoryStorage    ErrorCategory = "STORAGE_ERROR"
	CategoryDatabase   ErrorCategory = "DATABASE_ERROR"
	CategoryValidation ErrorCategory = "VALIDATION_ERROR"
	CategorySystem     ErrorCategory = "SYSTEM_ERROR"
)

// Categories lists every error category.
var Categories = []ErrorCategory{
	CategoryTimeout,
	CategoryCompute,
	CategoryStorage,
	CategoryDatabase,
	CategoryValidation,
	CategorySystem,
}

// ErrorContext describes one failure of one job. AttemptCount is 1-based:
// the first failed attempt has AttemptCount 1.
type ErrorContext struct {
	JobID        uuid.UUID     `json:"job_id"`
	JobKind      JobKind       `json:"job_kind"`
	Category     ErrorCategory `json:"error_category"`
	Message      string        `json:"message"`
	AttemptCount int           `json:"attempt_count"`
	Timestamp    time.Time     `json:"timestamp"`
}

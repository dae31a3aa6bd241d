package objectstore

import (
	"fmt"

	"github.com/google/uuid"
)

// ResultKey returns the key of a job's result payload.
func ResultKey(jobID uuid.UUID) string {
	return fmt.Sprintf("results/%s.json", jobID)
}

// ResultMetaKey returns the key of a job's result metadata.
func ResultMetaKey(jobID uuid.UUID) string {
	return fmt.Sprintf("results/%s.meta.json", jobID)
}

// BatchSummaryKey returns the key of a batch's summary artifact.
func BatchSummaryKey(batchID uuid.UUID) string {
	return fmt.Sprintf("batches/%s/summary.json", batchID)
}

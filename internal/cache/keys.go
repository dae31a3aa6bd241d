package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:status", jobID)
}

func JobResultKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:result", jobID)
}

func BatchSummaryKey(batchID uuid.UUID) string {
	return fmt.Sprintf("batch:%s:summary", batchID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

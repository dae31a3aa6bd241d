package recovery

import (
	"context"
	"log/slog"

	"github.com/kiranshivaraju/foldqueue/internal/analysis"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// Alerter receives escalated failures.
type Alerter interface {
	Escalate(ctx context.Context, job *models.Job, ec models.ErrorContext)
}

// SlogAlerter writes escalations as ERROR records on a dedicated logger.
type SlogAlerter struct {
	logger *slog.Logger
}

// NewSlogAlerter tags every record from logger with channel=alert. A nil
// logger means slog.Default().
func NewSlogAlerter(logger *slog.Logger) *SlogAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAlerter{logger: logger.With("channel", "alert")}
}

func (a *SlogAlerter) Escalate(ctx context.Context, job *models.Job, ec models.ErrorContext) {
	a.logger.ErrorContext(ctx, "job escalated",
		"severity", "high",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"kind", job.Kind,
		"error_category", ec.Category,
		"attempt", ec.AttemptCount,
		"error", ec.Message,
		"fingerprint", analysis.Fingerprint(ec.Message)[:16],
	)
}

package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/foldqueue/internal/admission"
	"github.com/kiranshivaraju/foldqueue/internal/api/response"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// Pinger is a dependency that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LaneReporter exposes lane usage.
type LaneReporter interface {
	Snapshot() map[models.Lane]admission.LaneSnapshot
	ActiveCount() int
}

// NewHealthHandler checks database and cache connectivity and reports lane
// usage.
func NewHealthHandler(db, c Pinger, lanes LaneReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":       "ok",
			"services":     checks,
			"lanes":        lanes.Snapshot(),
			"active_calls": lanes.ActiveCount(),
		})
	}
}

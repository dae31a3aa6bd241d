package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/foldqueue/internal/api/middleware"
	"github.com/kiranshivaraju/foldqueue/internal/api/response"
	"github.com/kiranshivaraju/foldqueue/pkg/models"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	SubmitJob   http.HandlerFunc
	GetJob      http.HandlerFunc
	ListJobs    http.HandlerFunc
	CancelJob   http.HandlerFunc
	SubmitBatch http.HandlerFunc
	GetBatch    http.HandlerFunc

	CreateWebhook http.HandlerFunc
	ListWebhooks  http.HandlerFunc
	DeleteWebhook http.HandlerFunc

	ComputeCallback http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Signed by the compute backend, not by an API key.
	r.Post("/api/v1/callbacks/compute", orNotImplemented(deps.ComputeCallback))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Get("/api/v1/batches/{batchID}", orNotImplemented(deps.GetBatch))
		r.Get("/api/v1/webhooks", orNotImplemented(deps.ListWebhooks))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeWrite))

			r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitJob))
			r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))
			r.Post("/api/v1/batches", orNotImplemented(deps.SubmitBatch))
			r.Post("/api/v1/webhooks", orNotImplemented(deps.CreateWebhook))
			r.Delete("/api/v1/webhooks/{webhookID}", orNotImplemented(deps.DeleteWebhook))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(models.ScopeAdmin))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}

package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/foldqueue/internal/api/response"
	"github.com/kiranshivaraju/foldqueue/internal/metrics"
)

// Recovery turns a handler panic into a 500, logs the stack and counts the
// panic against the matched route.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				route := routePattern(r)
				metrics.HTTPPanicsTotal.WithLabelValues(route).Inc()
				slog.Error("panic recovered",
					"error", err,
					"request_id", chimw.GetReqID(r.Context()),
					"method", r.Method,
					"route", route,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "An unexpected error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// routePattern returns the chi pattern the request matched, so metric labels
// stay bounded by the route table rather than by job ids in paths.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

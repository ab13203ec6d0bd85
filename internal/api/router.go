package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kiranshivaraju/screener/internal/api/handler"
	mw "github.com/kiranshivaraju/screener/internal/api/middleware"
	"github.com/kiranshivaraju/screener/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Logger    *slog.Logger
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	Jobs          *handler.Jobs
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.Logger(logger))
	r.Use(mw.Recovery(logger))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/screening/jobs", func(r chi.Router) {
			r.Get("/", jobRoute(deps.Jobs, (*handler.Jobs).List))
			r.Get("/{jobID}", jobRoute(deps.Jobs, (*handler.Jobs).Get))
			r.Get("/{jobID}/result", jobRoute(deps.Jobs, (*handler.Jobs).Result))

			write := r.With(deps.Auth.RequireScope(mw.ScopeJobs))
			write.Post("/", jobRoute(deps.Jobs, (*handler.Jobs).Submit))
			write.Delete("/{jobID}", jobRoute(deps.Jobs, (*handler.Jobs).Delete))
			write.Post("/{jobID}/cancel", jobRoute(deps.Jobs, (*handler.Jobs).Cancel))
		})
	})

	return r
}

func jobRoute(h *handler.Jobs, method func(*handler.Jobs, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	if h == nil {
		return orNotImplemented(nil)
	}
	return func(w http.ResponseWriter, r *http.Request) { method(h, w, r) }
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

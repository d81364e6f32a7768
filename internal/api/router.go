package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/pressroom/pressroom/internal/api/middleware"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	// RateLimit is optional; routes are unlimited when nil.
	RateLimit *mw.RateLimit

	HealthHandler   http.HandlerFunc
	SubmitHandler   http.HandlerFunc
	StatusHandler   http.HandlerFunc
	DownloadHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/healthz", deps.HealthHandler)

	r.Route("/v1/pdf-jobs", func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/", deps.SubmitHandler)
		r.Get("/{jobID}", deps.StatusHandler)
		r.Get("/{jobID}/file", deps.DownloadHandler)
	})

	return r
}

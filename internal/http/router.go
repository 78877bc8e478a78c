package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iago/media-jobs-back/internal/http/handlers"
	"github.com/iago/media-jobs-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Session        *middleware.SessionAuth
	Logger         *slog.Logger
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int

	// TrustProxyHeaders rewrites the client address from proxy headers
	// before rate limiting.
	TrustProxyHeaders bool

	// Metrics serves /metrics; promhttp.Handler() when nil.
	Metrics http.Handler
}

// NewRouter wires the HTTP surface. ctx bounds background middleware work.
func NewRouter(ctx context.Context, deps RouterDependencies) http.Handler {
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	if deps.TrustProxyHeaders {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Trace(deps.Logger))
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: deps.CORSOrigins}))
	r.Use(middleware.RateLimit(ctx, middleware.RateLimitConfig{
		RPS:   deps.RateLimitRPS,
		Burst: deps.RateLimitBurst,
	}))

	r.Get("/healthz", deps.API.Health)
	r.Get("/readyz", deps.API.Ready)
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/outputs", deps.API.Outputs)
		r.Get("/plans", deps.API.Plans)

		r.Group(func(r chi.Router) {
			r.Use(deps.Session.Middleware)

			r.Get("/profile", deps.API.Profile)
			r.Patch("/profile", deps.API.UpdateProfile)
			r.Post("/subscription", deps.API.Subscribe)
			r.Get("/usage", deps.API.Usage)
			r.Post("/uploads/check", deps.API.CheckUpload)

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", deps.API.SubmitJob)
				r.Get("/", deps.API.ListJobs)
				r.Get("/stats", deps.API.JobStats)

				r.Route("/{jobID}", func(r chi.Router) {
					r.Get("/", deps.API.JobStatus)
					r.Delete("/", deps.API.DeleteJob)
					r.Post("/cancel", deps.API.CancelJob)
					r.Post("/abort", deps.API.AbortJob)
					r.Get("/progress", deps.API.JobProgress)
					r.Get("/events", deps.API.JobEvents)
					r.Get("/results", deps.API.JobResults)
					r.Get("/results/{field}", deps.API.JobResultField)
				})
			})
		})
	})

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)
	return r
}

package api

import (
	"context"
	"log/slog"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	customMiddleware "github.com/Jeffreasy/LaventeCareBulkMail/internal/api/middleware"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/audit"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/auth"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/jobs"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/mailing"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/quota"
	"github.com/Jeffreasy/LaventeCareBulkMail/internal/tracking"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP layer needs. DB may be nil.
type Deps struct {
	Store    mailing.Store
	Jobs     *jobs.Controller
	Quota    *quota.Engine
	Admitter *quota.Admitter
	Hasher   quota.Hasher
	Tracking *tracking.Handler
	Verifier auth.TokenVerifier
	Audit    audit.Logger
	DB       Pinger

	RateLimit rate.Limit // API requests per second per IP, default 5
	RateBurst int        // default 10
}

type Server struct {
	Router *chi.Mux
	Logger *slog.Logger

	deps    Deps
	limiter *customMiddleware.IPRateLimiter
}

func NewServer(deps Deps) *Server {
	if deps.Audit == nil {
		deps.Audit = audit.NopLogger{}
	}
	if deps.RateLimit <= 0 {
		deps.RateLimit = 5
	}
	if deps.RateBurst <= 0 {
		deps.RateBurst = 10
	}

	s := &Server{
		Router:  chi.NewRouter(),
		Logger:  slog.Default(),
		deps:    deps,
		limiter: customMiddleware.NewIPRateLimiter(deps.RateLimit, deps.RateBurst),
	}
	r := s.Router

	// 1. Core Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// 2. Sentry Middleware (Must be before Panic Recovery to capture panics)
	sentryHandler := sentryhttp.New(sentryhttp.Options{
		Repanic: true,
	})
	r.Use(sentryHandler.Handle)

	// 3. Logger & Recovery
	r.Use(customMiddleware.RequestLogger)
	r.Use(customMiddleware.PanicRecovery)

	// Public routes: tracking must never be rate limited or authenticated.
	r.Get("/health", s.HealthHandler())
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/track", deps.Tracking.Routes())

	requireAuth := customMiddleware.AuthMiddleware(deps.Verifier)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Use(requireAuth)

		r.Get("/usage", s.GetUsage)

		r.Post("/campaigns", s.SubmitCampaign)
		r.Get("/campaigns", s.ListCampaigns)
		r.Get("/campaigns/{id}", s.GetCampaign)
		r.Post("/campaigns/{id}/cancel", s.CancelCampaign)
		r.Post("/jobs/{id}/cancel", s.CancelJob)

		r.Delete("/history", s.DeleteHistory)
		r.Delete("/account", s.DeleteAccount)

		r.Route("/admin", func(r chi.Router) {
			r.Use(customMiddleware.RequireRole(auth.RoleAdmin))
			r.Patch("/users/{userID}/plan", s.SetUserPlan)
		})
	})

	return s
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Stop()
}

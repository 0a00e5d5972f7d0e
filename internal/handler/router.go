package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/support-orchestrator/internal/middleware"
	"github.com/capitalize-ai/support-orchestrator/pkg/logger"
)

// RouterConfig holds everything the HTTP surface needs.
type RouterConfig struct {
	Orchestration     Orchestration
	Inbound           InboundPublisher
	Checks            []ReadinessCheck
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// NewRouter builds the chi router of the operations API.
func NewRouter(cfg RouterConfig) http.Handler {
	health := NewHealthHandler(cfg.Checks...)
	orch := NewOrchestrationHandler(cfg.Orchestration, cfg.Inbound, cfg.Logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		if cfg.RateLimitRequests > 0 {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
		}
		r.Use(middleware.RequireScope(middleware.ScopeAdmin))

		r.Route("/conversations/{conversationID}", func(r chi.Router) {
			r.Get("/orchestration", orch.State)
			r.Post("/orchestration/reset", orch.Reset)
			r.Post("/events", orch.InjectEvent)
		})
	})

	return r
}

package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	apierrors "keybroker/internal/errors"
	"keybroker/internal/infrastructure"
	"keybroker/internal/interceptor"
	"keybroker/internal/middleware"
)

const adminTimeout = 30 * time.Second

// RouterDeps are the collaborators of the HTTP surface
type RouterDeps struct {
	Keys     KeyAdmin
	Sessions *interceptor.Manager
	// Bridge serves the host bridge websocket. Nil leaves the route unmounted.
	Bridge      http.Handler
	Health      *HealthHandler
	Errors      *apierrors.ErrorHandler
	Tracer      trace.Tracer
	Metrics     *infrastructure.BrokerMetrics
	MetricsHTTP http.Handler

	RateLimitRPS   float64
	RateLimitBurst int
	Logger         *slog.Logger
}

// NewRouter builds the chi router.
//
// Order: RequestID, RealIP, OTel, Recoverer, then request logging per group.
// Admin routes log through the error middleware, which also records
// redacted request bodies of failed calls. The bridge route sits outside
// the timeout group so long-lived connections are not cut.
func NewRouter(deps RouterDeps) chi.Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Errors == nil {
		deps.Errors = apierrors.NewErrorHandler(deps.Logger, false)
	}
	requestLog := middleware.StructuredLogger(deps.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.NewOTelMiddleware(deps.Tracer, deps.Metrics).Handler)
	r.Use(apierrors.RecoveryMiddleware(deps.Errors))

	r.NotFound(deps.Errors.NotFound)
	r.MethodNotAllowed(deps.Errors.MethodNotAllowed)

	r.Group(func(r chi.Router) {
		r.Use(requestLog)

		if deps.Health != nil {
			r.Get("/healthz", deps.Health.HealthCheck)
		}

		metricsHTTP := deps.MetricsHTTP
		if metricsHTTP == nil {
			metricsHTTP = promhttp.Handler()
		}
		r.Handle("/metrics", metricsHTTP)
	})

	r.Route("/v1", func(r chi.Router) {
		if deps.RateLimitRPS > 0 {
			r.Use(middleware.NewRateLimiter(deps.RateLimitRPS, deps.RateLimitBurst, deps.Errors, deps.Logger).Handler)
		}

		if deps.Bridge != nil {
			r.With(requestLog).Get("/bridge", deps.Bridge.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(apierrors.NewAuditMiddleware(deps.Logger).Handler)
			r.Use(middleware.SecurityHeaders)
			r.Use(chimiddleware.Timeout(adminTimeout))

			if deps.Keys != nil {
				r.Mount("/keys", NewKeysHandler(deps.Keys, deps.Errors, deps.Logger).Routes())
			}
			if deps.Sessions != nil {
				r.Mount("/sessions", NewSessionsHandler(deps.Sessions, deps.Errors, deps.Logger).Routes())
			}
		})
	})

	return r
}

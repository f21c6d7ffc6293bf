// Package api assembles the nurse API router.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/epis/medadmin/internal/api/handlers"
	"github.com/epis/medadmin/internal/api/middleware"
	"github.com/epis/medadmin/internal/domain/dosing"
	"github.com/epis/medadmin/internal/infrastructure/memory"
	"github.com/epis/medadmin/internal/observability/metrics"
	"github.com/epis/medadmin/internal/projection"
	"github.com/epis/medadmin/pkg/circuitbreaker"
)

// ServiceName names the API in health output and traces.
const ServiceName = "nurse-api"

// Stores is everything the API reads and writes.
type Stores interface {
	dosing.PrescriptionStore
	dosing.AdministrationLog
	dosing.WardDirectory
	projection.SummaryStore
	handlers.Registry
}

// Options configures the router.
type Options struct {
	// Stores backs every route. Nil uses in-memory stores with inline
	// summary projection.
	Stores Stores
	// InlineProjection updates summaries on each recording instead of
	// through the event stream.
	InlineProjection bool

	Location        *time.Location
	AllowOutOfRange bool
	WardConcurrency int
	APIKeys         map[string]string
	Metrics         *metrics.Metrics
	Breakers        *circuitbreaker.Manager
	Ready           func(ctx context.Context) error
	Logger          *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	stores := opts.Stores
	inline := opts.InlineProjection
	if stores == nil {
		logger.Warn("no database configured, using in-memory stores")
		stores = memory.NewStore()
		inline = true
	}

	resolver := dosing.NewResolver(stores, stores, logger,
		dosing.WithWardDirectory(stores),
		dosing.WithWardConcurrency(opts.WardConcurrency))
	recorder := dosing.NewRecorder(stores, stores, dosing.RecorderConfig{
		Location:        opts.Location,
		AllowOutOfRange: opts.AllowOutOfRange,
	}, logger)

	doses := handlers.NewDoseHandler(handlers.DoseHandlerConfig{
		Resolver:         resolver,
		Recorder:         recorder,
		Prescriptions:    stores,
		Ward:             stores,
		Projector:        projection.NewInline(resolver, stores, logger),
		InlineProjection: inline,
		Location:         opts.Location,
		Metrics:          opts.Metrics,
		Logger:           logger,
	})
	registry := handlers.NewRegistryHandler(stores, logger)
	health := handlers.NewHealthHandler(ServiceName, opts.Ready, opts.Breakers)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(opts.Metrics))
	r.Use(middleware.Tracing(ServiceName))

	// Health check (no auth)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(opts.APIKeys))
		r.Use(middleware.Operator)
		doses.Register(r)
		registry.Register(r)
	})

	return r
}

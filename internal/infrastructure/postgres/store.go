// Package postgres provides the PostgreSQL stores for prescriptions,
// administration events and day summaries, and the transactional outbox
// that publishes recorded administrations.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/epis/medadmin/internal/domain/dosing"
	"github.com/epis/medadmin/pkg/circuitbreaker"
)

// DefaultEventsTopic receives AdministrationRecorded events.
const DefaultEventsTopic = "administration.events"

// StoreConfig holds store settings.
type StoreConfig struct {
	// Location is the ward time zone; a day's events are those whose
	// admin_time falls in [day 00:00, day+1 00:00) there.
	Location *time.Location
	// EventsTopic is written to outbox rows for recorded administrations.
	EventsTopic string
}

// DefaultStoreConfig returns UTC and the default topic.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{Location: time.UTC, EventsTopic: DefaultEventsTopic}
}

// Store implements the dosing store interfaces on a pgx pool.
type Store struct {
	pool    *pgxpool.Pool
	config  StoreConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
	tracer  trace.Tracer
}

var (
	_ dosing.PrescriptionStore = (*Store)(nil)
	_ dosing.AdministrationLog = (*Store)(nil)
	_ dosing.WardDirectory     = (*Store)(nil)
)

// BreakerConfig returns the breaker settings used for the ward database.
func BreakerConfig(name string) circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.IsSuccessful = func(err error) bool { return !countsAgainstBreaker(err) }
	return cfg
}

// NewStore creates a store. A nil breaker gets one built from BreakerConfig.
func NewStore(pool *pgxpool.Pool, cfg StoreConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.EventsTopic == "" {
		cfg.EventsTopic = DefaultEventsTopic
	}
	if breaker == nil {
		var err error
		breaker, err = circuitbreaker.New(BreakerConfig("ward-db"), logger)
		if err != nil {
			return nil, err
		}
	}
	return &Store{
		pool:    pool,
		config:  cfg,
		breaker: breaker,
		logger:  logger,
		tracer:  otel.Tracer("postgres-store"),
	}, nil
}

// Pool exposes the underlying pool for the outbox and inbox.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks the database through the breaker.
func (s *Store) Ping(ctx context.Context) error {
	return s.guard(ctx, "ping", func(ctx context.Context) error {
		return s.pool.Ping(ctx)
	})
}

// guard runs fn in a span, through the breaker, with its error classified.
func (s *Store) guard(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "postgres."+op,
		trace.WithAttributes(attribute.String("db.system", "postgresql")))
	defer span.End()

	err := s.breaker.Run(ctx, func(ctx context.Context) error {
		return classify(fn(ctx))
	})
	if err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, dosing.Kind(err))
	}
	return err
}

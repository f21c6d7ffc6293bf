// Package main provides the outbox relay service entry point.
// It publishes committed administration events to the broker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/epis/medadmin/internal/config"
	"github.com/epis/medadmin/internal/infrastructure/postgres"
	"github.com/epis/medadmin/internal/infrastructure/redpanda"
	"github.com/epis/medadmin/internal/observability/logging"
	"github.com/epis/medadmin/internal/observability/metrics"
	"github.com/epis/medadmin/internal/observability/tracing"
)

const (
	serviceName         = "outbox-relay"
	maintenanceInterval = time.Minute
	processedRetention  = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Must("info", "json").Fatal("failed to load config", zap.Error(err))
	}

	logger := logging.Must(cfg.LogLevel, cfg.LogFormat).With(zap.String("service", serviceName))
	defer logger.Sync()

	if cfg.InMemory() {
		logger.Fatal("DATABASE_URL is required for the outbox relay")
	}
	pollInterval, err := cfg.PollInterval()
	if err != nil {
		logger.Fatal("invalid OUTBOX_POLL_INTERVAL", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
	poolCfg.MaxConns = cfg.DBMaxConns
	pool, err := postgres.Connect(ctx, poolCfg, logger)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()

	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", producerCfg.Brokers))

	m := metrics.New(prometheus.NewRegistry())

	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.PollInterval = pollInterval
	outbox := postgres.NewOutbox(pool, &countingPublisher{producer: producer, published: m.OutboxPublished}, outboxCfg, logger)

	outbox.Start()
	logger.Info("outbox relay started")

	maintenanceDone := make(chan struct{})
	go func() {
		defer close(maintenanceDone)
		maintain(ctx, outbox, m, logger)
	}()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           opsRouter(pool, producer, m),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server error", zap.Error(err))
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	outbox.Stop()
	<-maintenanceDone
	stats := producer.Stats()
	logger.Info("outbox relay stopped",
		zap.Int64("messages_sent", stats.MessagesSent),
		zap.Int64("bytes_sent", stats.BytesSent),
		zap.Int64("errors", stats.ErrorCount))
}

// maintain dead-letters exhausted entries, prunes published ones and keeps
// the outbox gauges current.
func maintain(ctx context.Context, outbox *postgres.Outbox, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := outbox.MoveToDeadLetter(ctx); err != nil {
			logger.Error("dead-letter sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Warn("outbox entries moved to dead letter", zap.Int64("count", n))
		}
		if n, err := outbox.CleanupProcessed(ctx, processedRetention); err != nil {
			logger.Error("outbox cleanup failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("published outbox entries pruned", zap.Int64("count", n))
		}

		stats, err := outbox.GetStats(ctx)
		if err != nil {
			logger.Error("outbox stats failed", zap.Error(err))
			continue
		}
		m.OutboxPending.Set(float64(stats.Pending))
		m.OutboxFailed.Set(float64(stats.Failed))
		if stats.OldestPending != nil {
			logger.Debug("outbox backlog",
				zap.Int64("pending", stats.Pending),
				zap.Duration("oldest_age", time.Since(*stats.OldestPending)))
		}
	}
}

func opsRouter(pool *pgxpool.Pool, producer *redpanda.Producer, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		if err := producer.Ping(ctx); err != nil {
			http.Error(w, "broker not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())
	return r
}

// countingPublisher counts successful publishes.
type countingPublisher struct {
	producer  *redpanda.Producer
	published prometheus.Counter
}

func (p *countingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := p.producer.Publish(ctx, topic, key, value); err != nil {
		return err
	}
	p.published.Inc()
	return nil
}

// Package main provides the ward summary service entry point.
// It consumes administration events and projects per-patient day summaries.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/epis/medadmin/internal/config"
	"github.com/epis/medadmin/internal/domain/dosing"
	"github.com/epis/medadmin/internal/infrastructure/postgres"
	"github.com/epis/medadmin/internal/infrastructure/redpanda"
	"github.com/epis/medadmin/internal/observability/logging"
	"github.com/epis/medadmin/internal/observability/metrics"
	"github.com/epis/medadmin/internal/observability/tracing"
	"github.com/epis/medadmin/internal/projection"
	"github.com/epis/medadmin/pkg/circuitbreaker"
	"github.com/epis/medadmin/pkg/idempotency"
)

const serviceName = "ward-summary-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Must("info", "json").Fatal("failed to load config", zap.Error(err))
	}

	logger := logging.Must(cfg.LogLevel, cfg.LogFormat).With(zap.String("service", serviceName))
	defer logger.Sync()

	if cfg.InMemory() {
		logger.Fatal("DATABASE_URL is required for the summary service")
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

	m := metrics.New(prometheus.NewRegistry())

	// Create circuit breaker manager
	cbManager := circuitbreaker.NewManager(logger)
	bcfg := postgres.BreakerConfig("ward-db")
	bcfg.OnStateChange = m.SetBreakerState
	breaker, err := cbManager.GetOrCreate("ward-db", bcfg)
	if err != nil {
		logger.Fatal("failed to create circuit breaker", zap.Error(err))
	}

	store, err := postgres.NewStore(pool, postgres.StoreConfig{Location: cfg.Location()}, breaker, logger)
	if err != nil {
		logger.Fatal("failed to create store", zap.Error(err))
	}

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.IsTerminal = projection.IsTerminal
	inbox := idempotency.NewInbox(idempotency.NewPostgresStore(pool), inboxCfg, logger)
	if n, err := inbox.RecoverStaleEntries(ctx); err != nil {
		logger.Warn("inbox recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered stale inbox entries", zap.Int64("count", n))
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	resolver := dosing.NewResolver(store, store, logger)

	projCfg := projection.DefaultConfig()
	projCfg.Workers = cfg.SummaryWorkers
	projector, err := projection.New(resolver, store, inbox, projCfg, m, logger)
	if err != nil {
		logger.Fatal("projector creation failed", zap.Error(err))
	}
	defer projector.Close()

	// Create consumer
	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()

	consumer, err := redpanda.NewConsumer(consumerCfg, projector.HandleBatch, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("ward summary service started",
		zap.Strings("topics", consumerCfg.Topics),
		zap.String("group", consumerCfg.GroupID),
		zap.Int("workers", projCfg.Workers))

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil || !cbManager.Healthy() || !projector.Healthy() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
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
	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	stats := consumer.Stats()
	logger.Info("consumer stopped",
		zap.Int64("messages_read", stats.MessagesRead),
		zap.Int64("batch_failures", stats.BatchFailures),
		zap.Time("last_commit", stats.LastCommitTime))
	logger.Info("ward summary service stopped")
}

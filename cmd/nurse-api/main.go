// Package main provides the nurse API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/epis/medadmin/internal/api"
	"github.com/epis/medadmin/internal/config"
	"github.com/epis/medadmin/internal/infrastructure/postgres"
	"github.com/epis/medadmin/internal/observability/logging"
	"github.com/epis/medadmin/internal/observability/metrics"
	"github.com/epis/medadmin/internal/observability/tracing"
	"github.com/epis/medadmin/pkg/circuitbreaker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Must("info", "json").Fatal("failed to load config", zap.Error(err))
	}

	logger := logging.Must(cfg.LogLevel, cfg.LogFormat)
	defer logger.Sync()

	apiKeys, err := cfg.ParsedAPIKeys()
	if err != nil {
		logger.Fatal("invalid API_KEYS", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(api.ServiceName)
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("failed to init tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(prometheus.NewRegistry())
	breakers := circuitbreaker.NewManager(logger)

	opts := api.Options{
		Location:        cfg.Location(),
		AllowOutOfRange: cfg.AllowOutOfRangeRecording,
		APIKeys:         apiKeys,
		Metrics:         m,
		Breakers:        breakers,
		Logger:          logger,
	}

	if !cfg.InMemory() {
		poolCfg := postgres.DefaultPoolConfig(cfg.DatabaseURL)
		poolCfg.MaxConns = cfg.DBMaxConns
		pool, err := postgres.Connect(ctx, poolCfg, logger)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		bcfg := postgres.BreakerConfig("ward-db")
		bcfg.OnStateChange = m.SetBreakerState
		breaker, err := breakers.GetOrCreate("ward-db", bcfg)
		if err != nil {
			logger.Fatal("failed to create circuit breaker", zap.Error(err))
		}

		store, err := postgres.NewStore(pool, postgres.StoreConfig{
			Location:    cfg.Location(),
			EventsTopic: postgres.DefaultEventsTopic,
		}, breaker, logger)
		if err != nil {
			logger.Fatal("failed to create store", zap.Error(err))
		}
		opts.Stores = store
		opts.Ready = store.Ping
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(opts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting nurse API",
		zap.String("port", cfg.Port),
		zap.String("ward_timezone", cfg.Location().String()),
		zap.Bool("in_memory", cfg.InMemory()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("server stopped")
}

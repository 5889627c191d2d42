// Command relay persists telemetry events published to Kafka.
//
// Ingest instances configured with the kafka sink publish event batches to
// a topic instead of writing PostgreSQL directly; the relay consumes those
// batches and writes them to the event store. Failed writes are not
// committed, so Kafka redelivers the batch.
//
// Usage:
//
//	go run ./cmd/relay [-config configs/development.yaml]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/indexwatch/indexwatch/internal/relay"
	storepg "github.com/indexwatch/indexwatch/internal/store/postgres"
	"github.com/indexwatch/indexwatch/pkg/config"
	"github.com/indexwatch/indexwatch/pkg/health"
	"github.com/indexwatch/indexwatch/pkg/kafka"
	"github.com/indexwatch/indexwatch/pkg/logger"
	"github.com/indexwatch/indexwatch/pkg/metrics"
	"github.com/indexwatch/indexwatch/pkg/postgres"
	"github.com/indexwatch/indexwatch/pkg/resilience"
)

// main connects to PostgreSQL, starts the Kafka consumer loop, and serves
// health endpoints. Graceful shutdown is triggered by SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting relay service", "topic", cfg.Kafka.Topics.TelemetryEvents)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	var db *postgres.Client
	if err := resilience.Retry(ctx, "postgres-connect", resilience.RetryConfig{}, func() error {
		var connErr error
		db, connErr = postgres.New(cfg.Postgres)
		return connErr
	}); err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to postgres")

	eventStore := storepg.NewEventStore(db)
	if err := eventStore.Migrate(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	consumer := relay.New(kafka.NewConsumer(
		cfg.Kafka,
		cfg.Kafka.Topics.TelemetryEvents,
		relay.HandleBatch(eventStore, m),
	))

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := db.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("health server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
		slog.Error("consumer error", "error", err)
		os.Exit(1)
	}

	slog.Info("relay service stopped")
}

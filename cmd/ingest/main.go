// Command ingest starts the telemetry ingest HTTP service.
//
// Remote indexing pipelines report lifecycle events via POST /api/v1/events
// and close their runs via POST /api/v1/sessions/{id}/end. Events are
// buffered in memory and flushed in batches to the configured sink, either
// straight to PostgreSQL or to a Kafka topic for the relay service. Each
// event is also checked against the cross-session race index before it is
// buffered.
//
// Usage:
//
//	go run ./cmd/ingest [-config configs/development.yaml]
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

	"github.com/indexwatch/indexwatch/internal/ingest/buffer"
	"github.com/indexwatch/indexwatch/internal/ingest/handler"
	"github.com/indexwatch/indexwatch/internal/race"
	"github.com/indexwatch/indexwatch/internal/relay"
	storepg "github.com/indexwatch/indexwatch/internal/store/postgres"
	"github.com/indexwatch/indexwatch/pkg/config"
	"github.com/indexwatch/indexwatch/pkg/health"
	"github.com/indexwatch/indexwatch/pkg/kafka"
	"github.com/indexwatch/indexwatch/pkg/logger"
	"github.com/indexwatch/indexwatch/pkg/metrics"
	"github.com/indexwatch/indexwatch/pkg/middleware"
	"github.com/indexwatch/indexwatch/pkg/postgres"
	"github.com/indexwatch/indexwatch/pkg/redis"
	"github.com/indexwatch/indexwatch/pkg/resilience"
)

// main loads configuration, connects to PostgreSQL (and Redis when the race
// index uses it), wires the buffer, detector, and handler, and serves the
// HTTP API. Graceful shutdown is triggered by SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting ingest service", "port", cfg.Server.Port, "sink", cfg.Ingest.Sink)

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
	correlationStore := storepg.NewCorrelationStore(db)

	// The race index prefers Redis so concurrent ingest replicas share
	// sightings; without Redis each replica only sees its own traffic.
	var raceIndex race.Index
	var redisClient *redis.Client
	if cfg.Race.Index == "redis" {
		redisClient, err = redis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, race index degraded to in-process", "error", err)
			raceIndex = race.NewMemoryIndex(cfg.Race.Window)
		} else {
			defer redisClient.Close()
			raceIndex = race.NewRedisIndex(redisClient, cfg.Race.Window)
		}
	} else {
		raceIndex = race.NewMemoryIndex(cfg.Race.Window)
	}
	detector := race.NewDetector(raceIndex, correlationStore, cfg.Race, m)

	var sink buffer.Sink = eventStore
	sinkName := "postgres"
	if cfg.Ingest.Sink == "kafka" {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.TelemetryEvents)
		defer producer.Close()
		sink = relay.NewKafkaSink(producer)
		sinkName = "kafka"
		slog.Info("kafka sink initialized", "topic", cfg.Kafka.Topics.TelemetryEvents)
	}

	buf := buffer.New(sink, sinkName, cfg.Ingest, m)
	buf.Start(ctx)
	defer buf.Close()

	h := handler.New(buf, detector, cfg.Ingest)

	checker := health.NewChecker()
	checker.Register("postgres", postgresCheck(db))
	if redisClient != nil {
		checker.Register("redis", redisCheck(redisClient))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/events", h.Track)
	mux.HandleFunc("POST /api/v1/sessions/{id}/end", h.EndSession)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.WriteTimeout)(chain)
	chain = middleware.CORS(middleware.DefaultCORSConfig())(chain)
	if m != nil {
		chain = middleware.Metrics(m)(chain)
	}
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("ingest service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ingest service stopped")
}

func postgresCheck(db *postgres.Client) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if err := db.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	}
}

func redisCheck(client *redis.Client) health.Check {
	return func(ctx context.Context) health.ComponentHealth {
		if err := client.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	}
}

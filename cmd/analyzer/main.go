// Command analyzer starts the read-side analysis HTTP service.
//
// It answers operator queries over the stored telemetry: session summaries,
// missing-item reports, per-item timelines, session diffs, recorded race
// correlations, and CSV exports. It also runs the retention sweeper that
// deletes events past their TTL.
//
// Usage:
//
//	go run ./cmd/analyzer [-config configs/development.yaml]
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

	"github.com/indexwatch/indexwatch/internal/analyze"
	"github.com/indexwatch/indexwatch/internal/retention"
	storepg "github.com/indexwatch/indexwatch/internal/store/postgres"
	"github.com/indexwatch/indexwatch/pkg/config"
	"github.com/indexwatch/indexwatch/pkg/health"
	"github.com/indexwatch/indexwatch/pkg/logger"
	"github.com/indexwatch/indexwatch/pkg/metrics"
	"github.com/indexwatch/indexwatch/pkg/middleware"
	"github.com/indexwatch/indexwatch/pkg/postgres"
	"github.com/indexwatch/indexwatch/pkg/redis"
	"github.com/indexwatch/indexwatch/pkg/resilience"
)

// main connects to PostgreSQL and (optionally) Redis, wires the analyzer,
// summary cache, and retention sweeper, and serves the HTTP API. Graceful
// shutdown is triggered by SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting analyzer service", "port", cfg.Server.Port)

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

	analyzer := analyze.New(eventStore, correlationStore)

	// Summary caching degrades gracefully: without Redis every summary
	// request re-scans the session's events.
	var cache *analyze.SummaryCache
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		slog.Warn("redis unavailable, summary cache disabled", "error", err)
	} else {
		defer redisClient.Close()
		cache = analyze.NewSummaryCache(redisClient, cfg.Analyzer.SummaryCacheTTL, m)
	}

	sweeper := retention.NewSweeper(analyzer, cache, cfg.Retention.TTL, cfg.Retention.SweepInterval, m)
	go sweeper.Start(ctx)

	h := analyze.NewHandler(analyzer, cache, cfg.Analyzer, cfg.Race, cfg.Retention.TTL)

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := db.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	if redisClient != nil {
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := redisClient.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/sessions", h.ListSessions)
	mux.HandleFunc("GET /api/v1/sessions/compare", h.Compare)
	mux.HandleFunc("GET /api/v1/sessions/{id}/summary", h.Summary)
	mux.HandleFunc("POST /api/v1/sessions/{id}/missing", h.Missing)
	mux.HandleFunc("GET /api/v1/sessions/{id}/items/{item}/timeline", h.Timeline)
	mux.HandleFunc("GET /api/v1/sessions/{id}/export", h.Export)
	mux.HandleFunc("GET /api/v1/races", h.Races)
	mux.HandleFunc("POST /api/v1/admin/purge", h.Purge)
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

	slog.Info("analyzer service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	<-sweeper.Done()
	slog.Info("analyzer service stopped")
}

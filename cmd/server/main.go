package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/timeweave/timeweave/internal/api"
	"github.com/timeweave/timeweave/internal/auth"
	"github.com/timeweave/timeweave/internal/config"
	"github.com/timeweave/timeweave/internal/fingerprint"
	"github.com/timeweave/timeweave/internal/gate"
	"github.com/timeweave/timeweave/internal/logging"
	"github.com/timeweave/timeweave/internal/merge"
	"github.com/timeweave/timeweave/internal/metrics"
	"github.com/timeweave/timeweave/internal/parse"
	"github.com/timeweave/timeweave/internal/pipeline"
	"github.com/timeweave/timeweave/internal/provider"
	"github.com/timeweave/timeweave/internal/server"
	"github.com/timeweave/timeweave/internal/storage"
	"github.com/timeweave/timeweave/internal/timeplan"
	"github.com/timeweave/timeweave/internal/upstream"
	"log/slog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		slog.New(slog.NewJSONHandler(os.Stdout, nil)).Error("failed to init logger", "error", err)
		os.Exit(1)
	}

	logger.Info("starting timeweave")

	// Connect to database. Without one the service still runs, using the
	// in-memory store (no persistence, no historical fallback across restarts).
	var eventStore storage.EventStore
	var historical storage.HistoricalRepository

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		logger.Info("connecting to database")
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.Ping(); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		logger.Info("database connected")

		store := storage.NewPostgresStore(db)
		eventStore = store
		historical = store
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		store := storage.NewMemoryStore()
		eventStore = store
		historical = store
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		logger.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}

	// Circuit breakers, one per provider, with state exported to metrics.
	breakers := provider.NewRegistry(provider.DefaultBreakerConfig())
	breakers.OnStateChange = func(name string, state provider.State) {
		logger.Info("circuit state change", "provider", name, "state", state.String())
		collector.SetCircuitState(name, int(state))
	}

	selector := provider.NewSelector(cfg.Providers, breakers, logger)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fingerprints := fingerprint.NewCache(cfg.Pipeline.FingerprintTTL, logger)
	fingerprints.StartSweeper(rootCtx, cfg.Pipeline.SweepInterval)

	synthetic := gate.NewSynthetic()

	caller := upstream.NewCaller(
		cfg.Providers,
		selector,
		breakers,
		upstream.DefaultRetryPolicy(),
		fingerprints,
		historical,
		synthetic,
		collector,
		logger,
	)

	taskRegistry := pipeline.NewTaskRegistry(time.Hour)

	orchestrator := pipeline.NewOrchestrator(
		cfg.Pipeline,
		timeplan.NewPlanner(cfg.Pipeline.MaxSpanDays),
		caller,
		parse.NewParser(logger),
		merge.NewMerger(cfg.Pipeline.TitleSimilarity, logger),
		gate.NewGate(historical, synthetic, logger),
		fingerprints,
		eventStore,
		taskRegistry,
		collector,
		logger,
	)

	// Setup HTTP routes
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	authConfig := auth.LoadConfigFromEnv()
	logger.Info("auth configured", "jwt_secret_set", authConfig.JWTSecret != "change-this-secret")

	logger.Info("setting up REST API")
	api.SetupRoutes(mux, orchestrator, taskRegistry, breakers, collector, authConfig, logger)

	srv := server.New(cfg.Server, logger, collector.InstrumentHandler(mux))

	go func() {
		logger.Info("starting server", "port", cfg.Server.Port)
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	logger.Info("timeweave started successfully")
	logger.Info("API available", "url", fmt.Sprintf("http://localhost:%s", cfg.Server.Port))

	waitForSignal(logger)

	logger.Info("shutting down")
	cancel()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

func waitForSignal(logger *slog.Logger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	sig := <-c
	logger.Info("received signal", "signal", sig.String())
	signal.Stop(c)
	close(c)
}

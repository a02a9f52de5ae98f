package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/opensource-finance/surveil/internal/api"
	"github.com/opensource-finance/surveil/internal/bus"
	"github.com/opensource-finance/surveil/internal/cache"
	"github.com/opensource-finance/surveil/internal/config"
	"github.com/opensource-finance/surveil/internal/domain"
	"github.com/opensource-finance/surveil/internal/expr"
	"github.com/opensource-finance/surveil/internal/metrics"
	"github.com/opensource-finance/surveil/internal/repository"
	"github.com/opensource-finance/surveil/internal/resolver"
	"github.com/opensource-finance/surveil/internal/schema"
	"github.com/opensource-finance/surveil/internal/scoring"
	"github.com/opensource-finance/surveil/internal/worker"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and, when enabled, the async evaluation worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SURVEIL_CONFIG"), "path to a YAML config file")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return err
	}

	level, _ := config.ParseLevel(cfg.Logging.Level)
	logger := newLogger(os.Stdout, level, cfg.Logging.Format)
	if cfg.Tracing.ServiceName != "" {
		logger = logger.With("service", cfg.Tracing.ServiceName)
	}
	slog.SetDefault(logger)

	if cfg.Tracing.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	slog.Info("starting surveil",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"resolution_cache", cfg.Engine.ResolutionCacheEnabled,
		"resolution_ttl", cfg.Engine.ResolutionCacheTTL.String(),
	)

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		return err
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		return err
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	m := metrics.New()

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus, m)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		return err
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Engine
	exprs, err := expr.NewEngine()
	if err != nil {
		slog.Error("failed to initialize expression engine", "error", err)
		return err
	}

	schemas, err := schema.New()
	if err != nil {
		slog.Error("failed to compile document schemas", "error", err)
		return err
	}

	var (
		res         resolver.Resolver = resolver.NewService(m)
		invalidator *resolver.CachedService
	)
	if cfg.Engine.ResolutionCacheEnabled {
		invalidator, err = resolver.NewCachedService(res, cacheImpl, cfg.Engine.ResolutionCacheTTL, m)
		if err != nil {
			slog.Error("failed to initialize resolution cache", "error", err)
			return err
		}
		res = invalidator
	}

	aggregator := scoring.NewAggregator(scoring.NewScorer(res, exprs), m, 0)
	slog.Info("engine initialized", "resolution_cache", invalidator != nil)

	deps := api.Deps{
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Resolver:   res,
		Aggregator: aggregator,
		Schemas:    schemas,
		Exprs:      exprs,
		Metrics:    m,
		Version:    Version,
	}
	if invalidator != nil {
		deps.Invalidator = invalidator
	}

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if cfg.Engine.AsyncWorker {
		var inv worker.Invalidator
		if invalidator != nil {
			inv = invalidator
		}
		asyncWorker = worker.NewWorker(busImpl, repo, aggregator, inv)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Engine.Tenants}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Engine.Tenants))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, deps)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	slog.Info("surveil is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal or a server failure
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serveErr:
		slog.Error("server failed", "error", err)
		return err
	}

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	grace := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("surveil shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 SURVEIL                   |")
	fmt.Println("  |     Explainable Surveillance Scoring      |")
	fmt.Println("  |     Every alert comes with its reasons.   |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /settings                 - List settings")
	fmt.Println("    POST /settings                 - Create a setting")
	fmt.Println("    PUT  /settings/{id}            - Replace a setting")
	fmt.Println("    DELETE /settings/{id}          - Delete a setting")
	fmt.Println("    POST /settings/{id}/resolve    - Resolve a setting for a context")
	fmt.Println("    POST /score-steps/validate     - Inspect a score-step table")
	fmt.Println("    POST /score-steps/evaluate     - Score a value against a table")
	fmt.Println("    GET  /models                   - List detection models")
	fmt.Println("    POST /models                   - Create a detection model")
	fmt.Println("    POST /models/{id}/evaluate     - Evaluate a model and trace the alert")
	fmt.Println("    GET  /models/{id}/alerts       - List alert traces of a model")
	fmt.Println("    GET  /alerts/{id}              - Get an alert trace")
	fmt.Println("    GET  /health, /ready, /metrics - Operations")
	fmt.Println()
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/chainloom/subgraph-mirror/internal/alert"
	"github.com/chainloom/subgraph-mirror/internal/chain"
	"github.com/chainloom/subgraph-mirror/internal/config"
	"github.com/chainloom/subgraph-mirror/internal/orchestrator"
	"github.com/chainloom/subgraph-mirror/internal/reorg"
	"github.com/chainloom/subgraph-mirror/internal/schema"
	"github.com/chainloom/subgraph-mirror/internal/store/postgres"
	"github.com/chainloom/subgraph-mirror/internal/strategy"
	"github.com/chainloom/subgraph-mirror/internal/subgraph"
	"github.com/chainloom/subgraph-mirror/internal/syncer"
)

const migrationsDir = "migrations"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting subgraph-mirror",
		"chain_rpc", cfg.Chain.RPCURL,
		"manifest", cfg.Sync.ManifestPath,
		"poll_interval", cfg.Sync.PollInterval,
	)

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database")

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	manifest, err := schema.LoadManifest(cfg.Sync.ManifestPath)
	if err != nil {
		logger.Error("failed to load manifest", "error", err, "path", cfg.Sync.ManifestPath)
		os.Exit(1)
	}
	schemas, err := manifest.Schemas()
	if err != nil {
		logger.Error("invalid entity schemas", "error", err)
		os.Exit(1)
	}
	graph, err := schema.Build(schemas)
	if err != nil {
		logger.Error("invalid schema graph", "error", err)
		os.Exit(1)
	}
	registry, err := subgraph.NewRegistry(manifest.Providers)
	if err != nil {
		logger.Error("invalid provider registry", "error", err)
		os.Exit(1)
	}
	logger.Info("manifest loaded",
		"entities", len(schemas),
		"providers", len(registry.All()),
	)

	client := subgraph.NewClient(graph, logger,
		subgraph.WithRateLimit(rate.Limit(cfg.Sync.RateLimitPerSec), cfg.Sync.RateBurst),
	)

	chainClient := chain.NewClient(cfg.Chain.RPCURL, logger)
	header := chain.NewCachedHeaderReader(chainClient, cfg.Chain.HeaderCacheSize, cfg.Chain.HeaderCacheTTL)

	var alerter alert.Alerter = &alert.NoopAlerter{}
	if cfg.Alert.WebhookURL != "" {
		alerter = alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}

	entityRepo := postgres.NewEntityRepo(db.DB)
	blockLog := postgres.NewBlockChangeLogRepo(db.DB)
	entityLog := postgres.NewEntityChangeLogRepo(db.DB)
	checkpoints := postgres.NewCheckpointRepo(db.DB)

	sync := syncer.New(graph, registry, client, entityRepo, logger)

	var strategies []strategy.Strategy
	lock := reorg.NewLock()
	var cleanups []*reorg.Cleanup
	for _, provider := range registry.All() {
		strategies = append(strategies, strategy.NewEntitySync(
			provider.Name+"_entity_sync",
			provider.Endpoint,
			provider.Entities,
			provider.MaxRowsPerRequest,
			sync,
		))
		cleanups = append(cleanups, reorg.NewCleanup(
			graph, provider, sync, header,
			entityRepo, blockLog, entityLog, checkpoints,
			db.DB, lock, alerter, logger,
		))
	}

	orch := orchestrator.New(
		header,
		strategy.NewExecutor(client, logger),
		strategies,
		reorg.NewSet(cleanups...),
		blockLog, entityLog, checkpoints,
		db.DB, logger,
		orchestrator.WithPollInterval(cfg.Sync.PollInterval),
		orchestrator.WithAlerter(alerter),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gCtx)
	})
	g.Go(func() error {
		return runMetricsServer(gCtx, cfg.Server.MetricsPort, logger)
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("mirror stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("mirror shut down")
}

func runMetricsServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown error", "error", err)
		}
	}()

	logger.Info("metrics server listening", "port", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

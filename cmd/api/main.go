package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/receipthq/reconcile/internal/adapters/connectors"
	"github.com/receipthq/reconcile/internal/adapters/connectors/bankfeed"
	"github.com/receipthq/reconcile/internal/adapters/connectors/fileimport"
	"github.com/receipthq/reconcile/internal/adapters/connectors/mailbox"
	"github.com/receipthq/reconcile/internal/api"
	"github.com/receipthq/reconcile/internal/application/service"
	appsync "github.com/receipthq/reconcile/internal/application/sync"
	"github.com/receipthq/reconcile/internal/domain/candidates"
	"github.com/receipthq/reconcile/internal/domain/decision"
	"github.com/receipthq/reconcile/internal/domain/scoring"
	"github.com/receipthq/reconcile/internal/infrastructure/config"
	"github.com/receipthq/reconcile/internal/infrastructure/logging"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
	"github.com/receipthq/reconcile/internal/ingest"
)

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	flag.Parse()

	cfg := config.LoadOrEnvWithPath(*configFile)
	logger := logging.NewLogger(cfg.Observability.Logging)

	store, err := storage.NewStorage(cfg.Storage.DatabasePath)
	if err != nil {
		logger.Error("Failed to initialize storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	tolerance, err := decimal.NewFromString(cfg.Matching.AmountTolerance)
	if err != nil {
		logger.Error("Invalid amount_tolerance", slog.String("value", cfg.Matching.AmountTolerance))
		os.Exit(1)
	}

	scorer := scoring.NewScorer(scoring.Config{
		MerchantFloor:   cfg.Matching.MerchantFloor,
		AmountTolerance: tolerance,
		DateWindowDays:  cfg.Matching.DateWindowDays,
	})
	generator := candidates.NewGenerator(store, cfg.Matching.DateWindowDays, tolerance)
	engine := decision.NewEngine(store, generator, scorer, decision.Config{
		AutoApproveThreshold: cfg.Matching.AutoApproveThreshold,
		ReviewTopK:           cfg.Matching.ReviewTopK,
		RescoreWorkers:       cfg.Matching.RescoreWorkers,
	}, logger)

	objects, err := ingest.NewFilesystemStore(cfg.Ingest.ObjectStoreDir)
	if err != nil {
		logger.Error("Failed to initialize object store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	ingestSvc := ingest.NewService(store, objects, logger)

	conns := buildConnectors(cfg, logger)

	orchestrator := appsync.NewOrchestrator(store, ingestSvc, appsync.Config{
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		MaxAttempts:   cfg.Sync.MaxAttempts,
		BackoffBase:   cfg.Sync.BackoffBase,
		BackoffMax:    cfg.Sync.BackoffMax,
		PageSize:      cfg.Sync.PageSize,
	}, logger)

	syncService := service.NewSyncService(orchestrator, conns, engine, logger)
	syncService.StartBackgroundCleanup(5 * time.Minute)
	defer syncService.StopBackgroundCleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Directory import runs alongside the API when a watch dir is set.
	if cfg.Ingest.ImportWatchDir != "" {
		watcher, err := fileimport.NewWatcher(cfg.Ingest.ImportWatchDir, ingestSvc, logger)
		if err != nil {
			logger.Error("Failed to initialize import watcher", slog.String("error", err.Error()))
			os.Exit(1)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("Import watcher stopped", slog.String("error", err.Error()))
			}
		}()
	}

	server := api.NewServer(api.Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, store, engine, ingestSvc, syncService, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", slog.String("error", err.Error()))
	}
}

func buildConnectors(cfg *config.Config, logger *slog.Logger) []connectors.Connector {
	var conns []connectors.Connector
	for _, cc := range cfg.Connections {
		if !cc.Enabled {
			continue
		}
		switch cc.Kind {
		case "bank":
			conns = append(conns, bankfeed.New(cc.ID, cc.BaseURL, cc.Token, logger))
		case "email":
			conns = append(conns, mailbox.New(cc.ID, cc.BaseURL, cc.Token, logger))
		default:
			logger.Warn("Unknown connection kind, skipping",
				slog.String("connection_id", cc.ID),
				slog.String("kind", cc.Kind),
			)
		}
	}
	return conns
}

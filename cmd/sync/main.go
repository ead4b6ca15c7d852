// Command sync runs a one-shot sync of every enabled connection, then
// re-evaluates unmatched transactions against the receipt pool. Meant
// for cron and for manual backfills; the API server runs the same
// pipeline on demand.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/shopspring/decimal"

	"github.com/receipthq/reconcile/internal/adapters/connectors"
	"github.com/receipthq/reconcile/internal/adapters/connectors/bankfeed"
	"github.com/receipthq/reconcile/internal/adapters/connectors/mailbox"
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
	var (
		configFile = flag.String("config", "config.yaml", "Configuration file path")
		connection = flag.String("connection", "", "Specific connection to sync (empty = all)")
		skipMatch  = flag.Bool("skip-match", false, "Sync only, skip match re-evaluation")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logCfg := config.LoggingConfig{Level: "info", Format: "text"}
	if *verbose {
		logCfg.Level = "debug"
	}
	logger := logging.NewLogger(logCfg)

	cfg := config.LoadOrEnvWithPath(*configFile)

	store, err := storage.NewStorage(cfg.Storage.DatabasePath)
	if err != nil {
		logger.Error("Failed to initialize storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	objects, err := ingest.NewFilesystemStore(cfg.Ingest.ObjectStoreDir)
	if err != nil {
		logger.Error("Failed to initialize object store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	ingestSvc := ingest.NewService(store, objects, logger)

	orchestrator := appsync.NewOrchestrator(store, ingestSvc, appsync.Config{
		MaxConcurrent: cfg.Sync.MaxConcurrent,
		MaxAttempts:   cfg.Sync.MaxAttempts,
		BackoffBase:   cfg.Sync.BackoffBase,
		BackoffMax:    cfg.Sync.BackoffMax,
		PageSize:      cfg.Sync.PageSize,
	}, logger)

	conns := selectConnections(cfg, *connection, logger)
	if len(conns) == 0 {
		logger.Error("No enabled connections to sync")
		os.Exit(1)
	}

	logger.Info("Starting sync",
		slog.Int("connections", len(conns)),
		slog.Bool("skip_match", *skipMatch),
	)

	ctx := context.Background()
	results := orchestrator.SyncAll(ctx, conns)

	added := 0
	failed := false
	for _, r := range results {
		fmt.Printf("%-20s %-10s pages=%d added=%d duplicates=%d quarantined=%d errors=%d\n",
			r.ConnectionID, r.Status, r.Pages, r.Added, r.Duplicates, r.Quarantined, r.Errors)
		added += r.Added
		if r.Status == storage.RunStatusFailed {
			failed = true
		}
	}

	if !*skipMatch && added > 0 {
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

		if err := engine.Reevaluate(ctx); err != nil {
			logger.Error("Match re-evaluation failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Match re-evaluation completed")
	}

	if failed {
		os.Exit(1)
	}
	logger.Info("Sync completed")
}

func selectConnections(cfg *config.Config, only string, logger *slog.Logger) []connectors.Connector {
	var conns []connectors.Connector
	for _, cc := range cfg.Connections {
		if !cc.Enabled {
			continue
		}
		if only != "" && cc.ID != only {
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

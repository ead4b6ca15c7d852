// Package sync drives ingestion from source connections: page loops
// with durable cursors, retry with backoff, quarantine accounting, and
// the re-evaluation trigger after batches that added records.
package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/receipthq/reconcile/internal/adapters/connectors"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
)

// Orchestrator runs sync for one or many connections. Cancellation is
// honored at page boundaries so a stopped sync never leaves a
// half-persisted page behind an advanced cursor.
type Orchestrator struct {
	store    Store
	ingestor Ingestor
	cfg      Config
	logger   *slog.Logger
}

// NewOrchestrator creates an orchestrator, filling in production
// defaults for zero-valued config fields.
func NewOrchestrator(store Store, ingestor Ingestor, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return &Orchestrator{store: store, ingestor: ingestor, cfg: cfg, logger: logger}
}

// RunSync pulls one connection to the end of its stream, resuming from
// the durable cursor. The cursor only advances after a page has been
// persisted through the dedup layer, so an interrupted sync replays at
// most one page and dedup absorbs the overlap.
func (o *Orchestrator) RunSync(ctx context.Context, conn connectors.Connector) (*Result, error) {
	runID, err := o.store.StartSyncRun(conn.ID())
	if err != nil {
		return nil, fmt.Errorf("start sync run: %w", err)
	}

	result := &Result{ConnectionID: conn.ID(), Status: storage.RunStatusCompleted}
	log := o.logger.With("connection_id", conn.ID())

	cur, err := o.store.GetCursor(conn.ID())
	if err != nil {
		result.Status = storage.RunStatusFailed
		o.finish(runID, result)
		return result, err
	}
	cursor := cur.Cursor

	for {
		if err := ctx.Err(); err != nil {
			result.Status = storage.RunStatusCancelled
			o.finish(runID, result)
			return result, err
		}

		page, err := o.fetchWithRetry(ctx, conn, cursor)
		if err != nil {
			status, runStatus := classifyFailure(ctx, err)
			result.Status = runStatus
			if serr := o.store.SetConnectionStatus(conn.ID(), status, err.Error()); serr != nil {
				log.Error("record connection status", "error", serr)
			}
			o.finish(runID, result)
			log.Error("sync halted", "status", runStatus, "error", err)
			return result, err
		}

		if err := o.persistPage(page, result); err != nil {
			// The failed record was never durably persisted; advancing the
			// cursor here would lose it forever, since the feed will not
			// re-send it. Fail the run and replay the page on the next sync.
			result.Status = storage.RunStatusFailed
			if serr := o.store.SetConnectionStatus(conn.ID(), storage.ConnectionDegraded, err.Error()); serr != nil {
				log.Error("record connection status", "error", serr)
			}
			o.finish(runID, result)
			log.Error("sync halted before cursor advance", "error", err)
			return result, err
		}
		result.Pages++
		result.Quarantined += page.Quarantined

		cursor = page.NextCursor
		if err := o.store.AdvanceCursor(conn.ID(), cursor, time.Now().UTC()); err != nil {
			result.Status = storage.RunStatusFailed
			o.finish(runID, result)
			return result, fmt.Errorf("advance cursor: %w", err)
		}

		if !page.HasMore {
			break
		}
	}

	if result.Quarantined > 0 {
		result.Status = storage.RunStatusDegraded
	}
	if err := o.store.SetConnectionStatus(conn.ID(), storage.ConnectionOK, ""); err != nil {
		log.Error("record connection status", "error", err)
	}
	o.finish(runID, result)

	log.Info("sync completed",
		"pages", result.Pages,
		"added", result.Added,
		"duplicates", result.Duplicates,
		"quarantined", result.Quarantined,
		"errors", result.Errors)
	return result, nil
}

// fetchWithRetry retries transient failures with exponential backoff.
// Auth failures and cancellation surface immediately.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, conn connectors.Connector, cursor string) (*connectors.Page, error) {
	backoff := o.cfg.BackoffBase
	var lastErr error

	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		page, err := conn.Fetch(ctx, cursor, o.cfg.PageSize)
		if err == nil {
			return page, nil
		}
		lastErr = err

		if connectors.IsAuth(err) || ctx.Err() != nil {
			return nil, err
		}
		if !connectors.IsTransient(err) {
			return nil, err
		}
		if attempt == o.cfg.MaxAttempts {
			break
		}

		o.logger.Warn("fetch failed, backing off",
			"connection_id", conn.ID(),
			"attempt", attempt,
			"backoff", backoff,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > o.cfg.BackoffMax {
			backoff = o.cfg.BackoffMax
		}
	}

	return nil, fmt.Errorf("fetch exhausted %d attempts: %w", o.cfg.MaxAttempts, lastErr)
}

// persistPage pushes a page through the dedup layer. A storage error
// stops the page at the failed record: those are retryable, not
// skippable, and the caller must not advance the cursor past them.
// Malformed-record skipping happens in the connectors, which report it
// through the page's quarantine count.
func (o *Orchestrator) persistPage(page *connectors.Page, result *Result) error {
	for _, tx := range page.Transactions {
		created, err := o.store.InsertTransactionIfAbsent(tx)
		if err != nil {
			result.Errors++
			return fmt.Errorf("persist transaction %s: %w", tx.ID, err)
		}
		if created {
			result.Added++
		} else {
			result.Duplicates++
		}
	}

	for _, doc := range page.Documents {
		out, err := o.ingestor.Ingest(doc)
		if err != nil {
			result.Errors++
			return fmt.Errorf("ingest document %s: %w", doc.Filename, err)
		}
		if out.Created {
			result.Added++
		} else {
			result.Duplicates++
		}
	}
	return nil
}

func (o *Orchestrator) finish(runID int64, result *Result) {
	err := o.store.CompleteSyncRun(runID, result.Added, result.Duplicates,
		result.Quarantined, result.Errors, result.Status)
	if err != nil {
		o.logger.Error("record sync run", "run_id", runID, "error", err)
	}
}

func classifyFailure(ctx context.Context, err error) (storage.ConnectionStatus, string) {
	switch {
	case connectors.IsAuth(err):
		return storage.ConnectionNeedsReauth, storage.RunStatusFailed
	case ctx.Err() != nil:
		return storage.ConnectionDegraded, storage.RunStatusCancelled
	default:
		return storage.ConnectionDegraded, storage.RunStatusFailed
	}
}

// SyncAll runs every connection, at most MaxConcurrent at a time. One
// connection failing never stops the others; the per-connection result
// carries its outcome. Results come back in input order.
func (o *Orchestrator) SyncAll(ctx context.Context, conns []connectors.Connector) []*Result {
	sem := make(chan struct{}, o.cfg.MaxConcurrent)
	results := make([]*Result, len(conns))
	done := make(chan struct{})

	for i, conn := range conns {
		go func(i int, conn connectors.Connector) {
			defer func() { done <- struct{}{} }()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := o.RunSync(ctx, conn)
			if err != nil && result == nil {
				result = &Result{ConnectionID: conn.ID(), Status: storage.RunStatusFailed}
			}
			results[i] = result
		}(i, conn)
	}

	for range conns {
		<-done
	}
	return results
}

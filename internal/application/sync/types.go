package sync

import (
	"time"

	"github.com/receipthq/reconcile/internal/adapters/connectors"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
	"github.com/receipthq/reconcile/internal/ingest"
)

// Store is the slice of the repository the orchestrator needs.
type Store interface {
	GetCursor(connectionID string) (*storage.SyncCursor, error)
	AdvanceCursor(connectionID, cursor string, at time.Time) error
	SetConnectionStatus(connectionID string, status storage.ConnectionStatus, lastError string) error
	StartSyncRun(connectionID string) (int64, error)
	CompleteSyncRun(runID int64, added, updated, quarantined, errCount int, status string) error
	InsertTransactionIfAbsent(tx *storage.Transaction) (bool, error)
}

// Ingestor funnels receipt documents through the dedup layer.
type Ingestor interface {
	Ingest(doc connectors.Document) (*ingest.Outcome, error)
}

// Config carries the orchestrator's retry and concurrency knobs.
type Config struct {
	// MaxConcurrent bounds how many connections sync at once.
	MaxConcurrent int

	// MaxAttempts is the per-page fetch attempt budget for transient
	// failures before the connection is marked degraded.
	MaxAttempts int

	// BackoffBase and BackoffMax shape the exponential backoff between
	// fetch attempts.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// PageSize is passed through to connectors.
	PageSize int
}

// Result summarizes one connection's sync.
type Result struct {
	ConnectionID string `json:"connection_id"`
	Pages        int    `json:"pages"`
	Added        int    `json:"added"`
	Duplicates   int    `json:"duplicates"`
	Quarantined  int    `json:"quarantined"`
	Errors       int    `json:"errors"`
	Status       string `json:"status"`
}

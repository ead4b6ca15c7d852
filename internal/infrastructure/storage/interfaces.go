package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Repository defines the complete storage interface.
// This interface allows swapping implementations (SQLite, PostgreSQL, etc.)
// and makes testing with mocks straightforward.
type Repository interface {
	TransactionRepository
	ReceiptRepository
	CursorRepository
	SyncRunRepository
	GetStats() (*Stats, error)
	Close() error
}

// TransactionRepository handles transaction persistence and the
// conditional match-state writes the decision engine relies on.
type TransactionRepository interface {
	// InsertTransactionIfAbsent inserts the transaction unless its ID
	// (the provider external id) already exists. Returns true when a row
	// was created; an existing row is never mutated.
	InsertTransactionIfAbsent(tx *Transaction) (bool, error)

	// GetTransaction retrieves a transaction by external ID.
	GetTransaction(id string) (*Transaction, error)

	// ListTransactions returns transactions matching the given filters.
	ListTransactions(f TransactionFilters) (*TransactionListResult, error)

	// ListRescorableIDs returns IDs of active transactions currently in
	// a state automated re-scoring may act on (unmatched/pending_review).
	ListRescorableIDs() ([]string, error)

	// LinkMatch atomically links transaction and receipt in one logical
	// operation. The write is conditional on the transaction's current
	// version and on its state being rescorable; the receipt side must be
	// unlinked. Returns ErrVersionConflict or ErrAlreadyLinked otherwise.
	LinkMatch(txID, receiptID string, state MatchState, confidence int, decidedBy DecidedBy, expectVersion int64) error

	// SetPendingReview moves the transaction to pending_review and records
	// the top-K candidates. Conditional on version and rescorable state.
	SetPendingReview(txID string, candidates []ReviewCandidate, confidence int, expectVersion int64) error

	// ClearReview returns a pending_review transaction to unmatched when
	// no candidate survives re-scoring. Conditional on version.
	ClearReview(txID string, expectVersion int64) error

	// Unlink detaches the linked receipt and returns the transaction to
	// unmatched. Legal from any linked state; a no-op when unlinked.
	Unlink(txID string) error

	// MarkTransactionInactive flags a transaction that disappeared
	// upstream. Transactions are never hard-deleted.
	MarkTransactionInactive(id string) error
}

// TransactionFilters defines filters for listing transactions.
type TransactionFilters struct {
	State    string // filter by match state (empty = all)
	From     string // posted date lower bound, YYYY-MM-DD (empty = none)
	To       string // posted date upper bound, YYYY-MM-DD (empty = none)
	Category string // filter by business category tag (empty = all)
	Limit    int    // max results (0 = default 50)
	Offset   int    // pagination offset
}

// TransactionListResult contains paginated transaction results.
type TransactionListResult struct {
	Transactions []*Transaction
	TotalCount   int
	Limit        int
	Offset       int
}

// ReceiptRepository handles receipt persistence, extraction updates and
// the candidate pre-filter query.
type ReceiptRepository interface {
	// InsertReceiptIfAbsent inserts the receipt unless its content hash
	// already exists. Returns true when a row was created.
	InsertReceiptIfAbsent(rc *Receipt) (bool, error)

	// GetReceipt retrieves a receipt by ID.
	GetReceipt(id string) (*Receipt, error)

	// GetReceiptByHash retrieves a receipt by content hash.
	GetReceiptByHash(hash string) (*Receipt, error)

	// ListReceipts returns receipts matching the given filters.
	ListReceipts(f ReceiptFilters) (*ReceiptListResult, error)

	// ApplyExtraction records the outcome of the external extraction
	// service for a receipt that is not yet linked.
	ApplyExtraction(receiptID string, res ExtractionResult) error

	// CandidateReceipts returns unlinked receipts inside the date window
	// whose amount is inside the tolerance window or missing, excluding
	// receipts the transaction's owner has rejected. Ordered by ingestion
	// time ascending so tie-breaks are deterministic.
	CandidateReceipts(q CandidateQuery) ([]*Receipt, error)

	// RecordRejection remembers that a human rejected this pairing so it
	// is never proposed again.
	RecordRejection(txID, receiptID string) error
}

// CandidateQuery bounds the candidate pre-filter for one transaction.
type CandidateQuery struct {
	TransactionID string
	DateFrom      time.Time
	DateTo        time.Time
	AmountMin     decimal.Decimal
	AmountMax     decimal.Decimal
}

// ReceiptFilters defines filters for listing receipts.
type ReceiptFilters struct {
	Status string // filter by processing status (empty = all)
	Search string // substring search over merchant and extracted text
	Linked *bool  // filter by linked/unlinked (nil = all)
	Limit  int
	Offset int
}

// ReceiptListResult contains paginated receipt results.
type ReceiptListResult struct {
	Receipts   []*Receipt
	TotalCount int
	Limit      int
	Offset     int
}

// CursorRepository handles durable sync cursors and connection status.
type CursorRepository interface {
	// GetCursor returns the cursor row for a connection, creating an
	// empty one on first use.
	GetCursor(connectionID string) (*SyncCursor, error)

	// AdvanceCursor durably records the new cursor position. Called only
	// after the page it covers has been persisted.
	AdvanceCursor(connectionID, cursor string, at time.Time) error

	// SetConnectionStatus updates the operational status surfaced to
	// operators (ok, needs_reauthorization, degraded).
	SetConnectionStatus(connectionID string, status ConnectionStatus, lastError string) error

	// ListCursors returns all known connection cursor rows.
	ListCursors() ([]SyncCursor, error)
}

// SyncRunRepository handles sync run bookkeeping.
type SyncRunRepository interface {
	// StartSyncRun records the start of a sync run and returns the run ID.
	StartSyncRun(connectionID string) (int64, error)

	// CompleteSyncRun records the completion of a sync run.
	CompleteSyncRun(runID int64, added, updated, quarantined, errCount int, status string) error

	// ListSyncRuns returns recent sync runs, newest first.
	ListSyncRuns(limit int) ([]SyncRun, error)
}

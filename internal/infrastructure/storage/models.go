package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchState is the reconciliation state of a transaction.
// Transitions are owned by the decision engine; storage only enforces
// that linked states are reached through conditional updates.
type MatchState string

const (
	// MatchStateUnmatched means no receipt is associated.
	MatchStateUnmatched MatchState = "unmatched"

	// MatchStatePendingReview means a candidate scored above the merchant
	// floor but below the auto-approve threshold and awaits a human.
	MatchStatePendingReview MatchState = "pending_review"

	// MatchStateAutoMatched means the engine linked a receipt automatically.
	MatchStateAutoMatched MatchState = "auto_matched"

	// MatchStateConfirmed means a human accepted the link. Confirmed
	// transactions are never touched by automated re-scoring.
	MatchStateConfirmed MatchState = "confirmed"
)

// Linked reports whether the state carries a receipt link.
func (s MatchState) Linked() bool {
	return s == MatchStateAutoMatched || s == MatchStateConfirmed
}

// Rescorable reports whether automated re-scoring may act on this state.
func (s MatchState) Rescorable() bool {
	return s == MatchStateUnmatched || s == MatchStatePendingReview
}

// DecidedBy records who made the current match decision.
type DecidedBy string

const (
	DecidedByNone  DecidedBy = ""
	DecidedByAuto  DecidedBy = "auto"
	DecidedByHuman DecidedBy = "human"
)

// Transaction is a single financial ledger entry pulled from a bank or
// card feed. ID is the provider-assigned external id and doubles as the
// dedup key. Amount and description are immutable once posted; only the
// match columns and Active are ever updated.
type Transaction struct {
	ID               string
	AccountID        string
	Amount           decimal.Decimal
	Currency         string
	PostedDate       time.Time // calendar date, time-of-day is always midnight UTC
	RawMerchant      string
	Merchant         string // normalized merchant string
	Categories       []string
	MatchState       MatchState
	MatchedReceipt   string // receipt ID, empty when unlinked
	DecidedBy        DecidedBy
	MatchConfidence  int
	ReviewCandidates []ReviewCandidate
	Version          int64
	Active           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ReviewCandidate is one scored candidate recorded for human review.
type ReviewCandidate struct {
	ReceiptID     string `json:"receipt_id"`
	Confidence    int    `json:"confidence"`
	MerchantScore int    `json:"merchant_score"`
	AmountScore   int    `json:"amount_score"`
	DateScore     int    `json:"date_score"`
}

// ReceiptStatus is the text-extraction processing status of a receipt.
type ReceiptStatus string

const (
	ReceiptStatusPending   ReceiptStatus = "pending"
	ReceiptStatusExtracted ReceiptStatus = "extracted"
	ReceiptStatusFailed    ReceiptStatus = "extraction_failed"
)

// ReceiptOrigin describes how a receipt entered the system.
type ReceiptOrigin string

const (
	OriginCaptured ReceiptOrigin = "captured"
	OriginEmail    ReceiptOrigin = "email"
	OriginImported ReceiptOrigin = "imported"
)

// Receipt is an evidence document for an expense. ContentHash is the
// dedup key (sha256 of the file bytes). Amount and ReceiptDate are nil
// until extraction succeeds, and stay nil if extraction fails.
type Receipt struct {
	ID                 string
	ContentHash        string
	Origin             ReceiptOrigin
	Merchant           string
	Amount             *decimal.Decimal
	ReceiptDate        *time.Time
	RawText            string
	StorageRef         string
	Status             ReceiptStatus
	MatchedTransaction string // transaction ID, empty when unlinked
	IngestedAt         time.Time
	UpdatedAt          time.Time
}

// ExtractionResult is the outcome reported by the external extraction
// service for a pending receipt.
type ExtractionResult struct {
	Merchant string
	Amount   *decimal.Decimal
	Date     *time.Time
	Text     string
	Failed   bool
}

// ConnectionStatus is the operational state of a source connection.
type ConnectionStatus string

const (
	ConnectionOK          ConnectionStatus = "ok"
	ConnectionNeedsReauth ConnectionStatus = "needs_reauthorization"
	ConnectionDegraded    ConnectionStatus = "degraded"
)

// SyncCursor is the durable per-connection ingestion bookmark. Cursor
// is an opaque provider token and only advances after a page has been
// persisted through the dedup layer.
type SyncCursor struct {
	ConnectionID string
	Cursor       string
	LastSyncedAt *time.Time
	Status       ConnectionStatus
	LastError    string
}

// SyncRun records one execution of the sync orchestrator for a connection.
type SyncRun struct {
	ID           int64      `json:"id"`
	ConnectionID string     `json:"connection_id"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Added        int        `json:"added"`
	Updated      int        `json:"updated"`
	Quarantined  int        `json:"quarantined"`
	Errors       int        `json:"errors"`
	Status       string     `json:"status"`
}

// Sync run statuses
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusDegraded  = "degraded"
	RunStatusCancelled = "cancelled"
	RunStatusFailed    = "failed"
)

// Stats aggregates reconciliation state for the status/stats endpoints.
type Stats struct {
	TransactionsByState map[MatchState]int    `json:"transactions_by_state"`
	ReceiptsByStatus    map[ReceiptStatus]int `json:"receipts_by_status"`
	PendingReview       int                   `json:"pending_review_backlog"`
	Connections         []SyncCursor          `json:"-"`
}

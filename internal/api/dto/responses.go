package dto

import "time"

// TransactionResponse is the API shape of a transaction. Amounts are
// exact decimal strings; PostedDate is YYYY-MM-DD.
type TransactionResponse struct {
	ID               string                    `json:"id"`
	AccountID        string                    `json:"account_id,omitempty"`
	Amount           string                    `json:"amount"`
	Currency         string                    `json:"currency"`
	PostedDate       string                    `json:"posted_date"`
	RawMerchant      string                    `json:"raw_merchant"`
	Merchant         string                    `json:"merchant"`
	Categories       []string                  `json:"categories,omitempty"`
	MatchState       string                    `json:"match_state"`
	MatchedReceiptID string                    `json:"matched_receipt_id,omitempty"`
	DecidedBy        string                    `json:"decided_by,omitempty"`
	MatchConfidence  int                       `json:"match_confidence,omitempty"`
	ReviewCandidates []ReviewCandidateResponse `json:"review_candidates,omitempty"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}

// ReviewCandidateResponse is one scored candidate shown to a reviewer.
type ReviewCandidateResponse struct {
	ReceiptID     string `json:"receipt_id"`
	Confidence    int    `json:"confidence"`
	MerchantScore int    `json:"merchant_score"`
	AmountScore   int    `json:"amount_score"`
	DateScore     int    `json:"date_score"`
}

// TransactionListResponse is a paginated transaction list.
type TransactionListResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
	TotalCount   int                   `json:"total_count"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

// ReceiptResponse is the API shape of a receipt.
type ReceiptResponse struct {
	ID                   string    `json:"id"`
	ContentHash          string    `json:"content_hash"`
	Origin               string    `json:"origin"`
	Merchant             string    `json:"merchant,omitempty"`
	Amount               string    `json:"amount,omitempty"`
	ReceiptDate          string    `json:"receipt_date,omitempty"`
	Status               string    `json:"status"`
	MatchedTransactionID string    `json:"matched_transaction_id,omitempty"`
	IngestedAt           time.Time `json:"ingested_at"`
}

// ReceiptListResponse is a paginated receipt list.
type ReceiptListResponse struct {
	Receipts   []ReceiptResponse `json:"receipts"`
	TotalCount int               `json:"total_count"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

// IngestResponse reports what happened to an uploaded receipt.
type IngestResponse struct {
	Receipt ReceiptResponse `json:"receipt"`
	Created bool            `json:"created"`
}

// SyncJobResponse is the API shape of a sync job.
type SyncJobResponse struct {
	ID           string     `json:"id"`
	ConnectionID string     `json:"connection_id"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Added        int        `json:"added,omitempty"`
	Duplicates   int        `json:"duplicates,omitempty"`
	Quarantined  int        `json:"quarantined,omitempty"`
	Errors       int        `json:"errors,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// StartSyncResponse returns the job IDs a sync request started.
type StartSyncResponse struct {
	JobIDs []string `json:"job_ids"`
}

// SyncJobListResponse lists sync jobs.
type SyncJobListResponse struct {
	Jobs  []SyncJobResponse `json:"jobs"`
	Count int               `json:"count"`
}

// ConnectionResponse is the operator view of one source connection.
type ConnectionResponse struct {
	ConnectionID string     `json:"connection_id"`
	Status       string     `json:"status"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// StatsResponse aggregates reconciliation state.
type StatsResponse struct {
	TransactionsByState map[string]int       `json:"transactions_by_state"`
	ReceiptsByStatus    map[string]int       `json:"receipts_by_status"`
	PendingReview       int                  `json:"pending_review_backlog"`
	Connections         []ConnectionResponse `json:"connections"`
}

package dto

// StartSyncRequest starts a sync job for one connection, or for every
// connection when ConnectionID is empty.
type StartSyncRequest struct {
	ConnectionID string `json:"connection_id"`
}

// MatchDecisionRequest identifies the receipt a human decision is about.
type MatchDecisionRequest struct {
	ReceiptID string `json:"receipt_id"`
}

// ExtractionCallbackRequest is posted by the extraction service once a
// receipt's text has been processed. Amount and Date are decimal and
// YYYY-MM-DD strings; both are omitted when extraction failed.
type ExtractionCallbackRequest struct {
	Merchant string `json:"merchant"`
	Amount   string `json:"amount,omitempty"`
	Date     string `json:"date,omitempty"`
	Text     string `json:"text,omitempty"`
	Failed   bool   `json:"failed"`
}

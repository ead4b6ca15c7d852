// Package candidates bounds the receipt search space for one
// transaction before scoring, so re-evaluation never degenerates into
// an all-pairs scan.
package candidates

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/receipthq/reconcile/internal/infrastructure/storage"
)

// Store is the slice of the repository the generator needs.
type Store interface {
	CandidateReceipts(q storage.CandidateQuery) ([]*storage.Receipt, error)
}

// Generator produces the bounded candidate set for a transaction:
// unlinked receipts dated within the day window whose amount falls
// inside the tolerance band, minus human-rejected pairings. Receipts
// with no extracted date or amount always pass the filter; they score
// lower instead of being dropped.
type Generator struct {
	store      Store
	windowDays int
	tolerance  decimal.Decimal
}

// NewGenerator creates a generator with the given date window (days)
// and amount tolerance.
func NewGenerator(store Store, windowDays int, tolerance decimal.Decimal) *Generator {
	if windowDays <= 0 {
		windowDays = 3
	}
	if tolerance.LessThanOrEqual(decimal.Zero) {
		tolerance = decimal.RequireFromString("1.00")
	}
	return &Generator{store: store, windowDays: windowDays, tolerance: tolerance}
}

// Generate returns the candidate receipts for the transaction, ordered
// by ingestion time ascending so downstream tie-breaks are stable.
func (g *Generator) Generate(tx *storage.Transaction) ([]*storage.Receipt, error) {
	window := time.Duration(g.windowDays) * 24 * time.Hour
	amount := tx.Amount.Abs()

	min := amount.Sub(g.tolerance)
	if min.IsNegative() {
		min = decimal.Zero
	}

	receipts, err := g.store.CandidateReceipts(storage.CandidateQuery{
		TransactionID: tx.ID,
		DateFrom:      tx.PostedDate.Add(-window),
		DateTo:        tx.PostedDate.Add(window),
		AmountMin:     min,
		AmountMax:     amount.Add(g.tolerance),
	})
	if err != nil {
		return nil, fmt.Errorf("candidates for transaction %s: %w", tx.ID, err)
	}
	return receipts, nil
}

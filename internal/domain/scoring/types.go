// Package scoring computes the multi-factor confidence score for one
// (transaction, receipt) candidate pair. Scoring is pure and
// deterministic: the same inputs always produce the same Result, and
// nothing here touches storage or the network.
package scoring

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionFacts is the slice of a transaction the scorer needs.
type TransactionFacts struct {
	Merchant   string // normalized merchant
	Amount     decimal.Decimal
	PostedDate time.Time
}

// ReceiptFacts is the slice of a receipt the scorer needs. Amount and
// Date are nil when extraction failed; the pair is still scorable, the
// missing sub-scores are just zero.
type ReceiptFacts struct {
	Merchant string
	Amount   *decimal.Decimal
	Date     *time.Time
}

// Result holds the three sub-scores and the combined confidence for
// one candidate pair. Excluded pairs must never become a match.
type Result struct {
	Confidence    int
	MerchantScore int
	AmountScore   int
	DateScore     int

	// Excluded marks a hard exclusion: merchant similarity below the
	// floor, or amount delta beyond the tolerance.
	Excluded bool
}

// Config carries the scoring thresholds. Zero values are replaced with
// the production defaults by NewScorer.
type Config struct {
	// MerchantFloor is the minimum token-set similarity ratio (0-100) a
	// pair must reach; below it the pair is excluded outright.
	MerchantFloor int

	// AmountTolerance is the maximum absolute amount delta; beyond it
	// the pair is excluded.
	AmountTolerance decimal.Decimal

	// DateWindowDays is the day distance at which the date sub-score
	// has decayed to zero.
	DateWindowDays int
}

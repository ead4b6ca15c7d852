package scoring

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func facts(merchant, amount, date string) (TransactionFacts, ReceiptFacts) {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	t := TransactionFacts{
		Merchant:   merchant,
		Amount:     decimal.RequireFromString(amount).Neg(), // charges post negative
		PostedDate: d,
	}
	amt := decimal.RequireFromString(amount)
	r := ReceiptFacts{
		Merchant: merchant,
		Amount:   &amt,
		Date:     &d,
	}
	return t, r
}

func TestScore_PerfectMatch(t *testing.T) {
	s := NewScorer(Config{})
	tf, rf := facts("Blue Bottle Coffee", "42.17", "2026-03-14")

	res := s.Score(tf, rf)
	assert.False(t, res.Excluded)
	assert.Equal(t, 40, res.MerchantScore)
	assert.Equal(t, 40, res.AmountScore)
	assert.Equal(t, 20, res.DateScore)
	assert.Equal(t, 100, res.Confidence)
}

func TestScore_CloseMerchantAutoMatchRange(t *testing.T) {
	s := NewScorer(Config{})
	tf, rf := facts("", "5.75", "2025-01-10")
	tf.Merchant = "SQ *STARBACKS COFFEE 4521" // feed-side typo
	rf.Merchant = "Starbucks Coffee"

	res := s.Score(tf, rf)
	assert.False(t, res.Excluded)
	assert.Equal(t, 36, res.MerchantScore)
	assert.Equal(t, 40, res.AmountScore)
	assert.Equal(t, 20, res.DateScore)
	assert.Equal(t, 96, res.Confidence)
}

func TestScore_MerchantFloorExcludes(t *testing.T) {
	s := NewScorer(Config{})
	tf, rf := facts("", "5.75", "2025-01-10")
	tf.Merchant = "DELTA AIR"
	rf.Merchant = "Starbucks"

	res := s.Score(tf, rf)
	assert.True(t, res.Excluded)
	assert.Zero(t, res.Confidence)
}

func TestScore_AmountTiers(t *testing.T) {
	s := NewScorer(Config{})

	tests := []struct {
		name          string
		receiptAmount string
		expected      int
		excluded      bool
	}{
		{name: "exact", receiptAmount: "42.17", expected: 40},
		{name: "one cent off", receiptAmount: "42.18", expected: 38},
		{name: "within fifty cents", receiptAmount: "42.47", expected: 35},
		{name: "linear decay", receiptAmount: "42.92", expected: 17},
		{name: "beyond tolerance", receiptAmount: "43.50", excluded: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf, rf := facts("Blue Bottle Coffee", "42.17", "2026-03-14")
			amt := decimal.RequireFromString(tt.receiptAmount)
			rf.Amount = &amt

			res := s.Score(tf, rf)
			assert.Equal(t, tt.excluded, res.Excluded)
			if !tt.excluded {
				assert.Equal(t, tt.expected, res.AmountScore)
			}
		})
	}
}

func TestScore_MissingAmountScoresZeroNotExcluded(t *testing.T) {
	s := NewScorer(Config{})
	tf, rf := facts("Blue Bottle Coffee", "42.17", "2026-03-14")
	rf.Amount = nil

	res := s.Score(tf, rf)
	assert.False(t, res.Excluded)
	assert.Zero(t, res.AmountScore)
	assert.Equal(t, 60, res.Confidence) // merchant 40 + date 20
}

func TestScore_DateTiers(t *testing.T) {
	s := NewScorer(Config{})

	tests := []struct {
		name        string
		receiptDate string
		expected    int
	}{
		{name: "same day", receiptDate: "2026-03-14", expected: 20},
		{name: "one day", receiptDate: "2026-03-15", expected: 18},
		{name: "one day before", receiptDate: "2026-03-13", expected: 18},
		{name: "three days", receiptDate: "2026-03-11", expected: 15},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tf, rf := facts("Blue Bottle Coffee", "42.17", "2026-03-14")
			d, err := time.Parse("2006-01-02", tt.receiptDate)
			assert.NoError(t, err)
			rf.Date = &d

			res := s.Score(tf, rf)
			assert.Equal(t, tt.expected, res.DateScore)
		})
	}
}

func TestScore_MissingDateScoresZero(t *testing.T) {
	s := NewScorer(Config{})
	tf, rf := facts("Blue Bottle Coffee", "42.17", "2026-03-14")
	rf.Date = nil

	res := s.Score(tf, rf)
	assert.False(t, res.Excluded)
	assert.Zero(t, res.DateScore)
	assert.Equal(t, 80, res.Confidence)
}

func TestScore_Deterministic(t *testing.T) {
	s := NewScorer(Config{})
	tf, rf := facts("", "5.75", "2025-01-10")
	tf.Merchant = "SQ *STARBACKS COFFEE 4521"
	rf.Merchant = "Starbucks Coffee"

	first := s.Score(tf, rf)
	second := s.Score(tf, rf)
	assert.Equal(t, first, second)
}

func TestTokenSetRatio(t *testing.T) {
	assert.Equal(t, 100, TokenSetRatio("SQ *STARBUCKS 4521", "Starbucks"))
	assert.Equal(t, 100, TokenSetRatio("Blue Bottle Coffee", "blue bottle coffee"))
	assert.Zero(t, TokenSetRatio("", "Starbucks"))
	assert.Less(t, TokenSetRatio("Delta Air", "Starbucks"), 80)
}

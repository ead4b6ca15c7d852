package scoring

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"

	"github.com/receipthq/reconcile/internal/domain/normalize"
)

var (
	centTolerance  = decimal.RequireFromString("0.01")
	nearTolerance  = decimal.RequireFromString("0.50")
	defaultMaxDiff = decimal.RequireFromString("1.00")
)

// Scorer scores candidate pairs against configured thresholds.
type Scorer struct {
	cfg Config
}

// NewScorer creates a scorer, filling in production defaults for any
// zero-valued thresholds.
func NewScorer(cfg Config) *Scorer {
	if cfg.MerchantFloor <= 0 {
		cfg.MerchantFloor = 80
	}
	if cfg.AmountTolerance.IsZero() {
		cfg.AmountTolerance = defaultMaxDiff
	}
	if cfg.DateWindowDays <= 0 {
		cfg.DateWindowDays = 3
	}
	return &Scorer{cfg: cfg}
}

// Score computes the weighted confidence for one candidate pair.
// 100 points total: merchant 40, amount 40, date 20.
func (s *Scorer) Score(t TransactionFacts, r ReceiptFacts) Result {
	var res Result

	ratio := TokenSetRatio(t.Merchant, r.Merchant)
	if ratio < s.cfg.MerchantFloor {
		res.Excluded = true
		return res
	}
	res.MerchantScore = merchantPoints(ratio)

	amountScore, excluded := s.amountPoints(t, r)
	if excluded {
		return Result{Excluded: true}
	}
	res.AmountScore = amountScore

	res.DateScore = s.datePoints(t, r)

	res.Confidence = res.MerchantScore + res.AmountScore + res.DateScore
	if res.Confidence > 100 {
		res.Confidence = 100
	}
	return res
}

func merchantPoints(ratio int) int {
	switch {
	case ratio >= 99:
		return 40
	case ratio >= 95:
		return 38
	case ratio >= 90:
		return 36
	default:
		return 32
	}
}

// amountPoints compares the transaction's absolute amount against the
// receipt total. Charges post as negative amounts, receipts are always
// positive.
func (s *Scorer) amountPoints(t TransactionFacts, r ReceiptFacts) (score int, excluded bool) {
	if r.Amount == nil {
		return 0, false
	}

	delta := t.Amount.Abs().Sub(r.Amount.Abs()).Abs()
	switch {
	case delta.IsZero():
		return 40, false
	case delta.LessThanOrEqual(centTolerance):
		return 38, false
	case delta.LessThanOrEqual(nearTolerance):
		return 35, false
	case delta.GreaterThan(s.cfg.AmountTolerance):
		// Outside the tolerance the generator pre-filters on. Treated
		// as a bound here too in case the caller skipped the filter.
		return 0, true
	}

	// Linear decay from 35 at 0.50 down to 0 at the tolerance.
	span := s.cfg.AmountTolerance.Sub(nearTolerance)
	if span.LessThanOrEqual(decimal.Zero) {
		return 0, false
	}
	remaining := s.cfg.AmountTolerance.Sub(delta)
	return int(decimal.NewFromInt(35).Mul(remaining).Div(span).IntPart()), false
}

func (s *Scorer) datePoints(t TransactionFacts, r ReceiptFacts) int {
	if r.Date == nil {
		return 0
	}

	days := daysBetween(t.PostedDate, *r.Date)
	switch {
	case days == 0:
		return 20
	case days == 1:
		return 18
	case days <= 3:
		return 15
	case days >= s.cfg.DateWindowDays:
		return 0
	}

	// Only reachable with a window wider than the default three days.
	return 15 * (s.cfg.DateWindowDays - days) / (s.cfg.DateWindowDays - 3)
}

func daysBetween(a, b time.Time) int {
	da := a.Truncate(24 * time.Hour)
	db := b.Truncate(24 * time.Hour)
	days := int(da.Sub(db).Hours() / 24)
	if days < 0 {
		return -days
	}
	return days
}

// TokenSetRatio computes a token-set similarity ratio in [0,100]
// between two merchant strings. Both sides are canonicalized first, so
// processor prefixes and store numbers do not drag the ratio down.
// Shared tokens are compared against each full token set and the best
// alignment wins, which keeps "starbucks" close to "starbucks coffee".
func TokenSetRatio(a, b string) int {
	ta := normalize.Tokens(a)
	tb := normalize.Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	setA := make(map[string]bool, len(ta))
	for _, tok := range ta {
		setA[tok] = true
	}
	setB := make(map[string]bool, len(tb))
	for _, tok := range tb {
		setB[tok] = true
	}

	var shared, onlyA, onlyB []string
	for tok := range setA {
		if setB[tok] {
			shared = append(shared, tok)
		} else {
			onlyA = append(onlyA, tok)
		}
	}
	for tok := range setB {
		if !setA[tok] {
			onlyB = append(onlyB, tok)
		}
	}
	sort.Strings(shared)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(shared, " ")
	full1 := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	full2 := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := stringRatio(full1, full2)
	if base != "" {
		if r := stringRatio(base, full1); r > best {
			best = r
		}
		if r := stringRatio(base, full2); r > best {
			best = r
		}
	}
	return best
}

func stringRatio(a, b string) int {
	if a == b {
		return 100
	}
	ratio := levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
	return int(ratio * 100)
}

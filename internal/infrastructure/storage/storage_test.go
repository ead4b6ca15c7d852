package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewStorage(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func date(s string) time.Time {
	t, err := time.Parse(dateFormat, s)
	if err != nil {
		panic(err)
	}
	return t
}

func datePtr(s string) *time.Time {
	t := date(s)
	return &t
}

func amountPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func testTransaction(id string) *Transaction {
	return &Transaction{
		ID:          id,
		AccountID:   "acct-1",
		Amount:      decimal.RequireFromString("-42.17"),
		Currency:    "USD",
		PostedDate:  date("2026-03-14"),
		RawMerchant: "SQ *BLUE BOTTLE COFFEE #4821",
		Merchant:    "blue bottle coffee",
		Categories:  []string{"meals"},
	}
}

func testReceipt(id, hash string) *Receipt {
	return &Receipt{
		ID:          id,
		ContentHash: hash,
		Origin:      OriginCaptured,
		Merchant:    "blue bottle coffee",
		Amount:      amountPtr("42.17"),
		ReceiptDate: datePtr("2026-03-14"),
		Status:      ReceiptStatusExtracted,
	}
}

func TestInsertTransactionIfAbsent_Idempotent(t *testing.T) {
	s := newTestStorage(t)

	created, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)
	assert.True(t, created)

	// Same external ID again: no new row, existing row untouched.
	dup := testTransaction("tx-1")
	dup.RawMerchant = "SOMETHING ELSE"
	created, err = s.InsertTransactionIfAbsent(dup)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := s.GetTransaction("tx-1")
	require.NoError(t, err)
	assert.Equal(t, "SQ *BLUE BOTTLE COFFEE #4821", got.RawMerchant)
	assert.Equal(t, MatchStateUnmatched, got.MatchState)
	assert.Equal(t, int64(1), got.Version)
	assert.True(t, got.Active)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("-42.17")))
}

func TestInsertReceiptIfAbsent_DedupByContentHash(t *testing.T) {
	s := newTestStorage(t)

	created, err := s.InsertReceiptIfAbsent(testReceipt("rc-1", "hash-a"))
	require.NoError(t, err)
	assert.True(t, created)

	// Same bytes under a different ID: hash collision wins, no new row.
	created, err = s.InsertReceiptIfAbsent(testReceipt("rc-2", "hash-a"))
	require.NoError(t, err)
	assert.False(t, created)

	_, err = s.GetReceipt("rc-2")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetReceiptByHash("hash-a")
	require.NoError(t, err)
	assert.Equal(t, "rc-1", got.ID)
}

func TestLinkMatch(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)
	_, err = s.InsertReceiptIfAbsent(testReceipt("rc-1", "hash-a"))
	require.NoError(t, err)

	err = s.LinkMatch("tx-1", "rc-1", MatchStateAutoMatched, 96, DecidedByAuto, 1)
	require.NoError(t, err)

	tx, err := s.GetTransaction("tx-1")
	require.NoError(t, err)
	assert.Equal(t, MatchStateAutoMatched, tx.MatchState)
	assert.Equal(t, "rc-1", tx.MatchedReceipt)
	assert.Equal(t, DecidedByAuto, tx.DecidedBy)
	assert.Equal(t, 96, tx.MatchConfidence)
	assert.Equal(t, int64(2), tx.Version)

	rc, err := s.GetReceipt("rc-1")
	require.NoError(t, err)
	assert.Equal(t, "tx-1", rc.MatchedTransaction)
}

func TestLinkMatch_VersionConflict(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)
	_, err = s.InsertReceiptIfAbsent(testReceipt("rc-1", "hash-a"))
	require.NoError(t, err)

	// Stale version: the compute raced a newer write and must lose.
	err = s.LinkMatch("tx-1", "rc-1", MatchStateAutoMatched, 96, DecidedByAuto, 7)
	assert.ErrorIs(t, err, ErrVersionConflict)

	tx, err := s.GetTransaction("tx-1")
	require.NoError(t, err)
	assert.Equal(t, MatchStateUnmatched, tx.MatchState)
	rc, err := s.GetReceipt("rc-1")
	require.NoError(t, err)
	assert.Empty(t, rc.MatchedTransaction)
}

func TestLinkMatch_AlreadyLinked(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)
	_, err = s.InsertTransactionIfAbsent(testTransaction("tx-2"))
	require.NoError(t, err)
	_, err = s.InsertReceiptIfAbsent(testReceipt("rc-1", "hash-a"))
	require.NoError(t, err)

	require.NoError(t, s.LinkMatch("tx-1", "rc-1", MatchStateConfirmed, 100, DecidedByHuman, 1))

	// Transaction side already linked.
	err = s.LinkMatch("tx-1", "rc-1", MatchStateAutoMatched, 96, DecidedByAuto, 2)
	assert.ErrorIs(t, err, ErrAlreadyLinked)

	// Receipt side already linked to another transaction.
	err = s.LinkMatch("tx-2", "rc-1", MatchStateAutoMatched, 96, DecidedByAuto, 1)
	assert.ErrorIs(t, err, ErrAlreadyLinked)

	err = s.LinkMatch("tx-2", "rc-missing", MatchStateAutoMatched, 96, DecidedByAuto, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetPendingReviewAndClearReview(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)

	candidates := []ReviewCandidate{
		{ReceiptID: "rc-1", Confidence: 85, MerchantScore: 32, AmountScore: 38, DateScore: 15},
		{ReceiptID: "rc-2", Confidence: 81, MerchantScore: 36, AmountScore: 35, DateScore: 10},
	}
	require.NoError(t, s.SetPendingReview("tx-1", candidates, 85, 1))

	tx, err := s.GetTransaction("tx-1")
	require.NoError(t, err)
	assert.Equal(t, MatchStatePendingReview, tx.MatchState)
	assert.Equal(t, candidates, tx.ReviewCandidates)
	assert.Equal(t, 85, tx.MatchConfidence)
	assert.Equal(t, int64(2), tx.Version)

	// Stale version loses.
	err = s.SetPendingReview("tx-1", candidates, 85, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	require.NoError(t, s.ClearReview("tx-1", 2))
	tx, err = s.GetTransaction("tx-1")
	require.NoError(t, err)
	assert.Equal(t, MatchStateUnmatched, tx.MatchState)
	assert.Empty(t, tx.ReviewCandidates)
	assert.Zero(t, tx.MatchConfidence)
}

func TestSetPendingReview_LinkedStateRejected(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)
	_, err = s.InsertReceiptIfAbsent(testReceipt("rc-1", "hash-a"))
	require.NoError(t, err)
	require.NoError(t, s.LinkMatch("tx-1", "rc-1", MatchStateConfirmed, 100, DecidedByHuman, 1))

	// Human decisions are not overwritten by automated writes.
	err = s.SetPendingReview("tx-1", nil, 85, 2)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestUnlink(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)
	_, err = s.InsertReceiptIfAbsent(testReceipt("rc-1", "hash-a"))
	require.NoError(t, err)
	require.NoError(t, s.LinkMatch("tx-1", "rc-1", MatchStateAutoMatched, 96, DecidedByAuto, 1))

	require.NoError(t, s.Unlink("tx-1"))

	tx, err := s.GetTransaction("tx-1")
	require.NoError(t, err)
	assert.Equal(t, MatchStateUnmatched, tx.MatchState)
	assert.Empty(t, tx.MatchedReceipt)
	assert.Equal(t, DecidedByNone, tx.DecidedBy)

	rc, err := s.GetReceipt("rc-1")
	require.NoError(t, err)
	assert.Empty(t, rc.MatchedTransaction)

	// Unlinking an unlinked transaction is a no-op.
	require.NoError(t, s.Unlink("tx-1"))
}

func TestApplyExtraction(t *testing.T) {
	s := newTestStorage(t)

	rc := testReceipt("rc-1", "hash-a")
	rc.Merchant = ""
	rc.Amount = nil
	rc.ReceiptDate = nil
	rc.Status = ReceiptStatusPending
	_, err := s.InsertReceiptIfAbsent(rc)
	require.NoError(t, err)

	err = s.ApplyExtraction("rc-1", ExtractionResult{
		Merchant: "blue bottle coffee",
		Amount:   amountPtr("42.17"),
		Date:     datePtr("2026-03-14"),
		Text:     "Blue Bottle Coffee\nTotal $42.17",
	})
	require.NoError(t, err)

	got, err := s.GetReceipt("rc-1")
	require.NoError(t, err)
	assert.Equal(t, ReceiptStatusExtracted, got.Status)
	assert.Equal(t, "blue bottle coffee", got.Merchant)
	require.NotNil(t, got.Amount)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("42.17")))
	require.NotNil(t, got.ReceiptDate)
	assert.Equal(t, "2026-03-14", got.ReceiptDate.Format(dateFormat))
}

func TestApplyExtraction_FailedKeepsFieldsNil(t *testing.T) {
	s := newTestStorage(t)

	rc := testReceipt("rc-1", "hash-a")
	rc.Amount = nil
	rc.ReceiptDate = nil
	rc.Status = ReceiptStatusPending
	_, err := s.InsertReceiptIfAbsent(rc)
	require.NoError(t, err)

	err = s.ApplyExtraction("rc-1", ExtractionResult{Failed: true})
	require.NoError(t, err)

	got, err := s.GetReceipt("rc-1")
	require.NoError(t, err)
	assert.Equal(t, ReceiptStatusFailed, got.Status)
	assert.Nil(t, got.Amount)
	assert.Nil(t, got.ReceiptDate)
}

func TestApplyExtraction_LinkedReceiptImmutable(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)
	_, err = s.InsertReceiptIfAbsent(testReceipt("rc-1", "hash-a"))
	require.NoError(t, err)
	require.NoError(t, s.LinkMatch("tx-1", "rc-1", MatchStateConfirmed, 100, DecidedByHuman, 1))

	err = s.ApplyExtraction("rc-1", ExtractionResult{Merchant: "overwritten"})
	assert.ErrorIs(t, err, ErrAlreadyLinked)

	err = s.ApplyExtraction("rc-missing", ExtractionResult{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCandidateReceipts(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)

	inWindow := testReceipt("rc-in", "h1")
	inWindow.IngestedAt = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	_, err = s.InsertReceiptIfAbsent(inWindow)
	require.NoError(t, err)

	outOfWindow := testReceipt("rc-late", "h2")
	outOfWindow.ReceiptDate = datePtr("2026-03-25")
	_, err = s.InsertReceiptIfAbsent(outOfWindow)
	require.NoError(t, err)

	wrongAmount := testReceipt("rc-amount", "h3")
	wrongAmount.Amount = amountPtr("99.99")
	_, err = s.InsertReceiptIfAbsent(wrongAmount)
	require.NoError(t, err)

	// Extraction failed: no date, no amount. Still a candidate.
	undated := testReceipt("rc-undated", "h4")
	undated.Amount = nil
	undated.ReceiptDate = nil
	undated.Status = ReceiptStatusFailed
	undated.IngestedAt = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	_, err = s.InsertReceiptIfAbsent(undated)
	require.NoError(t, err)

	rejected := testReceipt("rc-rejected", "h5")
	_, err = s.InsertReceiptIfAbsent(rejected)
	require.NoError(t, err)
	require.NoError(t, s.RecordRejection("tx-1", "rc-rejected"))

	q := CandidateQuery{
		TransactionID: "tx-1",
		DateFrom:      date("2026-03-11"),
		DateTo:        date("2026-03-17"),
		AmountMin:     decimal.RequireFromString("41.17"),
		AmountMax:     decimal.RequireFromString("43.17"),
	}
	got, err := s.CandidateReceipts(q)
	require.NoError(t, err)

	ids := make([]string, len(got))
	for i, rc := range got {
		ids[i] = rc.ID
	}
	// Earliest ingested first.
	assert.Equal(t, []string{"rc-undated", "rc-in"}, ids)

	// The same receipt is still a candidate for other transactions.
	q.TransactionID = "tx-other"
	got, err = s.CandidateReceipts(q)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestCandidateReceipts_ExcludesLinked(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)
	_, err = s.InsertReceiptIfAbsent(testReceipt("rc-1", "h1"))
	require.NoError(t, err)
	require.NoError(t, s.LinkMatch("tx-1", "rc-1", MatchStateAutoMatched, 96, DecidedByAuto, 1))

	got, err := s.CandidateReceipts(CandidateQuery{
		TransactionID: "tx-2",
		DateFrom:      date("2026-03-11"),
		DateTo:        date("2026-03-17"),
		AmountMin:     decimal.RequireFromString("41.17"),
		AmountMax:     decimal.RequireFromString("43.17"),
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListTransactions_Filters(t *testing.T) {
	s := newTestStorage(t)

	a := testTransaction("tx-a")
	a.PostedDate = date("2026-03-01")
	b := testTransaction("tx-b")
	b.PostedDate = date("2026-03-10")
	b.Categories = []string{"travel"}
	c := testTransaction("tx-c")
	c.PostedDate = date("2026-03-20")

	for _, tx := range []*Transaction{a, b, c} {
		_, err := s.InsertTransactionIfAbsent(tx)
		require.NoError(t, err)
	}
	require.NoError(t, s.MarkTransactionInactive("tx-c"))

	result, err := s.ListTransactions(TransactionFilters{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalCount)
	// Newest posted date first.
	assert.Equal(t, "tx-b", result.Transactions[0].ID)

	result, err = s.ListTransactions(TransactionFilters{Category: "travel"})
	require.NoError(t, err)
	require.Len(t, result.Transactions, 1)
	assert.Equal(t, "tx-b", result.Transactions[0].ID)

	result, err = s.ListTransactions(TransactionFilters{From: "2026-03-05", To: "2026-03-15"})
	require.NoError(t, err)
	require.Len(t, result.Transactions, 1)
	assert.Equal(t, "tx-b", result.Transactions[0].ID)
}

func TestListReceipts_SearchAndLinked(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)

	coffee := testReceipt("rc-coffee", "h1")
	coffee.RawText = "Blue Bottle Coffee Total $42.17"
	_, err = s.InsertReceiptIfAbsent(coffee)
	require.NoError(t, err)

	hotel := testReceipt("rc-hotel", "h2")
	hotel.Merchant = "grand hotel"
	hotel.RawText = "Grand Hotel folio"
	_, err = s.InsertReceiptIfAbsent(hotel)
	require.NoError(t, err)

	require.NoError(t, s.LinkMatch("tx-1", "rc-coffee", MatchStateAutoMatched, 96, DecidedByAuto, 1))

	result, err := s.ListReceipts(ReceiptFilters{Search: "folio"})
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	assert.Equal(t, "rc-hotel", result.Receipts[0].ID)

	linked := true
	result, err = s.ListReceipts(ReceiptFilters{Linked: &linked})
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	assert.Equal(t, "rc-coffee", result.Receipts[0].ID)
}

func TestListRescorableIDs(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)
	_, err = s.InsertTransactionIfAbsent(testTransaction("tx-2"))
	require.NoError(t, err)
	_, err = s.InsertReceiptIfAbsent(testReceipt("rc-1", "h1"))
	require.NoError(t, err)

	require.NoError(t, s.LinkMatch("tx-2", "rc-1", MatchStateConfirmed, 100, DecidedByHuman, 1))

	ids, err := s.ListRescorableIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-1"}, ids)
}

func TestCursors(t *testing.T) {
	s := newTestStorage(t)

	cur, err := s.GetCursor("bank-main")
	require.NoError(t, err)
	assert.Empty(t, cur.Cursor)
	assert.Equal(t, ConnectionOK, cur.Status)
	assert.Nil(t, cur.LastSyncedAt)

	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.AdvanceCursor("bank-main", "page-7", at))
	require.NoError(t, s.SetConnectionStatus("bank-main", ConnectionNeedsReauth, "401 unauthorized"))

	cur, err = s.GetCursor("bank-main")
	require.NoError(t, err)
	assert.Equal(t, "page-7", cur.Cursor)
	assert.Equal(t, ConnectionNeedsReauth, cur.Status)
	assert.Equal(t, "401 unauthorized", cur.LastError)
	require.NotNil(t, cur.LastSyncedAt)

	cursors, err := s.ListCursors()
	require.NoError(t, err)
	assert.Len(t, cursors, 1)
}

func TestSyncRuns(t *testing.T) {
	s := newTestStorage(t)

	runID, err := s.StartSyncRun("bank-main")
	require.NoError(t, err)
	require.NoError(t, s.CompleteSyncRun(runID, 12, 0, 2, 1, RunStatusDegraded))

	runs, err := s.ListSyncRuns(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 12, runs[0].Added)
	assert.Equal(t, 2, runs[0].Quarantined)
	assert.Equal(t, RunStatusDegraded, runs[0].Status)
	assert.NotNil(t, runs[0].CompletedAt)
}

func TestGetStats(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.InsertTransactionIfAbsent(testTransaction("tx-1"))
	require.NoError(t, err)
	_, err = s.InsertTransactionIfAbsent(testTransaction("tx-2"))
	require.NoError(t, err)
	_, err = s.InsertReceiptIfAbsent(testReceipt("rc-1", "h1"))
	require.NoError(t, err)

	require.NoError(t, s.SetPendingReview("tx-2", []ReviewCandidate{{ReceiptID: "rc-1", Confidence: 85}}, 85, 1))

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TransactionsByState[MatchStateUnmatched])
	assert.Equal(t, 1, stats.TransactionsByState[MatchStatePendingReview])
	assert.Equal(t, 1, stats.ReceiptsByStatus[ReceiptStatusExtracted])
	assert.Equal(t, 1, stats.PendingReview)
}

package handlers_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/receipthq/reconcile/internal/domain/candidates"
	"github.com/receipthq/reconcile/internal/domain/decision"
	"github.com/receipthq/reconcile/internal/domain/scoring"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
	"github.com/receipthq/reconcile/internal/ingest"
)

// setChiURLParam injects a chi URL parameter into a request context
// so handlers can be tested without a full router.
func setChiURLParam(ctx context.Context, key, value string) context.Context {
	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add(key, value)
	return context.WithValue(ctx, chi.RouteCtxKey, routeCtx)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(repo *storage.MockRepository) *decision.Engine {
	gen := candidates.NewGenerator(repo, 3, decimal.RequireFromString("1.00"))
	scorer := scoring.NewScorer(scoring.Config{})
	return decision.NewEngine(repo, gen, scorer, decision.Config{}, testLogger())
}

func newTestIngest(t *testing.T, repo *storage.MockRepository) *ingest.Service {
	t.Helper()

	objects, err := ingest.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	return ingest.NewService(repo, objects, testLogger())
}

func seedTransaction(t *testing.T, repo *storage.MockRepository, id string) {
	t.Helper()

	created, err := repo.InsertTransactionIfAbsent(&storage.Transaction{
		ID:          id,
		Amount:      decimal.RequireFromString("-42.17"),
		Currency:    "USD",
		PostedDate:  time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		RawMerchant: "SQ *BLUE BOTTLE COFFEE #4821",
		Merchant:    "blue bottle coffee",
		Categories:  []string{"meals"},
	})
	require.NoError(t, err)
	require.True(t, created)
}

func seedReceipt(t *testing.T, repo *storage.MockRepository, id string) {
	t.Helper()

	amt := decimal.RequireFromString("42.17")
	date := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	created, err := repo.InsertReceiptIfAbsent(&storage.Receipt{
		ID:          id,
		ContentHash: "hash-" + id,
		Origin:      storage.OriginCaptured,
		Merchant:    "blue bottle coffee",
		Amount:      &amt,
		ReceiptDate: &date,
		Status:      storage.ReceiptStatusExtracted,
	})
	require.NoError(t, err)
	require.True(t, created)
}

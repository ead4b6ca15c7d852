// Package decision owns the match state machine. It turns scored
// candidates into state transitions and guarantees human decisions are
// never overwritten by automation.
package decision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/receipthq/reconcile/internal/domain/scoring"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
)

// Store is the slice of the repository the engine needs.
type Store interface {
	GetTransaction(id string) (*storage.Transaction, error)
	ListRescorableIDs() ([]string, error)
	GetReceipt(id string) (*storage.Receipt, error)
	LinkMatch(txID, receiptID string, state storage.MatchState, confidence int, decidedBy storage.DecidedBy, expectVersion int64) error
	SetPendingReview(txID string, candidates []storage.ReviewCandidate, confidence int, expectVersion int64) error
	ClearReview(txID string, expectVersion int64) error
	Unlink(txID string) error
	RecordRejection(txID, receiptID string) error
}

// CandidateSource produces the bounded candidate set for a transaction.
type CandidateSource interface {
	Generate(tx *storage.Transaction) ([]*storage.Receipt, error)
}

// Config carries the decision thresholds.
type Config struct {
	// AutoApproveThreshold is the minimum confidence for an automatic
	// link. Below it, surviving candidates go to human review.
	AutoApproveThreshold int

	// ReviewTopK is how many candidates are recorded for the reviewer.
	ReviewTopK int

	// RescoreWorkers bounds the goroutine pool used by Reevaluate.
	RescoreWorkers int
}

// Engine evaluates transactions against the receipt pool and applies
// state transitions through conditional storage writes. Concurrent
// evaluations of the same transaction are safe: the losing write gets
// a version conflict and is dropped.
type Engine struct {
	store      Store
	candidates CandidateSource
	scorer     *scoring.Scorer
	cfg        Config
	logger     *slog.Logger
}

// NewEngine creates a decision engine, filling in production defaults
// for zero-valued config fields.
func NewEngine(store Store, candidates CandidateSource, scorer *scoring.Scorer, cfg Config, logger *slog.Logger) *Engine {
	if cfg.AutoApproveThreshold <= 0 {
		cfg.AutoApproveThreshold = 90
	}
	if cfg.ReviewTopK <= 0 {
		cfg.ReviewTopK = 5
	}
	if cfg.RescoreWorkers <= 0 {
		cfg.RescoreWorkers = 4
	}
	return &Engine{
		store:      store,
		candidates: candidates,
		scorer:     scorer,
		cfg:        cfg,
		logger:     logger,
	}
}

// scored pairs a receipt with its scoring result, preserving the
// generator's ingestion-time ordering for tie-breaks.
type scored struct {
	receipt *storage.Receipt
	result  scoring.Result
}

// Evaluate re-runs candidate generation and scoring for one
// transaction and applies the resulting transition. Linked
// transactions are left untouched.
func (e *Engine) Evaluate(txID string) error {
	tx, err := e.store.GetTransaction(txID)
	if err != nil {
		return err
	}
	if !tx.MatchState.Rescorable() {
		return nil
	}

	receipts, err := e.candidates.Generate(tx)
	if err != nil {
		return err
	}

	survivors := e.scoreAll(tx, receipts)
	if len(survivors) == 0 {
		return e.clearIfPending(tx)
	}

	// Highest confidence wins; the candidate list is ordered by
	// ingestion time ascending, so on ties the earliest receipt
	// is kept by the strict comparison.
	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].result.Confidence > survivors[j].result.Confidence
	})
	best := survivors[0]

	if best.result.Confidence >= e.cfg.AutoApproveThreshold {
		return e.autoLink(tx, best)
	}
	return e.sendToReview(tx, survivors)
}

func (e *Engine) scoreAll(tx *storage.Transaction, receipts []*storage.Receipt) []scored {
	facts := scoring.TransactionFacts{
		Merchant:   tx.Merchant,
		Amount:     tx.Amount,
		PostedDate: tx.PostedDate,
	}

	var survivors []scored
	for _, rc := range receipts {
		res := e.scorer.Score(facts, scoring.ReceiptFacts{
			Merchant: rc.Merchant,
			Amount:   rc.Amount,
			Date:     rc.ReceiptDate,
		})
		if res.Excluded {
			continue
		}
		survivors = append(survivors, scored{receipt: rc, result: res})
	}
	return survivors
}

func (e *Engine) autoLink(tx *storage.Transaction, best scored) error {
	err := e.store.LinkMatch(tx.ID, best.receipt.ID, storage.MatchStateAutoMatched,
		best.result.Confidence, storage.DecidedByAuto, tx.Version)
	if e.lostRace(tx.ID, err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("auto-link transaction %s: %w", tx.ID, err)
	}

	e.logger.Info("auto-matched transaction",
		"transaction_id", tx.ID,
		"receipt_id", best.receipt.ID,
		"confidence", best.result.Confidence)
	return nil
}

func (e *Engine) sendToReview(tx *storage.Transaction, survivors []scored) error {
	topK := survivors
	if len(topK) > e.cfg.ReviewTopK {
		topK = topK[:e.cfg.ReviewTopK]
	}

	candidates := make([]storage.ReviewCandidate, len(topK))
	for i, sc := range topK {
		candidates[i] = storage.ReviewCandidate{
			ReceiptID:     sc.receipt.ID,
			Confidence:    sc.result.Confidence,
			MerchantScore: sc.result.MerchantScore,
			AmountScore:   sc.result.AmountScore,
			DateScore:     sc.result.DateScore,
		}
	}

	err := e.store.SetPendingReview(tx.ID, candidates, topK[0].result.Confidence, tx.Version)
	if e.lostRace(tx.ID, err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("send transaction %s to review: %w", tx.ID, err)
	}

	e.logger.Info("transaction pending review",
		"transaction_id", tx.ID,
		"candidates", len(candidates),
		"best_confidence", candidates[0].Confidence)
	return nil
}

func (e *Engine) clearIfPending(tx *storage.Transaction) error {
	if tx.MatchState != storage.MatchStatePendingReview {
		return nil
	}
	err := e.store.ClearReview(tx.ID, tx.Version)
	if e.lostRace(tx.ID, err) {
		return nil
	}
	return err
}

// lostRace reports whether a conditional write failed because a
// concurrent decision got there first. That is expected under
// re-evaluation and is dropped, not surfaced.
func (e *Engine) lostRace(txID string, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrVersionConflict) ||
		errors.Is(err, storage.ErrAlreadyLinked) ||
		errors.Is(err, storage.ErrInvalidState) {
		e.logger.Debug("evaluation lost race, dropping result",
			"transaction_id", txID, "reason", err)
		return true
	}
	return false
}

// Reevaluate re-runs evaluation for every transaction still open to
// automation, fanning out over a bounded worker pool. Confirmed and
// auto-matched transactions are never touched. Returns the first
// error encountered; remaining work still completes.
func (e *Engine) Reevaluate(ctx context.Context) error {
	ids, err := e.store.ListRescorableIDs()
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	work := make(chan string)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := 0; i < e.cfg.RescoreWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				if err := e.Evaluate(id); err != nil {
					e.logger.Error("re-evaluation failed",
						"transaction_id", id, "error", err)
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			close(work)
			wg.Wait()
			return ctx.Err()
		case work <- id:
		}
	}
	close(work)
	wg.Wait()

	return firstErr
}

// ConfirmMatch records a human accepting a candidate. The link is
// written in the confirmed state, which automation never revisits.
func (e *Engine) ConfirmMatch(txID, receiptID string) error {
	tx, err := e.store.GetTransaction(txID)
	if err != nil {
		return err
	}
	if tx.MatchState.Linked() {
		return fmt.Errorf("transaction %s: %w", txID, storage.ErrAlreadyLinked)
	}

	confidence := e.recordedConfidence(tx, receiptID)
	if confidence == 0 {
		rc, err := e.store.GetReceipt(receiptID)
		if err != nil {
			return err
		}
		res := e.scorer.Score(
			scoring.TransactionFacts{Merchant: tx.Merchant, Amount: tx.Amount, PostedDate: tx.PostedDate},
			scoring.ReceiptFacts{Merchant: rc.Merchant, Amount: rc.Amount, Date: rc.ReceiptDate},
		)
		confidence = res.Confidence
	}

	if err := e.store.LinkMatch(txID, receiptID, storage.MatchStateConfirmed,
		confidence, storage.DecidedByHuman, tx.Version); err != nil {
		return err
	}

	e.logger.Info("match confirmed",
		"transaction_id", txID, "receipt_id", receiptID, "confidence", confidence)
	return nil
}

// RejectMatch records a human rejecting a pairing. The pair is never
// proposed again; the transaction is then re-evaluated so a different
// receipt can still match.
func (e *Engine) RejectMatch(txID, receiptID string) error {
	tx, err := e.store.GetTransaction(txID)
	if err != nil {
		return err
	}
	if tx.MatchState.Linked() {
		return fmt.Errorf("transaction %s: %w", txID, storage.ErrInvalidState)
	}

	if err := e.store.RecordRejection(txID, receiptID); err != nil {
		return err
	}

	if tx.MatchState == storage.MatchStatePendingReview {
		if err := e.store.ClearReview(txID, tx.Version); err != nil && !e.lostRace(txID, err) {
			return err
		}
	}

	e.logger.Info("match rejected",
		"transaction_id", txID, "receipt_id", receiptID)
	return e.Evaluate(txID)
}

// Unlink detaches a previously linked receipt. Both sides return to
// the unmatched pool. The transaction is not re-evaluated here: the
// next sync batch picks it up, and a reviewer who wants the pairing
// gone for good rejects it instead.
func (e *Engine) Unlink(txID string) error {
	if err := e.store.Unlink(txID); err != nil {
		return err
	}
	e.logger.Info("transaction unlinked", "transaction_id", txID)
	return nil
}

func (e *Engine) recordedConfidence(tx *storage.Transaction, receiptID string) int {
	for _, c := range tx.ReviewCandidates {
		if c.ReceiptID == receiptID {
			return c.Confidence
		}
	}
	return 0
}

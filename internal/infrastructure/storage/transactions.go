package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const transactionColumns = `id, account_id, amount, currency, posted_date, raw_merchant, merchant,
	categories_json, match_state, matched_receipt_id, decided_by, match_confidence,
	review_candidates_json, version, active, created_at, updated_at`

// InsertTransactionIfAbsent inserts the transaction unless its external
// ID already exists. Re-ingesting an already-seen record is a no-op:
// existing rows are never mutated, which protects against providers
// re-sending stale copies.
func (s *Storage) InsertTransactionIfAbsent(tx *Transaction) (bool, error) {
	now := time.Now().UTC()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO transactions
		(id, account_id, amount, currency, posted_date, raw_merchant, merchant,
		 categories_json, match_state, version, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1, ?, ?)
	`,
		tx.ID,
		tx.AccountID,
		tx.Amount.String(),
		tx.Currency,
		formatDate(tx.PostedDate),
		tx.RawMerchant,
		tx.Merchant,
		marshalJSON(tx.Categories),
		string(MatchStateUnmatched),
		now,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// GetTransaction retrieves a transaction by external ID.
func (s *Storage) GetTransaction(id string) (*Transaction, error) {
	row := s.db.QueryRow(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return tx, err
}

// ListTransactions returns transactions matching the given filters with pagination.
func (s *Storage) ListTransactions(f TransactionFilters) (*TransactionListResult, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	where := `WHERE active = 1`
	args := []interface{}{}

	if f.State != "" {
		where += ` AND match_state = ?`
		args = append(args, f.State)
	}
	if f.From != "" {
		where += ` AND posted_date >= ?`
		args = append(args, f.From)
	}
	if f.To != "" {
		where += ` AND posted_date <= ?`
		args = append(args, f.To)
	}
	if f.Category != "" {
		where += ` AND categories_json LIKE ?`
		args = append(args, `%"`+f.Category+`"%`)
	}

	result := &TransactionListResult{Limit: f.Limit, Offset: f.Offset}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM transactions `+where, args...).Scan(&result.TotalCount); err != nil {
		return nil, err
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions ` + where +
		` ORDER BY posted_date DESC, id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result.Transactions = append(result.Transactions, tx)
	}

	return result, rows.Err()
}

// ListRescorableIDs returns IDs of active transactions the automated
// re-scoring pass is allowed to touch.
func (s *Storage) ListRescorableIDs() ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id FROM transactions
		WHERE active = 1 AND match_state IN (?, ?)
		ORDER BY posted_date DESC, id
	`, string(MatchStateUnmatched), string(MatchStatePendingReview))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// LinkMatch links transaction and receipt in one database transaction so
// there is no intermediate state with only one side linked. The write is
// conditional on the transaction's version and current state, so a stale
// scoring pass loses the race with ErrVersionConflict instead of
// overwriting newer evidence or a human decision.
func (s *Storage) LinkMatch(txID, receiptID string, state MatchState, confidence int, decidedBy DecidedBy, expectVersion int64) error {
	if !state.Linked() {
		return fmt.Errorf("%w: %q is not a linked state", ErrInvalidState, state)
	}

	dbTx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	var curState string
	var curVersion int64
	var curReceipt sql.NullString
	err = dbTx.QueryRow(`
		SELECT match_state, version, matched_receipt_id FROM transactions WHERE id = ?
	`, txID).Scan(&curState, &curVersion, &curReceipt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if MatchState(curState).Linked() || curReceipt.Valid {
		return fmt.Errorf("transaction %s: %w", txID, ErrAlreadyLinked)
	}
	if curVersion != expectVersion {
		return fmt.Errorf("transaction %s: %w", txID, ErrVersionConflict)
	}

	now := time.Now().UTC()

	res, err := dbTx.Exec(`
		UPDATE receipts SET matched_transaction_id = ?, updated_at = ?
		WHERE id = ? AND matched_transaction_id IS NULL
	`, txID, now, receiptID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists int
		if err := dbTx.QueryRow(`SELECT COUNT(*) FROM receipts WHERE id = ?`, receiptID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
		}
		return fmt.Errorf("receipt %s: %w", receiptID, ErrAlreadyLinked)
	}

	res, err = dbTx.Exec(`
		UPDATE transactions
		SET match_state = ?, matched_receipt_id = ?, decided_by = ?,
		    match_confidence = ?, review_candidates_json = '[]',
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(state), receiptID, string(decidedBy), confidence, now, txID, expectVersion)
	if err != nil {
		return err
	}
	rows, err = res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("transaction %s: %w", txID, ErrVersionConflict)
	}

	return dbTx.Commit()
}

// SetPendingReview moves the transaction to pending_review with the
// recorded top-K candidates. Conditional on version and rescorable state.
func (s *Storage) SetPendingReview(txID string, candidates []ReviewCandidate, confidence int, expectVersion int64) error {
	res, err := s.db.Exec(`
		UPDATE transactions
		SET match_state = ?, review_candidates_json = ?, match_confidence = ?,
		    decided_by = '', version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND match_state IN (?, ?)
	`,
		string(MatchStatePendingReview),
		marshalJSON(candidates),
		confidence,
		time.Now().UTC(),
		txID,
		expectVersion,
		string(MatchStateUnmatched),
		string(MatchStatePendingReview),
	)
	if err != nil {
		return err
	}
	return s.classifyConditionalResult(res, txID)
}

// ClearReview returns a transaction to unmatched when re-scoring finds
// no surviving candidate. Conditional on version and rescorable state.
func (s *Storage) ClearReview(txID string, expectVersion int64) error {
	res, err := s.db.Exec(`
		UPDATE transactions
		SET match_state = ?, review_candidates_json = '[]', match_confidence = 0,
		    decided_by = '', version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND match_state IN (?, ?)
	`,
		string(MatchStateUnmatched),
		time.Now().UTC(),
		txID,
		expectVersion,
		string(MatchStateUnmatched),
		string(MatchStatePendingReview),
	)
	if err != nil {
		return err
	}
	return s.classifyConditionalResult(res, txID)
}

// Unlink detaches the linked receipt and returns the transaction to
// unmatched. The freed receipt re-enters candidate generation on the
// next scoring pass.
func (s *Storage) Unlink(txID string) error {
	dbTx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	var curReceipt sql.NullString
	err = dbTx.QueryRow(`SELECT matched_receipt_id FROM transactions WHERE id = ?`, txID).Scan(&curReceipt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !curReceipt.Valid {
		return dbTx.Commit() // already unlinked
	}

	now := time.Now().UTC()

	_, err = dbTx.Exec(`
		UPDATE transactions
		SET match_state = ?, matched_receipt_id = NULL, decided_by = '',
		    match_confidence = 0, review_candidates_json = '[]',
		    version = version + 1, updated_at = ?
		WHERE id = ?
	`, string(MatchStateUnmatched), now, txID)
	if err != nil {
		return err
	}

	_, err = dbTx.Exec(`
		UPDATE receipts SET matched_transaction_id = NULL, updated_at = ?
		WHERE id = ?
	`, now, curReceipt.String)
	if err != nil {
		return err
	}

	return dbTx.Commit()
}

// MarkTransactionInactive flags a transaction that disappeared upstream.
func (s *Storage) MarkTransactionInactive(id string) error {
	res, err := s.db.Exec(`
		UPDATE transactions SET active = 0, version = version + 1, updated_at = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

// classifyConditionalResult turns a zero-row conditional update into the
// precise error the caller needs to distinguish.
func (s *Storage) classifyConditionalResult(res sql.Result, txID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var state string
	err = s.db.QueryRow(`SELECT match_state FROM transactions WHERE id = ?`, txID).Scan(&state)
	if err == sql.ErrNoRows {
		return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !MatchState(state).Rescorable() {
		return fmt.Errorf("transaction %s in state %s: %w", txID, state, ErrInvalidState)
	}
	return fmt.Errorf("transaction %s: %w", txID, ErrVersionConflict)
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx             Transaction
		amount         string
		postedDate     string
		categoriesJSON string
		matchedReceipt sql.NullString
		decidedBy      string
		candidatesJSON string
		state          string
	)

	err := row.Scan(
		&tx.ID,
		&tx.AccountID,
		&amount,
		&tx.Currency,
		&postedDate,
		&tx.RawMerchant,
		&tx.Merchant,
		&categoriesJSON,
		&state,
		&matchedReceipt,
		&decidedBy,
		&tx.MatchConfidence,
		&candidatesJSON,
		&tx.Version,
		&tx.Active,
		&tx.CreatedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount for transaction %s: %w", tx.ID, err)
	}
	tx.PostedDate, err = parseDate(postedDate)
	if err != nil {
		return nil, fmt.Errorf("corrupt posted_date for transaction %s: %w", tx.ID, err)
	}
	tx.MatchState = MatchState(state)
	tx.DecidedBy = DecidedBy(decidedBy)
	if matchedReceipt.Valid {
		tx.MatchedReceipt = matchedReceipt.String
	}
	_ = json.Unmarshal([]byte(categoriesJSON), &tx.Categories)
	_ = json.Unmarshal([]byte(candidatesJSON), &tx.ReviewCandidates)

	return &tx, nil
}

package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const receiptColumns = `id, content_hash, origin, merchant, amount, receipt_date, raw_text,
	storage_ref, status, matched_transaction_id, ingested_at, updated_at`

// InsertReceiptIfAbsent inserts the receipt unless its content hash is
// already known. Returns true when a row was created; re-ingesting the
// same bytes never creates a duplicate or mutates the existing row.
func (s *Storage) InsertReceiptIfAbsent(rc *Receipt) (bool, error) {
	now := time.Now().UTC()
	ingestedAt := rc.IngestedAt
	if ingestedAt.IsZero() {
		ingestedAt = now
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO receipts
		(id, content_hash, origin, merchant, amount, receipt_date, raw_text,
		 storage_ref, status, ingested_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rc.ID,
		rc.ContentHash,
		string(rc.Origin),
		rc.Merchant,
		nullDecimal(rc.Amount),
		nullDate(rc.ReceiptDate),
		rc.RawText,
		rc.StorageRef,
		string(rc.Status),
		ingestedAt,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("insert receipt %s: %w", rc.ID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// GetReceipt retrieves a receipt by ID.
func (s *Storage) GetReceipt(id string) (*Receipt, error) {
	row := s.db.QueryRow(`SELECT `+receiptColumns+` FROM receipts WHERE id = ?`, id)
	rc, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rc, err
}

// GetReceiptByHash retrieves a receipt by content hash.
func (s *Storage) GetReceiptByHash(hash string) (*Receipt, error) {
	row := s.db.QueryRow(`SELECT `+receiptColumns+` FROM receipts WHERE content_hash = ?`, hash)
	rc, err := scanReceipt(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rc, err
}

// ListReceipts returns receipts matching the given filters with pagination.
func (s *Storage) ListReceipts(f ReceiptFilters) (*ReceiptListResult, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	where := `WHERE 1=1`
	args := []interface{}{}

	if f.Status != "" {
		where += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Search != "" {
		where += ` AND (merchant LIKE ? OR raw_text LIKE ?)`
		pattern := "%" + f.Search + "%"
		args = append(args, pattern, pattern)
	}
	if f.Linked != nil {
		if *f.Linked {
			where += ` AND matched_transaction_id IS NOT NULL`
		} else {
			where += ` AND matched_transaction_id IS NULL`
		}
	}

	result := &ReceiptListResult{Limit: f.Limit, Offset: f.Offset}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM receipts `+where, args...).Scan(&result.TotalCount); err != nil {
		return nil, err
	}

	query := `SELECT ` + receiptColumns + ` FROM receipts ` + where +
		` ORDER BY ingested_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		result.Receipts = append(result.Receipts, rc)
	}

	return result, rows.Err()
}

// ApplyExtraction records the outcome of the external extraction service.
// Linked receipts are immutable except for unlinking, so the update is
// guarded on the receipt being unlinked.
func (s *Storage) ApplyExtraction(receiptID string, res ExtractionResult) error {
	status := ReceiptStatusExtracted
	if res.Failed {
		status = ReceiptStatusFailed
	}

	result, err := s.db.Exec(`
		UPDATE receipts
		SET merchant = ?, amount = ?, receipt_date = ?, raw_text = ?,
		    status = ?, updated_at = ?
		WHERE id = ? AND matched_transaction_id IS NULL
	`,
		res.Merchant,
		nullDecimal(res.Amount),
		nullDate(res.Date),
		res.Text,
		string(status),
		time.Now().UTC(),
		receiptID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM receipts WHERE id = ?`, receiptID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
		}
		return fmt.Errorf("receipt %s: %w", receiptID, ErrAlreadyLinked)
	}
	return nil
}

// CandidateReceipts is the candidate pre-filter: unlinked receipts dated
// inside the window (or undated, when extraction failed) whose amount is
// inside the tolerance window or missing, minus pairs a human rejected.
// The amount comparison casts to REAL; that is fine for a pre-filter
// because the scorer re-checks the bound with exact decimals.
func (s *Storage) CandidateReceipts(q CandidateQuery) ([]*Receipt, error) {
	rows, err := s.db.Query(`
		SELECT `+receiptColumns+` FROM receipts r
		WHERE r.matched_transaction_id IS NULL
		  AND (r.receipt_date IS NULL OR r.receipt_date BETWEEN ? AND ?)
		  AND (r.amount IS NULL OR CAST(r.amount AS REAL) BETWEEN ? AND ?)
		  AND NOT EXISTS (
			SELECT 1 FROM rejections j
			WHERE j.transaction_id = ? AND j.receipt_id = r.id
		  )
		ORDER BY r.ingested_at ASC, r.id
	`,
		formatDate(q.DateFrom),
		formatDate(q.DateTo),
		q.AmountMin.InexactFloat64(),
		q.AmountMax.InexactFloat64(),
		q.TransactionID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []*Receipt
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, rc)
	}

	return receipts, rows.Err()
}

// RecordRejection remembers a human-rejected pairing. Idempotent.
func (s *Storage) RecordRejection(txID, receiptID string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO rejections (transaction_id, receipt_id) VALUES (?, ?)
	`, txID, receiptID)
	return err
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		rc          Receipt
		origin      string
		amount      sql.NullString
		receiptDate sql.NullString
		matchedTx   sql.NullString
		status      string
	)

	err := row.Scan(
		&rc.ID,
		&rc.ContentHash,
		&origin,
		&rc.Merchant,
		&amount,
		&receiptDate,
		&rc.RawText,
		&rc.StorageRef,
		&status,
		&matchedTx,
		&rc.IngestedAt,
		&rc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rc.Origin = ReceiptOrigin(origin)
	rc.Status = ReceiptStatus(status)
	if matchedTx.Valid {
		rc.MatchedTransaction = matchedTx.String
	}
	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount for receipt %s: %w", rc.ID, err)
		}
		rc.Amount = &d
	}
	if receiptDate.Valid {
		t, err := parseDate(receiptDate.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt receipt_date for receipt %s: %w", rc.ID, err)
		}
		rc.ReceiptDate = &t
	}

	return &rc, nil
}

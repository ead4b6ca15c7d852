package storage

import (
	"database/sql"
	"time"
)

// GetCursor returns the cursor row for a connection, creating an empty
// row on first use so status updates always have a target.
func (s *Storage) GetCursor(connectionID string) (*SyncCursor, error) {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO sync_cursors (connection_id, cursor, status) VALUES (?, '', 'ok')
	`, connectionID)
	if err != nil {
		return nil, err
	}

	var (
		cur      SyncCursor
		lastSync sql.NullTime
		status   string
	)
	err = s.db.QueryRow(`
		SELECT connection_id, cursor, last_synced_at, status, last_error
		FROM sync_cursors WHERE connection_id = ?
	`, connectionID).Scan(&cur.ConnectionID, &cur.Cursor, &lastSync, &status, &cur.LastError)
	if err != nil {
		return nil, err
	}

	cur.Status = ConnectionStatus(status)
	if lastSync.Valid {
		t := lastSync.Time
		cur.LastSyncedAt = &t
	}
	return &cur, nil
}

// AdvanceCursor durably records the new cursor position. The caller
// guarantees the page covered by this cursor has already been persisted
// through the dedup layer, so a crash before this write is safe to
// retry without loss or duplication.
func (s *Storage) AdvanceCursor(connectionID, cursor string, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE sync_cursors SET cursor = ?, last_synced_at = ? WHERE connection_id = ?
	`, cursor, at.UTC(), connectionID)
	return err
}

// SetConnectionStatus updates the operator-facing connection status.
func (s *Storage) SetConnectionStatus(connectionID string, status ConnectionStatus, lastError string) error {
	_, err := s.db.Exec(`
		UPDATE sync_cursors SET status = ?, last_error = ? WHERE connection_id = ?
	`, string(status), lastError, connectionID)
	return err
}

// ListCursors returns all known connection cursor rows.
func (s *Storage) ListCursors() ([]SyncCursor, error) {
	rows, err := s.db.Query(`
		SELECT connection_id, cursor, last_synced_at, status, last_error
		FROM sync_cursors ORDER BY connection_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cursors []SyncCursor
	for rows.Next() {
		var (
			cur      SyncCursor
			lastSync sql.NullTime
			status   string
		)
		if err := rows.Scan(&cur.ConnectionID, &cur.Cursor, &lastSync, &status, &cur.LastError); err != nil {
			return nil, err
		}
		cur.Status = ConnectionStatus(status)
		if lastSync.Valid {
			t := lastSync.Time
			cur.LastSyncedAt = &t
		}
		cursors = append(cursors, cur)
	}

	return cursors, rows.Err()
}

// StartSyncRun records the start of a sync run
func (s *Storage) StartSyncRun(connectionID string) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO sync_runs (connection_id, status) VALUES (?, ?)
	`, connectionID, RunStatusRunning)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CompleteSyncRun records the completion of a sync run
func (s *Storage) CompleteSyncRun(runID int64, added, updated, quarantined, errCount int, status string) error {
	_, err := s.db.Exec(`
		UPDATE sync_runs
		SET completed_at = CURRENT_TIMESTAMP,
		    added = ?, updated = ?, quarantined = ?, errors = ?, status = ?
		WHERE id = ?
	`, added, updated, quarantined, errCount, status, runID)
	return err
}

// ListSyncRuns returns recent sync runs, newest first.
func (s *Storage) ListSyncRuns(limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, connection_id, started_at, completed_at, added, updated, quarantined, errors, status
		FROM sync_runs ORDER BY started_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []SyncRun
	for rows.Next() {
		var (
			run       SyncRun
			completed sql.NullTime
		)
		err := rows.Scan(
			&run.ID,
			&run.ConnectionID,
			&run.StartedAt,
			&completed,
			&run.Added,
			&run.Updated,
			&run.Quarantined,
			&run.Errors,
			&run.Status,
		)
		if err != nil {
			return nil, err
		}
		if completed.Valid {
			t := completed.Time
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// GetStats returns reconciliation aggregates for the stats endpoint.
func (s *Storage) GetStats() (*Stats, error) {
	stats := &Stats{
		TransactionsByState: make(map[MatchState]int),
		ReceiptsByStatus:    make(map[ReceiptStatus]int),
	}

	rows, err := s.db.Query(`
		SELECT match_state, COUNT(*) FROM transactions WHERE active = 1 GROUP BY match_state
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.TransactionsByState[MatchState(state)] = count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	rows, err = s.db.Query(`
		SELECT status, COUNT(*) FROM receipts GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stats.ReceiptsByStatus[ReceiptStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	stats.PendingReview = stats.TransactionsByState[MatchStatePendingReview]

	cursors, err := s.ListCursors()
	if err != nil {
		return nil, err
	}
	stats.Connections = cursors

	return stats, nil
}

package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockRepository is an in-memory implementation of Repository for
// testing. It mirrors the conditional-update semantics of the SQLite
// implementation, including version checks on link writes.
type MockRepository struct {
	mu           sync.Mutex
	transactions map[string]*Transaction
	receipts     map[string]*Receipt
	receiptHash  map[string]string // content hash -> receipt ID
	rejections   map[string]bool   // txID + "\x00" + receiptID
	cursors      map[string]*SyncCursor
	runs         []*SyncRun
	nextRunID    int64

	// Error injection for testing error paths
	InsertTransactionErr error
	InsertReceiptErr     error
	LinkMatchErr         error
	CandidateErr         error
	AdvanceCursorErr     error
}

// NewMockRepository creates a new mock repository for testing
func NewMockRepository() *MockRepository {
	return &MockRepository{
		transactions: make(map[string]*Transaction),
		receipts:     make(map[string]*Receipt),
		receiptHash:  make(map[string]string),
		rejections:   make(map[string]bool),
		cursors:      make(map[string]*SyncCursor),
		nextRunID:    1,
	}
}

// Compile-time check that MockRepository implements Repository
var _ Repository = (*MockRepository)(nil)

// Close does nothing for mock
func (m *MockRepository) Close() error {
	return nil
}

func rejectionKey(txID, receiptID string) string {
	return txID + "\x00" + receiptID
}

func (m *MockRepository) InsertTransactionIfAbsent(tx *Transaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InsertTransactionErr != nil {
		return false, m.InsertTransactionErr
	}
	if _, exists := m.transactions[tx.ID]; exists {
		return false, nil
	}

	copied := *tx
	copied.MatchState = MatchStateUnmatched
	copied.Version = 1
	copied.Active = true
	now := time.Now().UTC()
	copied.CreatedAt = now
	copied.UpdatedAt = now
	m.transactions[tx.ID] = &copied
	return true, nil
}

func (m *MockRepository) GetTransaction(id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *tx
	return &copied, nil
}

func (m *MockRepository) ListTransactions(f TransactionFilters) (*TransactionListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.Limit <= 0 {
		f.Limit = 50
	}

	var all []*Transaction
	for _, tx := range m.transactions {
		if !tx.Active {
			continue
		}
		if f.State != "" && string(tx.MatchState) != f.State {
			continue
		}
		date := tx.PostedDate.Format(dateFormat)
		if f.From != "" && date < f.From {
			continue
		}
		if f.To != "" && date > f.To {
			continue
		}
		if f.Category != "" {
			found := false
			for _, c := range tx.Categories {
				if c == f.Category {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		copied := *tx
		all = append(all, &copied)
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].PostedDate.Equal(all[j].PostedDate) {
			return all[i].PostedDate.After(all[j].PostedDate)
		}
		return all[i].ID < all[j].ID
	})

	result := &TransactionListResult{TotalCount: len(all), Limit: f.Limit, Offset: f.Offset}
	if f.Offset < len(all) {
		end := f.Offset + f.Limit
		if end > len(all) {
			end = len(all)
		}
		result.Transactions = all[f.Offset:end]
	}
	return result, nil
}

func (m *MockRepository) ListRescorableIDs() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, tx := range m.transactions {
		if tx.Active && tx.MatchState.Rescorable() {
			ids = append(ids, tx.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MockRepository) LinkMatch(txID, receiptID string, state MatchState, confidence int, decidedBy DecidedBy, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LinkMatchErr != nil {
		return m.LinkMatchErr
	}
	if !state.Linked() {
		return fmt.Errorf("%w: %q is not a linked state", ErrInvalidState, state)
	}

	tx, ok := m.transactions[txID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if tx.MatchState.Linked() || tx.MatchedReceipt != "" {
		return fmt.Errorf("transaction %s: %w", txID, ErrAlreadyLinked)
	}
	if tx.Version != expectVersion {
		return fmt.Errorf("transaction %s: %w", txID, ErrVersionConflict)
	}

	rc, ok := m.receipts[receiptID]
	if !ok {
		return fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	if rc.MatchedTransaction != "" {
		return fmt.Errorf("receipt %s: %w", receiptID, ErrAlreadyLinked)
	}

	now := time.Now().UTC()
	rc.MatchedTransaction = txID
	rc.UpdatedAt = now
	tx.MatchState = state
	tx.MatchedReceipt = receiptID
	tx.DecidedBy = decidedBy
	tx.MatchConfidence = confidence
	tx.ReviewCandidates = nil
	tx.Version++
	tx.UpdatedAt = now
	return nil
}

func (m *MockRepository) SetPendingReview(txID string, candidates []ReviewCandidate, confidence int, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[txID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if !tx.MatchState.Rescorable() {
		return fmt.Errorf("transaction %s in state %s: %w", txID, tx.MatchState, ErrInvalidState)
	}
	if tx.Version != expectVersion {
		return fmt.Errorf("transaction %s: %w", txID, ErrVersionConflict)
	}

	tx.MatchState = MatchStatePendingReview
	tx.ReviewCandidates = append([]ReviewCandidate(nil), candidates...)
	tx.MatchConfidence = confidence
	tx.DecidedBy = DecidedByNone
	tx.Version++
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockRepository) ClearReview(txID string, expectVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[txID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if !tx.MatchState.Rescorable() {
		return fmt.Errorf("transaction %s in state %s: %w", txID, tx.MatchState, ErrInvalidState)
	}
	if tx.Version != expectVersion {
		return fmt.Errorf("transaction %s: %w", txID, ErrVersionConflict)
	}

	tx.MatchState = MatchStateUnmatched
	tx.ReviewCandidates = nil
	tx.MatchConfidence = 0
	tx.DecidedBy = DecidedByNone
	tx.Version++
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockRepository) Unlink(txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[txID]
	if !ok {
		return fmt.Errorf("transaction %s: %w", txID, ErrNotFound)
	}
	if tx.MatchedReceipt == "" {
		return nil
	}

	if rc, ok := m.receipts[tx.MatchedReceipt]; ok {
		rc.MatchedTransaction = ""
	}
	tx.MatchState = MatchStateUnmatched
	tx.MatchedReceipt = ""
	tx.DecidedBy = DecidedByNone
	tx.MatchConfidence = 0
	tx.ReviewCandidates = nil
	tx.Version++
	tx.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockRepository) MarkTransactionInactive(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	tx.Active = false
	tx.Version++
	return nil
}

func (m *MockRepository) InsertReceiptIfAbsent(rc *Receipt) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.InsertReceiptErr != nil {
		return false, m.InsertReceiptErr
	}
	if _, exists := m.receiptHash[rc.ContentHash]; exists {
		return false, nil
	}

	copied := *rc
	if copied.IngestedAt.IsZero() {
		copied.IngestedAt = time.Now().UTC()
	}
	copied.UpdatedAt = time.Now().UTC()
	m.receipts[rc.ID] = &copied
	m.receiptHash[rc.ContentHash] = rc.ID
	return true, nil
}

func (m *MockRepository) GetReceipt(id string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rc, ok := m.receipts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *rc
	return &copied, nil
}

func (m *MockRepository) GetReceiptByHash(hash string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.receiptHash[hash]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *m.receipts[id]
	return &copied, nil
}

func (m *MockRepository) ListReceipts(f ReceiptFilters) (*ReceiptListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.Limit <= 0 {
		f.Limit = 50
	}

	var all []*Receipt
	for _, rc := range m.receipts {
		if f.Status != "" && string(rc.Status) != f.Status {
			continue
		}
		if f.Search != "" &&
			!strings.Contains(rc.Merchant, f.Search) &&
			!strings.Contains(rc.RawText, f.Search) {
			continue
		}
		if f.Linked != nil {
			linked := rc.MatchedTransaction != ""
			if linked != *f.Linked {
				continue
			}
		}
		copied := *rc
		all = append(all, &copied)
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].IngestedAt.Equal(all[j].IngestedAt) {
			return all[i].IngestedAt.After(all[j].IngestedAt)
		}
		return all[i].ID < all[j].ID
	})

	result := &ReceiptListResult{TotalCount: len(all), Limit: f.Limit, Offset: f.Offset}
	if f.Offset < len(all) {
		end := f.Offset + f.Limit
		if end > len(all) {
			end = len(all)
		}
		result.Receipts = all[f.Offset:end]
	}
	return result, nil
}

func (m *MockRepository) ApplyExtraction(receiptID string, res ExtractionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rc, ok := m.receipts[receiptID]
	if !ok {
		return fmt.Errorf("receipt %s: %w", receiptID, ErrNotFound)
	}
	if rc.MatchedTransaction != "" {
		return fmt.Errorf("receipt %s: %w", receiptID, ErrAlreadyLinked)
	}

	rc.Merchant = res.Merchant
	rc.Amount = res.Amount
	rc.ReceiptDate = res.Date
	rc.RawText = res.Text
	if res.Failed {
		rc.Status = ReceiptStatusFailed
	} else {
		rc.Status = ReceiptStatusExtracted
	}
	rc.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MockRepository) CandidateReceipts(q CandidateQuery) ([]*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CandidateErr != nil {
		return nil, m.CandidateErr
	}

	from := q.DateFrom.Format(dateFormat)
	to := q.DateTo.Format(dateFormat)

	var out []*Receipt
	for _, rc := range m.receipts {
		if rc.MatchedTransaction != "" {
			continue
		}
		if m.rejections[rejectionKey(q.TransactionID, rc.ID)] {
			continue
		}
		if rc.ReceiptDate != nil {
			d := rc.ReceiptDate.Format(dateFormat)
			if d < from || d > to {
				continue
			}
		}
		if rc.Amount != nil {
			if rc.Amount.LessThan(q.AmountMin) || rc.Amount.GreaterThan(q.AmountMax) {
				continue
			}
		}
		copied := *rc
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].IngestedAt.Equal(out[j].IngestedAt) {
			return out[i].IngestedAt.Before(out[j].IngestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MockRepository) RecordRejection(txID, receiptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rejections[rejectionKey(txID, receiptID)] = true
	return nil
}

func (m *MockRepository) GetCursor(connectionID string) (*SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cursors[connectionID]
	if !ok {
		cur = &SyncCursor{ConnectionID: connectionID, Status: ConnectionOK}
		m.cursors[connectionID] = cur
	}
	copied := *cur
	return &copied, nil
}

func (m *MockRepository) AdvanceCursor(connectionID, cursor string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AdvanceCursorErr != nil {
		return m.AdvanceCursorErr
	}
	cur, ok := m.cursors[connectionID]
	if !ok {
		cur = &SyncCursor{ConnectionID: connectionID, Status: ConnectionOK}
		m.cursors[connectionID] = cur
	}
	cur.Cursor = cursor
	t := at.UTC()
	cur.LastSyncedAt = &t
	return nil
}

func (m *MockRepository) SetConnectionStatus(connectionID string, status ConnectionStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.cursors[connectionID]
	if !ok {
		cur = &SyncCursor{ConnectionID: connectionID}
		m.cursors[connectionID] = cur
	}
	cur.Status = status
	cur.LastError = lastError
	return nil
}

func (m *MockRepository) ListCursors() ([]SyncCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SyncCursor
	for _, cur := range m.cursors {
		out = append(out, *cur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out, nil
}

func (m *MockRepository) StartSyncRun(connectionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := &SyncRun{
		ID:           m.nextRunID,
		ConnectionID: connectionID,
		StartedAt:    time.Now().UTC(),
		Status:       RunStatusRunning,
	}
	m.nextRunID++
	m.runs = append(m.runs, run)
	return run.ID, nil
}

func (m *MockRepository) CompleteSyncRun(runID int64, added, updated, quarantined, errCount int, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, run := range m.runs {
		if run.ID == runID {
			now := time.Now().UTC()
			run.CompletedAt = &now
			run.Added = added
			run.Updated = updated
			run.Quarantined = quarantined
			run.Errors = errCount
			run.Status = status
			return nil
		}
	}
	return fmt.Errorf("sync run %d: %w", runID, ErrNotFound)
}

func (m *MockRepository) ListSyncRuns(limit int) ([]SyncRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	out := make([]SyncRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *m.runs[i])
	}
	return out, nil
}

func (m *MockRepository) GetStats() (*Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &Stats{
		TransactionsByState: make(map[MatchState]int),
		ReceiptsByStatus:    make(map[ReceiptStatus]int),
	}
	for _, tx := range m.transactions {
		if tx.Active {
			stats.TransactionsByState[tx.MatchState]++
		}
	}
	for _, rc := range m.receipts {
		stats.ReceiptsByStatus[rc.Status]++
	}
	stats.PendingReview = stats.TransactionsByState[MatchStatePendingReview]
	for _, cur := range m.cursors {
		stats.Connections = append(stats.Connections, *cur)
	}
	sort.Slice(stats.Connections, func(i, j int) bool {
		return stats.Connections[i].ConnectionID < stats.Connections[j].ConnectionID
	})
	return stats, nil
}

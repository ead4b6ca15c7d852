// Package ingest is the single entry point for receipt bytes. Every
// source (capture upload, email attachment, watched import directory)
// funnels through here so content-hash dedup is enforced in exactly
// one place.
package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/receipthq/reconcile/internal/adapters/connectors"
	"github.com/receipthq/reconcile/internal/domain/normalize"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
)

// Store is the slice of the repository the ingest service needs.
type Store interface {
	InsertReceiptIfAbsent(rc *storage.Receipt) (bool, error)
	GetReceiptByHash(hash string) (*storage.Receipt, error)
	ApplyExtraction(receiptID string, res storage.ExtractionResult) error
}

// Outcome reports what ingestion did with a document.
type Outcome struct {
	Receipt *storage.Receipt

	// Created is false when the content hash was already known; the
	// returned receipt is then the existing one.
	Created bool
}

// Service ingests receipt documents: hash, store bytes, create the
// receipt row unless the hash is already known.
type Service struct {
	store   Store
	objects ObjectStore
	logger  *slog.Logger
}

// NewService creates an ingest service.
func NewService(store Store, objects ObjectStore, logger *slog.Logger) *Service {
	return &Service{store: store, objects: objects, logger: logger}
}

// Ingest processes one document. Re-ingesting the same bytes from any
// source is a no-op that returns the existing receipt.
func (s *Service) Ingest(doc connectors.Document) (*Outcome, error) {
	if len(doc.Data) == 0 {
		return nil, fmt.Errorf("ingest %s: empty document", doc.Filename)
	}

	sum := sha256.Sum256(doc.Data)
	hash := hex.EncodeToString(sum[:])

	if existing, err := s.store.GetReceiptByHash(hash); err == nil {
		s.logger.Debug("duplicate receipt ignored",
			"content_hash", hash, "receipt_id", existing.ID)
		return &Outcome{Receipt: existing, Created: false}, nil
	}

	ref := hash + filepath.Ext(doc.Filename)
	if err := s.objects.Put(ref, doc.Data); err != nil {
		return nil, fmt.Errorf("store receipt object: %w", err)
	}

	rc := &storage.Receipt{
		ID:          uuid.NewString(),
		ContentHash: hash,
		Origin:      doc.Origin,
		StorageRef:  ref,
		Status:      storage.ReceiptStatusPending,
	}
	if doc.Extraction != nil {
		// Source-parsed fields skip the extraction queue.
		rc.Merchant = normalize.Merchant(doc.Extraction.Merchant)
		rc.Amount = doc.Extraction.Amount
		rc.ReceiptDate = doc.Extraction.Date
		rc.RawText = doc.Extraction.Text
		rc.Status = storage.ReceiptStatusExtracted
		if doc.Extraction.Failed {
			rc.Status = storage.ReceiptStatusFailed
		}
	}

	created, err := s.store.InsertReceiptIfAbsent(rc)
	if err != nil {
		return nil, fmt.Errorf("persist receipt: %w", err)
	}
	if !created {
		// Lost a race with a concurrent ingest of the same bytes.
		existing, err := s.store.GetReceiptByHash(hash)
		if err != nil {
			return nil, err
		}
		return &Outcome{Receipt: existing, Created: false}, nil
	}

	s.logger.Info("receipt ingested",
		"receipt_id", rc.ID, "origin", rc.Origin, "status", rc.Status)
	return &Outcome{Receipt: rc, Created: true}, nil
}

// ApplyExtraction records the extraction service's result for a
// pending receipt, normalizing the merchant on the way in.
func (s *Service) ApplyExtraction(receiptID string, res storage.ExtractionResult) error {
	res.Merchant = normalize.Merchant(res.Merchant)
	if err := s.store.ApplyExtraction(receiptID, res); err != nil {
		return err
	}

	s.logger.Info("extraction applied",
		"receipt_id", receiptID, "failed", res.Failed)
	return nil
}

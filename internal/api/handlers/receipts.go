package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/receipthq/reconcile/internal/adapters/connectors"
	"github.com/receipthq/reconcile/internal/api/dto"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
	"github.com/receipthq/reconcile/internal/ingest"
)

// maxUploadBytes bounds receipt uploads.
const maxUploadBytes = 20 << 20 // 20 MiB

// Ingestor is the slice of the ingest service the API needs.
type Ingestor interface {
	Ingest(doc connectors.Document) (*ingest.Outcome, error)
	ApplyExtraction(receiptID string, res storage.ExtractionResult) error
}

// ReceiptsHandler handles receipt-related HTTP requests.
type ReceiptsHandler struct {
	*Base
	ingestor Ingestor
}

// NewReceiptsHandler creates a new receipts handler.
func NewReceiptsHandler(repo storage.Repository, ingestor Ingestor) *ReceiptsHandler {
	return &ReceiptsHandler{
		Base:     NewBase(repo),
		ingestor: ingestor,
	}
}

// List handles GET /api/receipts with status, search, linked and
// pagination filters.
func (h *ReceiptsHandler) List(w http.ResponseWriter, r *http.Request) {
	filters := storage.ReceiptFilters{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("search"),
		Limit:  ParseIntParam(r, "limit", 50),
		Offset: ParseIntParam(r, "offset", 0),
	}
	if v := r.URL.Query().Get("linked"); v != "" {
		linked := v == "true" || v == "1"
		filters.Linked = &linked
	}

	result, err := h.repo.ListReceipts(filters)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	response := dto.ReceiptListResponse{
		Receipts:   make([]dto.ReceiptResponse, 0, len(result.Receipts)),
		TotalCount: result.TotalCount,
		Limit:      result.Limit,
		Offset:     result.Offset,
	}
	for _, rc := range result.Receipts {
		response.Receipts = append(response.Receipts, toReceiptResponse(rc))
	}

	h.WriteJSON(w, http.StatusOK, response)
}

// Get handles GET /api/receipts/{id}.
func (h *ReceiptsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("receipt ID is required"))
		return
	}

	rc, err := h.repo.GetReceipt(id)
	if errors.Is(err, storage.ErrNotFound) {
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("receipt"))
		return
	}
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusOK, toReceiptResponse(rc))
}

// Upload handles POST /api/receipts - a captured receipt file as
// multipart form data under "file". Duplicate content returns the
// existing receipt with 200 instead of 201.
func (h *ReceiptsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.ValidationError("multipart field 'file' is required"))
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("failed to read upload"))
		return
	}

	out, err := h.ingestor.Ingest(connectors.Document{
		Filename: header.Filename,
		Data:     data,
		Origin:   storage.OriginCaptured,
	})
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	status := http.StatusOK
	if out.Created {
		status = http.StatusCreated
	}
	h.WriteJSON(w, status, dto.IngestResponse{
		Receipt: toReceiptResponse(out.Receipt),
		Created: out.Created,
	})
}

// Extraction handles POST /api/receipts/{id}/extraction - the callback
// from the extraction service.
func (h *ReceiptsHandler) Extraction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("receipt ID is required"))
		return
	}

	var req dto.ExtractionCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.WriteError(w, http.StatusBadRequest, dto.ValidationError("invalid request body"))
		return
	}

	res := storage.ExtractionResult{
		Merchant: req.Merchant,
		Text:     req.Text,
		Failed:   req.Failed,
	}
	if req.Amount != "" {
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			h.WriteError(w, http.StatusBadRequest, dto.ValidationError("invalid amount"))
			return
		}
		res.Amount = &amt
	}
	if req.Date != "" {
		d, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			h.WriteError(w, http.StatusBadRequest, dto.ValidationError("invalid date, expected YYYY-MM-DD"))
			return
		}
		res.Date = &d
	}

	err := h.ingestor.ApplyExtraction(id, res)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("receipt"))
		return
	case errors.Is(err, storage.ErrAlreadyLinked):
		h.WriteError(w, http.StatusConflict, dto.ConflictError("receipt is already linked"))
		return
	case err != nil:
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	rc, err := h.repo.GetReceipt(id)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	h.WriteJSON(w, http.StatusOK, toReceiptResponse(rc))
}

// toReceiptResponse converts a storage Receipt to an API response.
func toReceiptResponse(rc *storage.Receipt) dto.ReceiptResponse {
	resp := dto.ReceiptResponse{
		ID:                   rc.ID,
		ContentHash:          rc.ContentHash,
		Origin:               string(rc.Origin),
		Merchant:             rc.Merchant,
		Status:               string(rc.Status),
		MatchedTransactionID: rc.MatchedTransaction,
		IngestedAt:           rc.IngestedAt,
	}
	if rc.Amount != nil {
		resp.Amount = rc.Amount.String()
	}
	if rc.ReceiptDate != nil {
		resp.ReceiptDate = rc.ReceiptDate.Format("2006-01-02")
	}
	return resp
}

package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/receipthq/reconcile/internal/api/dto"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
)

// Decider is the slice of the decision engine the API needs.
type Decider interface {
	ConfirmMatch(txID, receiptID string) error
	RejectMatch(txID, receiptID string) error
	Unlink(txID string) error
}

// TransactionsHandler handles transaction-related HTTP requests.
type TransactionsHandler struct {
	*Base
	decider Decider
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(repo storage.Repository, decider Decider) *TransactionsHandler {
	return &TransactionsHandler{
		Base:    NewBase(repo),
		decider: decider,
	}
}

// List handles GET /api/transactions with state, date-range, category
// and pagination filters.
func (h *TransactionsHandler) List(w http.ResponseWriter, r *http.Request) {
	filters := storage.TransactionFilters{
		State:    r.URL.Query().Get("state"),
		From:     r.URL.Query().Get("from"),
		To:       r.URL.Query().Get("to"),
		Category: r.URL.Query().Get("category"),
		Limit:    ParseIntParam(r, "limit", 50),
		Offset:   ParseIntParam(r, "offset", 0),
	}

	result, err := h.repo.ListTransactions(filters)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	response := dto.TransactionListResponse{
		Transactions: make([]dto.TransactionResponse, 0, len(result.Transactions)),
		TotalCount:   result.TotalCount,
		Limit:        result.Limit,
		Offset:       result.Offset,
	}
	for _, tx := range result.Transactions {
		response.Transactions = append(response.Transactions, toTransactionResponse(tx))
	}

	h.WriteJSON(w, http.StatusOK, response)
}

// Get handles GET /api/transactions/{id}.
func (h *TransactionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("transaction ID is required"))
		return
	}

	tx, err := h.repo.GetTransaction(id)
	if errors.Is(err, storage.ErrNotFound) {
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("transaction"))
		return
	}
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	h.WriteJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// Confirm handles POST /api/transactions/{id}/confirm - a human
// accepting a candidate receipt.
func (h *TransactionsHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.decider.ConfirmMatch)
}

// Reject handles POST /api/transactions/{id}/reject - a human
// rejecting a candidate receipt. The pair is never proposed again.
func (h *TransactionsHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.decider.RejectMatch)
}

func (h *TransactionsHandler) decide(w http.ResponseWriter, r *http.Request, apply func(txID, receiptID string) error) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("transaction ID is required"))
		return
	}

	var req dto.MatchDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiptID == "" {
		h.WriteError(w, http.StatusBadRequest, dto.ValidationError("receipt_id is required"))
		return
	}

	if err := apply(id, req.ReceiptID); err != nil {
		h.writeDecisionError(w, err)
		return
	}

	tx, err := h.repo.GetTransaction(id)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	h.WriteJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// Unlink handles DELETE /api/transactions/{id}/match.
func (h *TransactionsHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("transaction ID is required"))
		return
	}

	if err := h.decider.Unlink(id); err != nil {
		h.writeDecisionError(w, err)
		return
	}

	tx, err := h.repo.GetTransaction(id)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	h.WriteJSON(w, http.StatusOK, toTransactionResponse(tx))
}

func (h *TransactionsHandler) writeDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("transaction or receipt"))
	case errors.Is(err, storage.ErrAlreadyLinked),
		errors.Is(err, storage.ErrVersionConflict),
		errors.Is(err, storage.ErrInvalidState):
		h.WriteError(w, http.StatusConflict, dto.ConflictError(err.Error()))
	default:
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
	}
}

// toTransactionResponse converts a storage Transaction to an API response.
func toTransactionResponse(tx *storage.Transaction) dto.TransactionResponse {
	resp := dto.TransactionResponse{
		ID:               tx.ID,
		AccountID:        tx.AccountID,
		Amount:           tx.Amount.String(),
		Currency:         tx.Currency,
		PostedDate:       tx.PostedDate.Format("2006-01-02"),
		RawMerchant:      tx.RawMerchant,
		Merchant:         tx.Merchant,
		Categories:       tx.Categories,
		MatchState:       string(tx.MatchState),
		MatchedReceiptID: tx.MatchedReceipt,
		DecidedBy:        string(tx.DecidedBy),
		MatchConfidence:  tx.MatchConfidence,
		UpdatedAt:        tx.UpdatedAt,
	}
	for _, c := range tx.ReviewCandidates {
		resp.ReviewCandidates = append(resp.ReviewCandidates, dto.ReviewCandidateResponse{
			ReceiptID:     c.ReceiptID,
			Confidence:    c.Confidence,
			MerchantScore: c.MerchantScore,
			AmountScore:   c.AmountScore,
			DateScore:     c.DateScore,
		})
	}
	return resp
}

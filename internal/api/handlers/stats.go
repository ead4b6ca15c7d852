package handlers

import (
	"net/http"

	"github.com/receipthq/reconcile/internal/api/dto"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
)

// StatsHandler handles reconciliation stats requests.
type StatsHandler struct {
	*Base
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(repo storage.Repository) *StatsHandler {
	return &StatsHandler{Base: NewBase(repo)}
}

// Get handles GET /api/stats.
func (h *StatsHandler) Get(w http.ResponseWriter, _ *http.Request) {
	stats, err := h.repo.GetStats()
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}

	response := dto.StatsResponse{
		TransactionsByState: make(map[string]int, len(stats.TransactionsByState)),
		ReceiptsByStatus:    make(map[string]int, len(stats.ReceiptsByStatus)),
		PendingReview:       stats.PendingReview,
		Connections:         make([]dto.ConnectionResponse, 0, len(stats.Connections)),
	}
	for state, count := range stats.TransactionsByState {
		response.TransactionsByState[string(state)] = count
	}
	for status, count := range stats.ReceiptsByStatus {
		response.ReceiptsByStatus[string(status)] = count
	}
	for _, cur := range stats.Connections {
		response.Connections = append(response.Connections, dto.ConnectionResponse{
			ConnectionID: cur.ConnectionID,
			Status:       string(cur.Status),
			LastSyncedAt: cur.LastSyncedAt,
			LastError:    cur.LastError,
		})
	}

	h.WriteJSON(w, http.StatusOK, response)
}

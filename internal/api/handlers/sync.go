package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/receipthq/reconcile/internal/api/dto"
	"github.com/receipthq/reconcile/internal/application/service"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
)

// SyncHandler handles live sync job requests.
type SyncHandler struct {
	*Base
	syncService *service.SyncService
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(repo storage.Repository, syncService *service.SyncService) *SyncHandler {
	return &SyncHandler{
		Base:        NewBase(repo),
		syncService: syncService,
	}
}

// StartSync handles POST /api/sync. An empty or missing connection_id
// starts a job for every connection.
func (h *SyncHandler) StartSync(w http.ResponseWriter, r *http.Request) {
	var req dto.StartSyncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.WriteError(w, http.StatusBadRequest, dto.ValidationError("invalid request body"))
			return
		}
	}

	if req.ConnectionID == "" {
		jobIDs := h.syncService.StartSyncAll(r.Context())
		h.WriteJSON(w, http.StatusAccepted, dto.StartSyncResponse{JobIDs: jobIDs})
		return
	}

	jobID, err := h.syncService.StartSync(r.Context(), req.ConnectionID)
	if err != nil {
		h.WriteError(w, http.StatusConflict, dto.ConflictError(err.Error()))
		return
	}
	h.WriteJSON(w, http.StatusAccepted, dto.StartSyncResponse{JobIDs: []string{jobID}})
}

// ListActive handles GET /api/sync/active.
func (h *SyncHandler) ListActive(w http.ResponseWriter, _ *http.Request) {
	jobs := h.syncService.ListActiveSyncJobs()

	response := dto.SyncJobListResponse{
		Jobs:  make([]dto.SyncJobResponse, 0, len(jobs)),
		Count: len(jobs),
	}
	for _, job := range jobs {
		response.Jobs = append(response.Jobs, toSyncJobResponse(job))
	}
	h.WriteJSON(w, http.StatusOK, response)
}

// GetStatus handles GET /api/sync/{jobId}.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("job ID is required"))
		return
	}

	job, err := h.syncService.GetSyncJob(jobID)
	if err != nil {
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("sync job"))
		return
	}
	h.WriteJSON(w, http.StatusOK, toSyncJobResponse(job))
}

// Cancel handles DELETE /api/sync/{jobId}.
func (h *SyncHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		h.WriteError(w, http.StatusBadRequest, dto.BadRequestError("job ID is required"))
		return
	}

	if err := h.syncService.CancelSync(jobID); err != nil {
		h.WriteError(w, http.StatusConflict, dto.ConflictError(err.Error()))
		return
	}

	job, err := h.syncService.GetSyncJob(jobID)
	if err != nil {
		h.WriteError(w, http.StatusNotFound, dto.NotFoundError("sync job"))
		return
	}
	h.WriteJSON(w, http.StatusOK, toSyncJobResponse(job))
}

// ListRuns handles GET /api/sync/runs - historical sync runs.
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := ParseIntParam(r, "limit", 20)

	runs, err := h.repo.ListSyncRuns(limit)
	if err != nil {
		h.WriteError(w, http.StatusInternalServerError, dto.InternalError())
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// toSyncJobResponse converts a service SyncJob to an API response.
func toSyncJobResponse(job *service.SyncJob) dto.SyncJobResponse {
	resp := dto.SyncJobResponse{
		ID:           job.ID,
		ConnectionID: job.ConnectionID,
		Status:       string(job.Status),
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
	if job.Result != nil {
		resp.Added = job.Result.Added
		resp.Duplicates = job.Result.Duplicates
		resp.Quarantined = job.Result.Quarantined
		resp.Errors = job.Result.Errors
	}
	if job.Error != nil {
		resp.Error = job.Error.Error()
	}
	return resp
}

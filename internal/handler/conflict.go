package handler

import (
	"encoding/json"
	"net/http"

	"carelink-sync-api/internal/model"
	"carelink-sync-api/internal/service"
	"carelink-sync-api/pkg/apierror"
	"carelink-sync-api/pkg/response"

	"github.com/go-chi/chi/v5"
)

// ConflictHandler handles conflict-related HTTP requests.
type ConflictHandler struct {
	queueManager *service.QueueManager
	orchestrator *service.SyncOrchestrator
}

// NewConflictHandler creates a new conflict handler.
func NewConflictHandler(queueManager *service.QueueManager, orchestrator *service.SyncOrchestrator) *ConflictHandler {
	return &ConflictHandler{
		queueManager: queueManager,
		orchestrator: orchestrator,
	}
}

// List handles GET /api/v1/sync/devices/{device_id}/conflicts
func (h *ConflictHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	if deviceID == "" {
		response.Error(w, apierror.BadRequest("device_id is required"))
		return
	}

	conflicts, err := h.queueManager.ListConflicts(r.Context(), userID, deviceID)
	if err != nil {
		response.Error(w, serviceError(err))
		return
	}
	if conflicts == nil {
		conflicts = []*model.SyncConflict{}
	}

	response.OK(w, map[string]interface{}{
		"device_id": deviceID,
		"conflicts": conflicts,
	})
}

// resolveRequest is the body for manual conflict resolution.
type resolveRequest struct {
	Resolution model.Resolution `json:"resolution"`
	MergedData map[string]any   `json:"merged_data"`
}

// Resolve handles POST /api/v1/sync/conflicts/{conflict_id}/resolve
func (h *ConflictHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	conflictID := chi.URLParam(r, "conflict_id")
	if conflictID == "" {
		response.Error(w, apierror.BadRequest("conflict_id is required"))
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierror.BadRequest("invalid JSON"))
		return
	}
	defer r.Body.Close()

	if !req.Resolution.IsValid() {
		response.Error(w, apierror.BadRequest("unknown resolution strategy"))
		return
	}

	conflict, err := h.orchestrator.ResolveConflict(r.Context(), userID, conflictID, req.Resolution, req.MergedData)
	if err != nil {
		response.Error(w, serviceError(err))
		return
	}

	response.OK(w, conflict)
}

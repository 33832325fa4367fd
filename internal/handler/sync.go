package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"carelink-sync-api/internal/middleware"
	"carelink-sync-api/internal/registry"
	"carelink-sync-api/internal/service"
	"carelink-sync-api/pkg/apierror"
	"carelink-sync-api/pkg/response"

	"github.com/go-chi/chi/v5"
)

// SyncHandler handles sync-related HTTP requests.
type SyncHandler struct {
	queueManager *service.QueueManager
	orchestrator *service.SyncOrchestrator
	watermarks   *service.WatermarkTracker
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(queueManager *service.QueueManager, orchestrator *service.SyncOrchestrator, watermarks *service.WatermarkTracker) *SyncHandler {
	return &SyncHandler{
		queueManager: queueManager,
		orchestrator: orchestrator,
		watermarks:   watermarks,
	}
}

// requireUserID extracts the acting user from the request context.
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		response.Error(w, apierror.Unauthorized("X-User-ID header is required"))
		return "", false
	}
	return userID, true
}

// serviceError maps service-layer errors to API errors.
func serviceError(err error) error {
	var syncErr *service.SyncError
	if errors.As(err, &syncErr) {
		switch syncErr.Code {
		case "CONFLICT_NOT_FOUND", "QUEUE_ITEM_NOT_FOUND":
			return apierror.NotFound(syncErr.Message)
		case "CONFLICT_ALREADY_RESOLVED":
			return apierror.Conflict(syncErr.Message)
		case "RESOLUTION_INPUT_MISSING":
			return apierror.BadRequest(syncErr.Message)
		}
	}

	var notRegistered *registry.NotRegisteredError
	if errors.As(err, &notRegistered) {
		return apierror.BadRequest(notRegistered.Error())
	}

	return err
}

// Enqueue handles POST /api/v1/sync/queue
func (h *SyncHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var mut service.Mutation
	if err := json.NewDecoder(r.Body).Decode(&mut); err != nil {
		response.Error(w, apierror.BadRequest("invalid JSON"))
		return
	}
	defer r.Body.Close()

	item, err := h.queueManager.Enqueue(r.Context(), userID, mut)
	if err != nil {
		response.Error(w, apierror.BadRequest(err.Error()))
		return
	}

	response.Created(w, item)
}

// syncRequest is the body for run and batch sync triggers.
type syncRequest struct {
	BatchSize        int                      `json:"batch_size"`
	RetryFailed      bool                     `json:"retry_failed"`
	ConflictStrategy service.ConflictStrategy `json:"conflict_strategy"`
	ItemIDs          []string                 `json:"item_ids"`
}

// Run handles POST /api/v1/sync/devices/{device_id}/run
func (h *SyncHandler) Run(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	if deviceID == "" {
		response.Error(w, apierror.BadRequest("device_id is required"))
		return
	}

	var req syncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, apierror.BadRequest("invalid JSON"))
			return
		}
		defer r.Body.Close()
	}

	result, err := h.orchestrator.SyncPendingActions(r.Context(), userID, deviceID, service.SyncOptions{
		BatchSize:        req.BatchSize,
		RetryFailed:      req.RetryFailed,
		ConflictStrategy: req.ConflictStrategy,
	})
	if err != nil {
		response.Error(w, serviceError(err))
		return
	}

	response.OK(w, result)
}

// Batch handles POST /api/v1/sync/devices/{device_id}/batch
func (h *SyncHandler) Batch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	if deviceID == "" {
		response.Error(w, apierror.BadRequest("device_id is required"))
		return
	}

	var req syncRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, apierror.BadRequest("invalid JSON"))
			return
		}
		defer r.Body.Close()
	}

	result, err := h.orchestrator.BatchSync(r.Context(), userID, deviceID, req.ItemIDs, service.SyncOptions{
		BatchSize:        req.BatchSize,
		RetryFailed:      req.RetryFailed,
		ConflictStrategy: req.ConflictStrategy,
	})
	if err != nil {
		// An item failure rolled the batch back as a unit; anything else
		// is an internal error.
		var abort *service.BatchAbortError
		if errors.As(err, &abort) {
			response.Error(w, apierror.Conflict(abort.Error()))
			return
		}
		response.Error(w, serviceError(err))
		return
	}

	response.OK(w, result)
}

// Statistics handles GET /api/v1/sync/devices/{device_id}/stats
func (h *SyncHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	if deviceID == "" {
		response.Error(w, apierror.BadRequest("device_id is required"))
		return
	}

	stats, err := h.queueManager.GetStatistics(r.Context(), userID, deviceID)
	if err != nil {
		response.Error(w, serviceError(err))
		return
	}

	response.OK(w, stats)
}

// ChangedEntities handles GET /api/v1/sync/devices/{device_id}/changes/{entity_type}
func (h *SyncHandler) ChangedEntities(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r); !ok {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	entityType := chi.URLParam(r, "entity_type")
	if deviceID == "" || entityType == "" {
		response.Error(w, apierror.BadRequest("device_id and entity_type are required"))
		return
	}

	ids, err := h.watermarks.GetChangedEntityIDs(r.Context(), deviceID, entityType)
	if err != nil {
		response.Error(w, serviceError(err))
		return
	}
	if ids == nil {
		ids = []string{}
	}

	response.OK(w, map[string]interface{}{
		"device_id":   deviceID,
		"entity_type": entityType,
		"entity_ids":  ids,
	})
}

// Watermark handles GET /api/v1/sync/devices/{device_id}/watermarks/{entity_type}
func (h *SyncHandler) Watermark(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r); !ok {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	entityType := chi.URLParam(r, "entity_type")
	if deviceID == "" || entityType == "" {
		response.Error(w, apierror.BadRequest("device_id and entity_type are required"))
		return
	}

	wm, err := h.watermarks.GetWatermark(r.Context(), deviceID, entityType)
	if err != nil {
		response.Error(w, serviceError(err))
		return
	}

	response.OK(w, wm)
}

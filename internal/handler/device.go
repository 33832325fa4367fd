package handler

import (
	"net/http"

	"carelink-sync-api/internal/service"
	"carelink-sync-api/pkg/apierror"
	"carelink-sync-api/pkg/response"

	"github.com/go-chi/chi/v5"
)

// DeviceHandler handles device lifecycle HTTP requests.
type DeviceHandler struct {
	watermarks *service.WatermarkTracker
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(watermarks *service.WatermarkTracker) *DeviceHandler {
	return &DeviceHandler{watermarks: watermarks}
}

// Deregister handles DELETE /api/v1/sync/devices/{device_id}
//
// Clears all watermarks for the device so a re-registered device starts
// from a full sync. Queue history is kept for auditing and swept by the
// retention job.
func (h *DeviceHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r); !ok {
		return
	}
	deviceID := chi.URLParam(r, "device_id")
	if deviceID == "" {
		response.Error(w, apierror.BadRequest("device_id is required"))
		return
	}

	if err := h.watermarks.Clear(r.Context(), deviceID, ""); err != nil {
		response.Error(w, serviceError(err))
		return
	}

	response.NoContent(w)
}

package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"carelink-sync-api/internal/cache"
	"carelink-sync-api/internal/handler"
	"carelink-sync-api/internal/middleware"
	"carelink-sync-api/internal/registry"
	"carelink-sync-api/internal/repository"
	"carelink-sync-api/internal/router"
	"carelink-sync-api/internal/service"
)

const testAPIKey = "test-key"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	if err := reg.Register("patients", registry.NewInMemoryEntityService()); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	queueManager := service.NewQueueManager(store.Queue(), store.Conflicts())
	watermarks := service.NewWatermarkTracker(cache.NewMemoryCache(), store.Queue())
	conflictSvc := service.NewConflictService(reg, store.Conflicts(), 5*time.Minute)
	orchestrator := service.NewSyncOrchestrator(store, reg, conflictSvc, watermarks, service.SyncDefaults{})

	r := router.New(router.Config{
		HealthHandler:   handler.NewHealthHandler("test"),
		SyncHandler:     handler.NewSyncHandler(queueManager, orchestrator, watermarks),
		ConflictHandler: handler.NewConflictHandler(queueManager, orchestrator),
		DeviceHandler:   handler.NewDeviceHandler(watermarks),
		AuthMiddleware:  middleware.NewAuthMiddleware(middleware.AuthConfig{APIKeys: []string{testAPIKey}}),
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func doRequest(t *testing.T, srv *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body failed: %v", err)
		}
	}

	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", testAPIKey)
	req.Header.Set("X-User-ID", "user-1")

	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode != http.StatusNoContent {
		t.Fatalf("decode response failed: %v", err)
	}
	return resp, decoded
}

func TestEnqueueAndRunSyncCycle(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doRequest(t, srv, http.MethodPost, "/api/v1/sync/queue", map[string]any{
		"device_id":   "device-1",
		"entity_type": "patients",
		"entity_id":   "p1",
		"action":      "CREATE",
		"data":        map[string]any{"id": "p1", "name": "Ada"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%v)", resp.StatusCode, body)
	}

	resp, body = doRequest(t, srv, http.MethodPost, "/api/v1/sync/devices/device-1/run", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d (%v)", resp.StatusCode, body)
	}
	data := body["data"].(map[string]any)
	if data["synced"] != float64(1) || data["failed"] != float64(0) {
		t.Fatalf("unexpected sync result: %v", data)
	}

	resp, body = doRequest(t, srv, http.MethodGet, "/api/v1/sync/devices/device-1/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	stats := body["data"].(map[string]any)
	if stats["synced"] != float64(1) || stats["pending"] != float64(0) {
		t.Fatalf("unexpected stats: %v", stats)
	}

	resp, body = doRequest(t, srv, http.MethodGet, "/api/v1/sync/devices/device-1/watermarks/patients", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	wm := body["data"].(map[string]any)
	if wm["device_id"] != "device-1" || wm["entity_type"] != "patients" {
		t.Fatalf("unexpected watermark: %v", wm)
	}
}

func TestEnqueueRejectsInvalidMutation(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodPost, "/api/v1/sync/queue", map[string]any{
		"device_id":   "device-1",
		"entity_type": "patients",
		"action":      "PATCH",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown action, got %d", resp.StatusCode)
	}
}

func TestBatchAbortReturnsConflictStatus(t *testing.T) {
	srv := newTestServer(t)

	// Two CREATEs for the same entity: the second one fails inside the
	// batch and rolls it back.
	for i := 0; i < 2; i++ {
		resp, body := doRequest(t, srv, http.MethodPost, "/api/v1/sync/queue", map[string]any{
			"device_id":   "device-1",
			"entity_type": "patients",
			"entity_id":   "p1",
			"action":      "CREATE",
			"data":        map[string]any{"id": "p1", "name": "Ada"},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("expected 201, got %d (%v)", resp.StatusCode, body)
		}
	}

	resp, body := doRequest(t, srv, http.MethodPost, "/api/v1/sync/devices/device-1/batch", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for aborted batch, got %d (%v)", resp.StatusCode, body)
	}
}

func TestBatchUnknownItemReturns404(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doRequest(t, srv, http.MethodPost, "/api/v1/sync/devices/device-1/batch", map[string]any{
		"item_ids": []string{"missing"},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown item id, got %d (%v)", resp.StatusCode, body)
	}
}

func TestListConflictsEmpty(t *testing.T) {
	srv := newTestServer(t)

	resp, body := doRequest(t, srv, http.MethodGet, "/api/v1/sync/devices/device-1/conflicts", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data := body["data"].(map[string]any)
	conflicts, ok := data["conflicts"].([]any)
	if !ok || len(conflicts) != 0 {
		t.Fatalf("expected empty conflict list, got %v", data["conflicts"])
	}
}

func TestResolveUnknownConflictReturns404(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodPost, "/api/v1/sync/conflicts/missing/resolve", map[string]any{
		"resolution": "CLIENT_WINS",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDeviceDeregister(t *testing.T) {
	srv := newTestServer(t)

	resp, _ := doRequest(t, srv, http.MethodDelete, "/api/v1/sync/devices/device-1/", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestRequestsWithoutAPIKeyAreRejected(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/sync/devices/device-1/stats", nil)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}
}

func TestMissingUserIDRejected(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/sync/queue",
		bytes.NewReader([]byte(fmt.Sprintf(`{"device_id":%q,"entity_type":"patients","action":"CREATE"}`, "device-1"))))
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without user header, got %d", resp.StatusCode)
	}
}

package service

import (
	"context"
	"testing"
	"time"

	"carelink-sync-api/internal/cache"
	"carelink-sync-api/internal/model"
)

func newWatermarkFixture(t *testing.T) (*WatermarkTracker, *memStore, cache.Cache) {
	t.Helper()
	store := newMemStore()
	c := cache.NewMemoryCache()
	tracker := NewWatermarkTracker(c, store.Queue())
	if tracker == nil {
		t.Fatal("expected tracker, got nil")
	}
	return tracker, store, c
}

func seedSyncedItem(t *testing.T, store *memStore, id, deviceID, entityID string, syncedAt time.Time) {
	t.Helper()
	err := store.Queue().Create(context.Background(), &model.SyncQueueItem{
		ID:         id,
		UserID:     "user-1",
		DeviceID:   deviceID,
		EntityType: "patients",
		EntityID:   entityID,
		Action:     model.ActionUpdate,
		Timestamp:  syncedAt.Add(-time.Minute),
		CreatedAt:  syncedAt.Add(-time.Minute),
	})
	if err != nil {
		t.Fatalf("seed item failed: %v", err)
	}
	if err := store.Queue().MarkSynced(context.Background(), id, syncedAt); err != nil {
		t.Fatalf("mark synced failed: %v", err)
	}
}

func TestGetWatermarkDefaultsToEpochZero(t *testing.T) {
	tracker, _, _ := newWatermarkFixture(t)

	wm, err := tracker.GetWatermark(context.Background(), "device-1", "patients")
	if err != nil {
		t.Fatalf("get watermark failed: %v", err)
	}
	if !wm.LastSyncTimestamp.Equal(time.Unix(0, 0).UTC()) {
		t.Fatalf("expected epoch zero for fresh pair, got %v", wm.LastSyncTimestamp)
	}
	if wm.DeviceID != "device-1" || wm.EntityType != "patients" {
		t.Fatalf("unexpected watermark identity: %+v", wm)
	}
}

func TestGetWatermarkDerivedFromSyncedQueue(t *testing.T) {
	tracker, store, _ := newWatermarkFixture(t)
	syncedAt := time.Now().UTC().Truncate(time.Second)
	seedSyncedItem(t, store, "item-1", "device-1", "p1", syncedAt)

	wm, err := tracker.GetWatermark(context.Background(), "device-1", "patients")
	if err != nil {
		t.Fatalf("get watermark failed: %v", err)
	}
	if !wm.LastSyncTimestamp.Equal(syncedAt) {
		t.Fatalf("expected watermark derived from queue %v, got %v", syncedAt, wm.LastSyncTimestamp)
	}
}

func TestUpdateWatermarkRefusesRegression(t *testing.T) {
	tracker, _, _ := newWatermarkFixture(t)
	now := time.Now().UTC()

	if err := tracker.UpdateWatermark(context.Background(), "device-1", "patients", now); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := tracker.UpdateWatermark(context.Background(), "device-1", "patients", now.Add(-time.Hour)); err != nil {
		t.Fatalf("regressing update should be refused without error: %v", err)
	}

	wm, err := tracker.GetWatermark(context.Background(), "device-1", "patients")
	if err != nil {
		t.Fatalf("get watermark failed: %v", err)
	}
	if !wm.LastSyncTimestamp.Equal(now) {
		t.Fatalf("expected watermark to hold at %v, got %v", now, wm.LastSyncTimestamp)
	}
}

func TestGetWatermarkRebuildsCorruptCacheEntry(t *testing.T) {
	tracker, store, c := newWatermarkFixture(t)
	syncedAt := time.Now().UTC().Truncate(time.Second)
	seedSyncedItem(t, store, "item-1", "device-1", "p1", syncedAt)

	if err := c.Set(context.Background(), "device-1:patients", []byte("not json"), 0); err != nil {
		t.Fatalf("seed corrupt entry failed: %v", err)
	}

	wm, err := tracker.GetWatermark(context.Background(), "device-1", "patients")
	if err != nil {
		t.Fatalf("get watermark failed: %v", err)
	}
	if !wm.LastSyncTimestamp.Equal(syncedAt) {
		t.Fatalf("expected rebuilt watermark %v, got %v", syncedAt, wm.LastSyncTimestamp)
	}
}

func TestGetChangedEntityIDsUsesWatermark(t *testing.T) {
	tracker, store, _ := newWatermarkFixture(t)
	base := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)

	seedSyncedItem(t, store, "item-old", "device-1", "p-old", base)
	seedSyncedItem(t, store, "item-new", "device-1", "p-new", base.Add(30*time.Minute))

	if err := tracker.UpdateWatermark(context.Background(), "device-1", "patients", base); err != nil {
		t.Fatalf("update watermark failed: %v", err)
	}

	ids, err := tracker.GetChangedEntityIDs(context.Background(), "device-1", "patients")
	if err != nil {
		t.Fatalf("get changed ids failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "p-new" {
		t.Fatalf("expected only p-new after the watermark, got %v", ids)
	}
}

func TestGetChangedEntityIDsSeesPeerDevices(t *testing.T) {
	tracker, store, _ := newWatermarkFixture(t)
	syncedAt := time.Now().UTC().Truncate(time.Second)

	// Another device pushed a change; device-1 has never synced, so its
	// epoch-zero watermark must surface it.
	seedSyncedItem(t, store, "item-peer", "device-2", "p1", syncedAt)

	ids, err := tracker.GetChangedEntityIDs(context.Background(), "device-1", "patients")
	if err != nil {
		t.Fatalf("get changed ids failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "p1" {
		t.Fatalf("expected peer change visible to device-1, got %v", ids)
	}
}

func TestClearRemovesDeviceWatermarks(t *testing.T) {
	tracker, _, _ := newWatermarkFixture(t)
	now := time.Now().UTC()

	if err := tracker.UpdateWatermark(context.Background(), "device-1", "patients", now); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := tracker.UpdateWatermark(context.Background(), "device-1", "appointments", now); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if err := tracker.Clear(context.Background(), "device-1", ""); err != nil {
		t.Fatalf("clear failed: %v", err)
	}

	// Cleared watermarks fall back to queue derivation, which is empty.
	wm, err := tracker.GetWatermark(context.Background(), "device-1", "patients")
	if err != nil {
		t.Fatalf("get watermark failed: %v", err)
	}
	if !wm.LastSyncTimestamp.Equal(time.Unix(0, 0).UTC()) {
		t.Fatalf("expected epoch zero after clear, got %v", wm.LastSyncTimestamp)
	}
}

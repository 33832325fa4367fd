package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"carelink-sync-api/internal/cache"
	"carelink-sync-api/internal/model"
	"carelink-sync-api/internal/repository"
)

// WatermarkTracker maintains the per (device, entity type) cursor marking
// the last successful sync. The cache is a derived index over the synced
// subset of queue rows and can be rebuilt from them at any time.
type WatermarkTracker struct {
	cache cache.Cache
	queue repository.QueueRepository
}

// NewWatermarkTracker creates a new watermark tracker.
func NewWatermarkTracker(c cache.Cache, queue repository.QueueRepository) *WatermarkTracker {
	if c == nil || queue == nil {
		return nil
	}
	return &WatermarkTracker{cache: c, queue: queue}
}

func watermarkKey(deviceID, entityType string) string {
	return fmt.Sprintf("%s:%s", deviceID, entityType)
}

// GetWatermark returns the cached watermark for a (device, entity type)
// pair. On a cache miss it derives the initial value from the most recent
// synced queue item, defaulting to epoch zero when no sync has happened.
func (t *WatermarkTracker) GetWatermark(ctx context.Context, deviceID, entityType string) (*model.SyncWatermark, error) {
	key := watermarkKey(deviceID, entityType)

	if raw, err := t.cache.Get(ctx, key); err == nil {
		var wm model.SyncWatermark
		if err := json.Unmarshal(raw, &wm); err == nil {
			return &wm, nil
		}
		// Corrupt cache entry: fall through and rebuild from the queue.
		_ = t.cache.Delete(ctx, key)
	}

	wm := &model.SyncWatermark{
		DeviceID:          deviceID,
		EntityType:        entityType,
		LastSyncTimestamp: time.Unix(0, 0).UTC(),
	}

	latest, err := t.queue.LatestSyncedAt(ctx, deviceID, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to derive watermark: %w", err)
	}
	if latest != nil {
		wm.LastSyncTimestamp = latest.UTC()
	}

	if err := t.store(ctx, key, wm); err != nil {
		return nil, err
	}
	return wm, nil
}

// UpdateWatermark advances the cursor. Callers are responsible for passing
// non-decreasing timestamps; a regressing timestamp is refused and logged
// so the invariant holds even under caller bugs.
func (t *WatermarkTracker) UpdateWatermark(ctx context.Context, deviceID, entityType string, timestamp time.Time) error {
	current, err := t.GetWatermark(ctx, deviceID, entityType)
	if err != nil {
		return err
	}

	if timestamp.Before(current.LastSyncTimestamp) {
		log.Printf("[WatermarkTracker] Refusing watermark regression for %s:%s (%v < %v)",
			deviceID, entityType, timestamp, current.LastSyncTimestamp)
		return nil
	}

	current.LastSyncTimestamp = timestamp.UTC()
	return t.store(ctx, watermarkKey(deviceID, entityType), current)
}

// GetChangedEntityIDs returns the distinct entity IDs whose synced-at is
// strictly after the device's current watermark for the entity type. The
// device only selects the watermark; candidate rows come from every
// device, so a reconnecting device discovers changes its peers pushed
// while it was offline.
func (t *WatermarkTracker) GetChangedEntityIDs(ctx context.Context, deviceID, entityType string) ([]string, error) {
	wm, err := t.GetWatermark(ctx, deviceID, entityType)
	if err != nil {
		return nil, err
	}
	return t.queue.ChangedEntityIDs(ctx, entityType, wm.LastSyncTimestamp)
}

// Clear evicts the cached watermark for one entity type, or every entity
// type of the device when entityType is empty. Used on device
// de-registration.
func (t *WatermarkTracker) Clear(ctx context.Context, deviceID, entityType string) error {
	if entityType != "" {
		return t.cache.Delete(ctx, watermarkKey(deviceID, entityType))
	}
	return t.cache.DeletePrefix(ctx, deviceID+":")
}

func (t *WatermarkTracker) store(ctx context.Context, key string, wm *model.SyncWatermark) error {
	raw, err := json.Marshal(wm)
	if err != nil {
		return fmt.Errorf("failed to encode watermark: %w", err)
	}
	if err := t.cache.Set(ctx, key, raw, 0); err != nil {
		return fmt.Errorf("failed to cache watermark: %w", err)
	}
	return nil
}

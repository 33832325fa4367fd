package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"carelink-sync-api/internal/model"
	"carelink-sync-api/internal/repository"
	"carelink-sync-api/pkg/uid"
)

// Mutation is a client-submitted change waiting to be applied server-side.
type Mutation struct {
	DeviceID   string           `json:"device_id"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Action     model.ActionType `json:"action"`
	Data       map[string]any   `json:"data"`
	Timestamp  time.Time        `json:"timestamp"`
}

// QueueManager handles the durable, ordered queue of pending
// client-originated mutations.
type QueueManager struct {
	queue     repository.QueueRepository
	conflicts repository.ConflictRepository
}

// NewQueueManager creates a new queue manager.
// Returns nil if queue is nil (required dependency).
func NewQueueManager(queue repository.QueueRepository, conflicts repository.ConflictRepository) *QueueManager {
	if queue == nil {
		return nil
	}
	return &QueueManager{
		queue:     queue,
		conflicts: conflicts,
	}
}

// Enqueue appends a new queue item for a mutation. Mutations are not
// deduplicated: repeated enqueues for the same entity produce independent
// entries, applied in enqueue order per device.
func (m *QueueManager) Enqueue(ctx context.Context, userID string, mut Mutation) (*model.SyncQueueItem, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if mut.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if mut.EntityType == "" {
		return nil, fmt.Errorf("entity type is required")
	}
	if !mut.Action.IsValid() {
		return nil, fmt.Errorf("unknown action type %q", mut.Action)
	}

	now := time.Now().UTC()
	ts := mut.Timestamp
	if ts.IsZero() {
		ts = now
	}

	item := &model.SyncQueueItem{
		ID:         uid.New(),
		UserID:     userID,
		DeviceID:   mut.DeviceID,
		EntityType: mut.EntityType,
		EntityID:   mut.EntityID,
		Action:     mut.Action,
		Data:       mut.Data,
		Timestamp:  ts,
		Attempts:   0,
		Synced:     false,
		CreatedAt:  now,
	}

	if err := m.queue.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	log.Printf("[QueueManager] Enqueued %s %s/%s for device %s (item %s)",
		item.Action, item.EntityType, item.EntityID, item.DeviceID, item.ID)
	return item, nil
}

// GetPendingItems returns up to batchSize unsynced items, oldest client
// timestamp first. When includeRetries is false, items that already failed
// at least once are excluded, so callers can choose fresh-only or
// all-pending semantics per run.
func (m *QueueManager) GetPendingItems(ctx context.Context, userID, deviceID string, batchSize int, includeRetries bool) ([]*model.SyncQueueItem, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return m.queue.GetPending(ctx, userID, deviceID, batchSize, includeRetries)
}

// UpdateAttempts records a sync attempt and its error, if any. The item
// stays unsynced and eligible for retry.
func (m *QueueManager) UpdateAttempts(ctx context.Context, id string, attempts int, lastError string) error {
	return m.queue.UpdateAttempts(ctx, id, attempts, lastError)
}

// MarkAsSynced marks an item applied; synced items are terminal.
func (m *QueueManager) MarkAsSynced(ctx context.Context, id string) error {
	return m.queue.MarkSynced(ctx, id, time.Now().UTC())
}

// MarkConflictDetected flags an item without altering its synced state.
func (m *QueueManager) MarkConflictDetected(ctx context.Context, id string) error {
	return m.queue.MarkConflictDetected(ctx, id)
}

// GetStatistics returns aggregate pending/synced/conflicted/failed counts
// for a (user, device) pair.
func (m *QueueManager) GetStatistics(ctx context.Context, userID, deviceID string) (*model.SyncStatistics, error) {
	return m.queue.GetStatistics(ctx, userID, deviceID)
}

// ListConflicts returns the PENDING conflicts for a (user, device) pair.
func (m *QueueManager) ListConflicts(ctx context.Context, userID, deviceID string) ([]*model.SyncConflict, error) {
	if m.conflicts == nil {
		return nil, nil
	}
	return m.conflicts.ListPending(ctx, userID, deviceID)
}

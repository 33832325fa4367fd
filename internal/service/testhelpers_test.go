package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"carelink-sync-api/internal/model"
	"carelink-sync-api/internal/repository"
)

// memStore is an in-memory repository.Store for service tests. Its
// WithTransaction snapshots both tables and restores them when fn fails,
// giving real rollback semantics without a database.
type memStore struct {
	mu    sync.Mutex
	queue *memQueueRepo
	confl *memConflictRepo
}

func newMemStore() *memStore {
	s := &memStore{}
	s.queue = &memQueueRepo{items: make(map[string]*model.SyncQueueItem)}
	s.confl = &memConflictRepo{store: s, conflicts: make(map[string]*model.SyncConflict)}
	return s
}

func (s *memStore) Queue() repository.QueueRepository        { return s.queue }
func (s *memStore) Conflicts() repository.ConflictRepository { return s.confl }
func (s *memStore) Ping(ctx context.Context) error           { return nil }
func (s *memStore) Close() error                             { return nil }

func (s *memStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, st repository.Store) error) error {
	queueSnapshot := s.queue.snapshot()
	conflictSnapshot := s.confl.snapshot()

	if err := fn(ctx, s); err != nil {
		s.queue.restore(queueSnapshot)
		s.confl.restore(conflictSnapshot)
		return err
	}
	return nil
}

type memQueueRepo struct {
	mu    sync.Mutex
	items map[string]*model.SyncQueueItem
}

func (r *memQueueRepo) snapshot() map[string]*model.SyncQueueItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*model.SyncQueueItem, len(r.items))
	for id, item := range r.items {
		copied := *item
		out[id] = &copied
	}
	return out
}

func (r *memQueueRepo) restore(snapshot map[string]*model.SyncQueueItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = snapshot
}

func (r *memQueueRepo) Create(ctx context.Context, item *model.SyncQueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[item.ID]; exists {
		return fmt.Errorf("duplicate queue item %s", item.ID)
	}
	copied := *item
	r.items[item.ID] = &copied
	return nil
}

func (r *memQueueRepo) GetByID(ctx context.Context, id string) (*model.SyncQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return nil, nil
	}
	copied := *item
	return &copied, nil
}

func (r *memQueueRepo) GetPending(ctx context.Context, userID, deviceID string, limit int, includeRetries bool) ([]*model.SyncQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*model.SyncQueueItem
	for _, item := range r.items {
		if item.UserID != userID || item.DeviceID != deviceID || item.Synced {
			continue
		}
		if !includeRetries && item.Attempts > 0 {
			continue
		}
		copied := *item
		pending = append(pending, &copied)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Timestamp.Before(pending[j].Timestamp)
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (r *memQueueRepo) UpdateAttempts(ctx context.Context, id string, attempts int, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("queue item %s not found", id)
	}
	item.Attempts = attempts
	item.LastError = lastError
	return nil
}

func (r *memQueueRepo) MarkSynced(ctx context.Context, id string, syncedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("queue item %s not found", id)
	}
	item.Synced = true
	t := syncedAt
	item.SyncedAt = &t
	return nil
}

func (r *memQueueRepo) MarkConflictDetected(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return fmt.Errorf("queue item %s not found", id)
	}
	item.ConflictDetected = true
	return nil
}

func (r *memQueueRepo) GetStatistics(ctx context.Context, userID, deviceID string) (*model.SyncStatistics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := &model.SyncStatistics{}
	for _, item := range r.items {
		if item.UserID != userID || item.DeviceID != deviceID {
			continue
		}
		if item.Synced {
			stats.Synced++
		} else {
			stats.Pending++
			if item.LastError != "" {
				stats.Failed++
			}
		}
		if item.ConflictDetected {
			stats.Conflicted++
		}
	}
	return stats, nil
}

func (r *memQueueRepo) LatestSyncedAt(ctx context.Context, deviceID, entityType string) (*time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *time.Time
	for _, item := range r.items {
		if item.DeviceID != deviceID || item.EntityType != entityType || !item.Synced || item.SyncedAt == nil {
			continue
		}
		if latest == nil || item.SyncedAt.After(*latest) {
			t := *item.SyncedAt
			latest = &t
		}
	}
	return latest, nil
}

func (r *memQueueRepo) ChangedEntityIDs(ctx context.Context, entityType string, after time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var ids []string
	for _, item := range r.items {
		if item.EntityType != entityType || !item.Synced {
			continue
		}
		if item.SyncedAt == nil || !item.SyncedAt.After(after) || item.EntityID == "" {
			continue
		}
		if !seen[item.EntityID] {
			seen[item.EntityID] = true
			ids = append(ids, item.EntityID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *memQueueRepo) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, item := range r.items {
		if item.Synced && item.SyncedAt != nil && item.SyncedAt.Before(cutoff) {
			delete(r.items, id)
			deleted++
		}
	}
	return deleted, nil
}

type memConflictRepo struct {
	mu        sync.Mutex
	store     *memStore
	conflicts map[string]*model.SyncConflict
}

func (r *memConflictRepo) snapshot() map[string]*model.SyncConflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*model.SyncConflict, len(r.conflicts))
	for id, c := range r.conflicts {
		copied := *c
		out[id] = &copied
	}
	return out
}

func (r *memConflictRepo) restore(snapshot map[string]*model.SyncConflict) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = snapshot
}

func (r *memConflictRepo) Create(ctx context.Context, c *model.SyncConflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conflicts[c.ID]; exists {
		return fmt.Errorf("duplicate conflict %s", c.ID)
	}
	copied := *c
	r.conflicts[c.ID] = &copied
	return nil
}

func (r *memConflictRepo) GetByID(ctx context.Context, id string) (*model.SyncConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conflicts[id]
	if !ok {
		return nil, nil
	}
	copied := *c
	return &copied, nil
}

func (r *memConflictRepo) GetPendingByQueueItemID(ctx context.Context, queueItemID string) (*model.SyncConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conflicts {
		if c.QueueItemID == queueItemID && c.Status == model.ConflictPending {
			copied := *c
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *memConflictRepo) Update(ctx context.Context, c *model.SyncConflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conflicts[c.ID]; !ok {
		return fmt.Errorf("conflict %s not found", c.ID)
	}
	copied := *c
	r.conflicts[c.ID] = &copied
	return nil
}

func (r *memConflictRepo) ListPending(ctx context.Context, userID, deviceID string) ([]*model.SyncConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pending []*model.SyncConflict
	for _, c := range r.conflicts {
		if c.Status != model.ConflictPending {
			continue
		}
		item, err := r.store.queue.GetByID(ctx, c.QueueItemID)
		if err != nil {
			return nil, err
		}
		if item == nil || item.UserID != userID || item.DeviceID != deviceID {
			continue
		}
		copied := *c
		pending = append(pending, &copied)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

// stubEntityService returns canned entity state and version metadata,
// with optional hooks for failure injection.
type stubEntityService struct {
	entity  map[string]any
	version *model.EntityVersion

	createFn func(ctx context.Context, data map[string]any, actorID string) (map[string]any, error)
	updateFn func(ctx context.Context, id string, data map[string]any, actorID string) (map[string]any, error)
	deleteFn func(ctx context.Context, id, actorID string) error

	updates []map[string]any
	deletes []string
}

func (s *stubEntityService) Create(ctx context.Context, data map[string]any, actorID string) (map[string]any, error) {
	if s.createFn != nil {
		return s.createFn(ctx, data, actorID)
	}
	return data, nil
}

func (s *stubEntityService) Update(ctx context.Context, id string, data map[string]any, actorID string) (map[string]any, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, id, data, actorID)
	}
	s.updates = append(s.updates, data)
	return data, nil
}

func (s *stubEntityService) Delete(ctx context.Context, id, actorID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, id, actorID)
	}
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *stubEntityService) FindByID(ctx context.Context, id string) (map[string]any, error) {
	if s.entity == nil {
		return nil, nil
	}
	out := make(map[string]any, len(s.entity))
	for k, v := range s.entity {
		out[k] = v
	}
	return out, nil
}

func (s *stubEntityService) GetVersion(ctx context.Context, id string) (*model.EntityVersion, error) {
	if s.version == nil {
		return nil, nil
	}
	v := *s.version
	return &v, nil
}

func (s *stubEntityService) ValidateData(data map[string]any) bool {
	return data != nil
}

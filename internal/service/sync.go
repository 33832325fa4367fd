package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"carelink-sync-api/internal/model"
	"carelink-sync-api/internal/registry"
	"carelink-sync-api/internal/repository"
)

const (
	// DefaultBatchSize is the pending-item batch size per sync cycle.
	DefaultBatchSize = 50

	// DefaultItemTimeout bounds each item's entity-service calls so one
	// stuck call cannot block the rest of the batch.
	DefaultItemTimeout = 30 * time.Second
)

// ConflictStrategy selects how the orchestrator auto-resolves conflicts
// found during a sync cycle. Empty or "manual" leaves them PENDING.
type ConflictStrategy string

const (
	StrategyClientWins ConflictStrategy = "client_wins"
	StrategyServerWins ConflictStrategy = "server_wins"
	StrategyNewestWins ConflictStrategy = "newest_wins"
	StrategyMerge      ConflictStrategy = "merge"
	StrategyManual     ConflictStrategy = "manual"
)

// SyncOptions tunes one orchestrator invocation.
type SyncOptions struct {
	BatchSize        int              `json:"batch_size"`
	RetryFailed      bool             `json:"retry_failed"`
	ConflictStrategy ConflictStrategy `json:"conflict_strategy"`
	ItemTimeout      time.Duration    `json:"-"`
}

// SyncDefaults carries the configured fallbacks applied when a request
// leaves SyncOptions fields unset.
type SyncDefaults struct {
	BatchSize   int
	ItemTimeout time.Duration
}

// BatchAbortError reports the queue item whose failure rolled an
// all-or-nothing batch back.
type BatchAbortError struct {
	QueueItemID string
	Err         error
}

func (e *BatchAbortError) Error() string {
	return fmt.Sprintf("batch aborted at item %s: %v", e.QueueItemID, e.Err)
}

func (e *BatchAbortError) Unwrap() error { return e.Err }

// SyncItemError records one item's failure within a batch result.
type SyncItemError struct {
	QueueItemID string `json:"queue_item_id"`
	Error       string `json:"error"`
}

// SyncResult summarizes one sync cycle.
type SyncResult struct {
	Synced    int             `json:"synced"`
	Failed    int             `json:"failed"`
	Conflicts int             `json:"conflicts"`
	Errors    []SyncItemError `json:"errors,omitempty"`
}

// SyncOrchestrator drives the end-to-end cycle: pull pending queue items,
// detect conflicts, auto-resolve or defer to manual resolution, apply
// accepted mutations via the registry, update the queue and watermark.
type SyncOrchestrator struct {
	store       repository.Store
	registry    *registry.Registry
	conflictSvc *ConflictService
	watermarks  *WatermarkTracker
	defaults    SyncDefaults
}

// NewSyncOrchestrator creates a new orchestrator. Zero defaults fall back
// to the package constants.
func NewSyncOrchestrator(store repository.Store, reg *registry.Registry, conflictSvc *ConflictService, watermarks *WatermarkTracker, defaults SyncDefaults) *SyncOrchestrator {
	if store == nil || reg == nil || conflictSvc == nil {
		return nil
	}
	if defaults.BatchSize <= 0 {
		defaults.BatchSize = DefaultBatchSize
	}
	if defaults.ItemTimeout <= 0 {
		defaults.ItemTimeout = DefaultItemTimeout
	}
	return &SyncOrchestrator{
		store:       store,
		registry:    reg,
		conflictSvc: conflictSvc,
		watermarks:  watermarks,
		defaults:    defaults,
	}
}

func (s *SyncOrchestrator) normalize(o *SyncOptions) {
	if o.BatchSize <= 0 {
		o.BatchSize = s.defaults.BatchSize
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = s.defaults.ItemTimeout
	}
}

// itemOutcome is the terminal state of one processed item.
type itemOutcome int

const (
	outcomeSynced itemOutcome = iota
	outcomeConflictPending
	outcomeFailed
)

// SyncPendingActions runs a best-effort sync cycle: items are processed
// strictly sequentially in client-timestamp order, and one item's failure
// never aborts its siblings.
func (s *SyncOrchestrator) SyncPendingActions(ctx context.Context, userID, deviceID string, opts SyncOptions) (*SyncResult, error) {
	s.normalize(&opts)

	items, err := s.store.Queue().GetPending(ctx, userID, deviceID, opts.BatchSize, opts.RetryFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending items: %w", err)
	}

	result := &SyncResult{}
	latestSynced := make(map[string]time.Time)

	for _, item := range items {
		outcome, syncedAt, itemErr := s.processItem(ctx, s.store, item, opts)
		switch outcome {
		case outcomeSynced:
			result.Synced++
			if syncedAt.After(latestSynced[item.EntityType]) {
				latestSynced[item.EntityType] = syncedAt
			}
		case outcomeConflictPending:
			result.Conflicts++
		case outcomeFailed:
			result.Failed++
			result.Errors = append(result.Errors, SyncItemError{
				QueueItemID: item.ID,
				Error:       itemErr.Error(),
			})
		}
	}

	s.advanceWatermarks(ctx, deviceID, latestSynced)

	log.Printf("[SyncOrchestrator] Device %s: %d synced, %d failed, %d conflicts",
		deviceID, result.Synced, result.Failed, result.Conflicts)
	return result, nil
}

// BatchSync is the all-or-nothing variant: the same per-item logic runs
// inside a single transaction and any item's unhandled failure rolls the
// entire batch back. When itemIDs is empty the current pending set is
// used.
func (s *SyncOrchestrator) BatchSync(ctx context.Context, userID, deviceID string, itemIDs []string, opts SyncOptions) (*SyncResult, error) {
	s.normalize(&opts)

	result := &SyncResult{}
	latestSynced := make(map[string]time.Time)

	err := s.store.WithTransaction(ctx, func(txCtx context.Context, tx repository.Store) error {
		items, err := s.collectBatchItems(txCtx, tx, userID, deviceID, itemIDs, opts)
		if err != nil {
			return err
		}

		for _, item := range items {
			outcome, syncedAt, itemErr := s.processItem(txCtx, tx, item, opts)
			switch outcome {
			case outcomeSynced:
				result.Synced++
				if syncedAt.After(latestSynced[item.EntityType]) {
					latestSynced[item.EntityType] = syncedAt
				}
			case outcomeConflictPending:
				result.Conflicts++
			case outcomeFailed:
				return &BatchAbortError{QueueItemID: item.ID, Err: itemErr}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Watermarks advance only after the transaction committed.
	s.advanceWatermarks(ctx, deviceID, latestSynced)
	return result, nil
}

func (s *SyncOrchestrator) collectBatchItems(ctx context.Context, tx repository.Store, userID, deviceID string, itemIDs []string, opts SyncOptions) ([]*model.SyncQueueItem, error) {
	if len(itemIDs) == 0 {
		return tx.Queue().GetPending(ctx, userID, deviceID, opts.BatchSize, opts.RetryFailed)
	}

	items := make([]*model.SyncQueueItem, 0, len(itemIDs))
	for _, id := range itemIDs {
		item, err := tx.Queue().GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if item == nil {
			return nil, &SyncError{Code: "QUEUE_ITEM_NOT_FOUND", Message: fmt.Sprintf("queue item %s not found", id)}
		}
		if item.Synced {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// processItem runs one item through the attempt/detect/resolve/apply
// steps. It returns the outcome, the synced-at time when applied, and the
// error for failed outcomes (already recorded on the queue item).
func (s *SyncOrchestrator) processItem(ctx context.Context, store repository.Store, item *model.SyncQueueItem, opts SyncOptions) (itemOutcome, time.Time, error) {
	attempts := item.Attempts + 1
	if err := store.Queue().UpdateAttempts(ctx, item.ID, attempts, ""); err != nil {
		return outcomeFailed, time.Time{}, err
	}
	item.Attempts = attempts

	itemCtx, cancel := context.WithTimeout(ctx, opts.ItemTimeout)
	defer cancel()

	outcome, syncedAt, err := s.processItemLocked(itemCtx, store, item, opts)
	if err != nil {
		if recErr := store.Queue().UpdateAttempts(ctx, item.ID, attempts, err.Error()); recErr != nil {
			log.Printf("[SyncOrchestrator] Failed to record error for item %s: %v", item.ID, recErr)
		}
		return outcomeFailed, time.Time{}, err
	}
	return outcome, syncedAt, nil
}

func (s *SyncOrchestrator) processItemLocked(ctx context.Context, store repository.Store, item *model.SyncQueueItem, opts SyncOptions) (itemOutcome, time.Time, error) {
	conflict, err := s.conflictSvc.DetectConflict(ctx, item)
	if err != nil {
		return outcomeFailed, time.Time{}, err
	}

	if conflict == nil {
		if err := s.applyMutation(ctx, item); err != nil {
			return outcomeFailed, time.Time{}, err
		}
		syncedAt := time.Now().UTC()
		if err := store.Queue().MarkSynced(ctx, item.ID, syncedAt); err != nil {
			return outcomeFailed, time.Time{}, err
		}
		return outcomeSynced, syncedAt, nil
	}

	// A re-processed item keeps its original conflict row; a queue item
	// has at most one PENDING conflict over its lifetime.
	existing, err := store.Conflicts().GetPendingByQueueItemID(ctx, item.ID)
	if err != nil {
		return outcomeFailed, time.Time{}, err
	}
	if existing != nil {
		conflict = existing
	} else {
		if err := store.Queue().MarkConflictDetected(ctx, item.ID); err != nil {
			return outcomeFailed, time.Time{}, err
		}
		if err := store.Conflicts().Create(ctx, conflict); err != nil {
			return outcomeFailed, time.Time{}, err
		}
	}

	resolution, ok := s.autoResolution(opts.ConflictStrategy, conflict)
	if !ok {
		// Left PENDING for manual resolution; not an error.
		return outcomeConflictPending, time.Time{}, nil
	}

	if err := s.conflictSvc.resolve(conflict, item.UserID, resolution, nil); err != nil {
		return outcomeFailed, time.Time{}, err
	}
	if err := store.Conflicts().Update(ctx, conflict); err != nil {
		return outcomeFailed, time.Time{}, err
	}
	if err := s.applyResolved(ctx, item, conflict); err != nil {
		return outcomeFailed, time.Time{}, err
	}

	syncedAt := time.Now().UTC()
	if err := store.Queue().MarkSynced(ctx, item.ID, syncedAt); err != nil {
		return outcomeFailed, time.Time{}, err
	}
	return outcomeSynced, syncedAt, nil
}

// autoResolution maps a sync-cycle strategy to a concrete resolution.
// newest_wins genuinely compares the two timestamps rather than assuming
// the client side.
func (s *SyncOrchestrator) autoResolution(strategy ConflictStrategy, c *model.SyncConflict) (model.Resolution, bool) {
	switch strategy {
	case StrategyClientWins:
		return model.ResolutionClientWins, true
	case StrategyServerWins:
		return model.ResolutionServerWins, true
	case StrategyMerge:
		return model.ResolutionMerge, true
	case StrategyNewestWins:
		if c.ClientVersion.Timestamp.After(c.ServerVersion.Timestamp) {
			return model.ResolutionClientWins, true
		}
		return model.ResolutionServerWins, true
	}
	return "", false
}

// applyMutation applies a non-conflicting item via the registry.
func (s *SyncOrchestrator) applyMutation(ctx context.Context, item *model.SyncQueueItem) error {
	svc, err := s.registry.Get(item.EntityType)
	if err != nil {
		return err
	}

	switch item.Action {
	case model.ActionCreate:
		if !svc.ValidateData(item.Data) {
			return fmt.Errorf("payload validation failed for %s", item.EntityType)
		}
		_, err = svc.Create(ctx, item.Data, item.UserID)
	case model.ActionUpdate:
		if !svc.ValidateData(item.Data) {
			return fmt.Errorf("payload validation failed for %s", item.EntityType)
		}
		_, err = svc.Update(ctx, item.EntityID, item.Data, item.UserID)
	case model.ActionDelete:
		err = svc.Delete(ctx, item.EntityID, item.UserID)
	case model.ActionRead:
		_, err = svc.FindByID(ctx, item.EntityID)
	default:
		return fmt.Errorf("unknown action type %q", item.Action)
	}
	if err != nil {
		return fmt.Errorf("failed to apply %s on %s/%s: %w", item.Action, item.EntityType, item.EntityID, err)
	}
	return nil
}

// applyResolved applies a resolved conflict's merged data to the entity.
func (s *SyncOrchestrator) applyResolved(ctx context.Context, item *model.SyncQueueItem, c *model.SyncConflict) error {
	svc, err := s.registry.Get(item.EntityType)
	if err != nil {
		return err
	}

	if item.Action == model.ActionDelete && c.Resolution == model.ResolutionClientWins {
		if err := svc.Delete(ctx, item.EntityID, item.UserID); err != nil {
			return fmt.Errorf("failed to apply resolved delete: %w", err)
		}
		return nil
	}

	if _, err := svc.Update(ctx, item.EntityID, c.MergedData, item.UserID); err != nil {
		return fmt.Errorf("failed to apply merged data: %w", err)
	}
	return nil
}

// ResolveConflict is the manual-resolution entry point: it settles the
// conflict, applies the merged data and marks the owning queue item
// synced.
func (s *SyncOrchestrator) ResolveConflict(ctx context.Context, userID, conflictID string, resolution model.Resolution, mergedData map[string]any) (*model.SyncConflict, error) {
	c, err := s.conflictSvc.ResolveConflict(ctx, userID, conflictID, resolution, mergedData)
	if err != nil {
		return nil, err
	}

	item, err := s.store.Queue().GetByID(ctx, c.QueueItemID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("queue item %s for conflict %s not found", c.QueueItemID, c.ID)
	}

	if err := s.applyResolved(ctx, item, c); err != nil {
		if recErr := s.store.Queue().UpdateAttempts(ctx, item.ID, item.Attempts+1, err.Error()); recErr != nil {
			log.Printf("[SyncOrchestrator] Failed to record error for item %s: %v", item.ID, recErr)
		}
		return nil, err
	}

	syncedAt := time.Now().UTC()
	if err := s.store.Queue().MarkSynced(ctx, item.ID, syncedAt); err != nil {
		return nil, err
	}

	if s.watermarks != nil {
		s.advanceWatermarks(ctx, item.DeviceID, map[string]time.Time{item.EntityType: syncedAt})
	}
	return c, nil
}

func (s *SyncOrchestrator) advanceWatermarks(ctx context.Context, deviceID string, latestSynced map[string]time.Time) {
	if s.watermarks == nil {
		return
	}
	for entityType, ts := range latestSynced {
		if err := s.watermarks.UpdateWatermark(ctx, deviceID, entityType, ts); err != nil {
			log.Printf("[SyncOrchestrator] Failed to advance watermark %s:%s: %v", deviceID, entityType, err)
		}
	}
}

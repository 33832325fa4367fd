package repository

import (
	"context"
	"time"

	"carelink-sync-api/internal/model"
)

// QueueRepository defines sync queue persistence.
type QueueRepository interface {
	// Create appends a new queue item.
	Create(ctx context.Context, item *model.SyncQueueItem) error

	// GetByID returns a queue item, or (nil, nil) when absent.
	GetByID(ctx context.Context, id string) (*model.SyncQueueItem, error)

	// GetPending returns up to limit unsynced items for a (user, device)
	// pair, oldest client timestamp first. When includeRetries is false,
	// items that already failed at least once are excluded.
	GetPending(ctx context.Context, userID, deviceID string, limit int, includeRetries bool) ([]*model.SyncQueueItem, error)

	// UpdateAttempts records an attempt count and the last error text.
	UpdateAttempts(ctx context.Context, id string, attempts int, lastError string) error

	// MarkSynced sets synced=true and the synced-at time.
	MarkSynced(ctx context.Context, id string, syncedAt time.Time) error

	// MarkConflictDetected flags the item without changing synced.
	MarkConflictDetected(ctx context.Context, id string) error

	// GetStatistics returns aggregate counts for a (user, device) pair.
	GetStatistics(ctx context.Context, userID, deviceID string) (*model.SyncStatistics, error)

	// LatestSyncedAt returns the newest synced-at time among synced items
	// for a (device, entity type) pair, or (nil, nil) when none exist.
	LatestSyncedAt(ctx context.Context, deviceID, entityType string) (*time.Time, error)

	// ChangedEntityIDs returns distinct entity IDs of synced items for an
	// entity type whose synced-at is strictly after the given time. Rows
	// from every device count, so a reconnecting device discovers changes
	// pushed by its peers.
	ChangedEntityIDs(ctx context.Context, entityType string, after time.Time) ([]string, error)

	// DeleteSyncedBefore removes synced items older than the cutoff and
	// returns the number deleted. Unsynced items are never touched.
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConflictRepository defines sync conflict persistence. Conflicts are
// append-and-update only; there is no delete (permanent audit trail).
type ConflictRepository interface {
	// Create persists a newly detected conflict.
	Create(ctx context.Context, c *model.SyncConflict) error

	// GetByID returns a conflict, or (nil, nil) when absent.
	GetByID(ctx context.Context, id string) (*model.SyncConflict, error)

	// GetPendingByQueueItemID returns the open conflict for a queue item,
	// or (nil, nil) when none exists. A queue item has at most one PENDING
	// conflict at a time.
	GetPendingByQueueItemID(ctx context.Context, queueItemID string) (*model.SyncConflict, error)

	// Update persists resolution fields (status, resolution, merged data,
	// resolved-at/by) for an existing conflict.
	Update(ctx context.Context, c *model.SyncConflict) error

	// ListPending returns PENDING conflicts whose queue items belong to the
	// given (user, device) pair.
	ListPending(ctx context.Context, userID, deviceID string) ([]*model.SyncConflict, error)
}

// Store bundles the repositories over one backing database and provides
// the transaction boundary used by all-or-nothing batch sync.
type Store interface {
	Queue() QueueRepository
	Conflicts() ConflictRepository

	// WithTransaction runs fn inside a single transaction. The Store passed
	// to fn is transaction-scoped, and the context given to fn carries the
	// open transaction (see TxFromContext) so entity services backed by the
	// same database can enlist. Any error from fn rolls the batch back.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, s Store) error) error

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

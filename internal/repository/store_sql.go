package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"carelink-sync-api/internal/model"
)

// dbtx is the subset of *sql.DB / *sql.Tx the repositories need, so the
// same code serves both direct and transactional access.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rebind converts ?-style placeholders to the dialect's form.
// For MySQL and SQLite it is the identity; PostgreSQL uses $1..$n.
type rebind func(query string) string

func rebindQuestion(query string) string { return query }

func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store over any database/sql driver.
type sqlStore struct {
	db     *sql.DB
	run    dbtx // db normally, tx inside WithTransaction
	bind   rebind
	queue  *sqlQueueRepository
	confl  *sqlConflictRepository
	driver string
}

func newSQLStore(db *sql.DB, bind rebind, driver string) *sqlStore {
	s := &sqlStore{db: db, run: db, bind: bind, driver: driver}
	s.queue = &sqlQueueRepository{store: s}
	s.confl = &sqlConflictRepository{store: s}
	return s
}

func (s *sqlStore) Queue() QueueRepository        { return s.queue }
func (s *sqlStore) Conflicts() ConflictRepository { return s.confl }

// WithTransaction runs fn against a transaction-scoped copy of the store.
// The transaction is also placed on the context for entity services that
// share this database.
func (s *sqlStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &sqlStore{db: s.db, run: tx, bind: s.bind, driver: s.driver}
	txStore.queue = &sqlQueueRepository{store: txStore}
	txStore.confl = &sqlConflictRepository{store: txStore}

	if err := fn(ContextWithTx(ctx, tx), txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// sqlQueueRepository implements QueueRepository.
type sqlQueueRepository struct {
	store *sqlStore
}

const queueColumns = `id, user_id, device_id, entity_type, entity_id, action, data,
	timestamp, attempts, synced, synced_at, conflict_detected, last_error, created_at`

func (r *sqlQueueRepository) Create(ctx context.Context, item *model.SyncQueueItem) error {
	data, err := marshalPayload(item.Data)
	if err != nil {
		return fmt.Errorf("failed to encode queue item data: %w", err)
	}

	query := r.store.bind(`
		INSERT INTO sync_queue (` + queueColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = r.store.run.ExecContext(ctx, query,
		item.ID, item.UserID, item.DeviceID, item.EntityType, item.EntityID,
		string(item.Action), data, item.Timestamp, item.Attempts,
		item.Synced, nullTime(item.SyncedAt), item.ConflictDetected,
		item.LastError, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert queue item: %w", err)
	}
	return nil
}

func (r *sqlQueueRepository) GetByID(ctx context.Context, id string) (*model.SyncQueueItem, error) {
	query := r.store.bind(`SELECT ` + queueColumns + ` FROM sync_queue WHERE id = ?`)

	item, err := scanQueueItem(r.store.run.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	return item, nil
}

func (r *sqlQueueRepository) GetPending(ctx context.Context, userID, deviceID string, limit int, includeRetries bool) ([]*model.SyncQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM sync_queue
		WHERE user_id = ? AND device_id = ? AND synced = ?`
	args := []any{userID, deviceID, false}

	if !includeRetries {
		query += ` AND attempts = 0`
	}
	query += ` ORDER BY timestamp ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.store.run.QueryContext(ctx, r.store.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	var items []*model.SyncQueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *sqlQueueRepository) UpdateAttempts(ctx context.Context, id string, attempts int, lastError string) error {
	query := r.store.bind(`UPDATE sync_queue SET attempts = ?, last_error = ? WHERE id = ?`)

	_, err := r.store.run.ExecContext(ctx, query, attempts, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to update attempts: %w", err)
	}
	return nil
}

func (r *sqlQueueRepository) MarkSynced(ctx context.Context, id string, syncedAt time.Time) error {
	query := r.store.bind(`UPDATE sync_queue SET synced = ?, synced_at = ? WHERE id = ?`)

	_, err := r.store.run.ExecContext(ctx, query, true, syncedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark item synced: %w", err)
	}
	return nil
}

func (r *sqlQueueRepository) MarkConflictDetected(ctx context.Context, id string) error {
	query := r.store.bind(`UPDATE sync_queue SET conflict_detected = ? WHERE id = ?`)

	_, err := r.store.run.ExecContext(ctx, query, true, id)
	if err != nil {
		return fmt.Errorf("failed to mark conflict detected: %w", err)
	}
	return nil
}

func (r *sqlQueueRepository) GetStatistics(ctx context.Context, userID, deviceID string) (*model.SyncStatistics, error) {
	query := r.store.bind(`
		SELECT
			COUNT(CASE WHEN synced = ? THEN 1 END),
			COUNT(CASE WHEN synced = ? THEN 1 END),
			COUNT(CASE WHEN conflict_detected = ? THEN 1 END),
			COUNT(CASE WHEN synced = ? AND last_error <> '' THEN 1 END)
		FROM sync_queue
		WHERE user_id = ? AND device_id = ?`)

	var stats model.SyncStatistics
	err := r.store.run.QueryRowContext(ctx, query,
		false, true, true, false, userID, deviceID).
		Scan(&stats.Pending, &stats.Synced, &stats.Conflicted, &stats.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	return &stats, nil
}

func (r *sqlQueueRepository) LatestSyncedAt(ctx context.Context, deviceID, entityType string) (*time.Time, error) {
	query := r.store.bind(`
		SELECT synced_at FROM sync_queue
		WHERE device_id = ? AND entity_type = ? AND synced = ?
		ORDER BY synced_at DESC LIMIT 1`)

	var latest sql.NullTime
	err := r.store.run.QueryRowContext(ctx, query, deviceID, entityType, true).Scan(&latest)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest synced-at: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}
	return &latest.Time, nil
}

func (r *sqlQueueRepository) ChangedEntityIDs(ctx context.Context, entityType string, after time.Time) ([]string, error) {
	query := r.store.bind(`
		SELECT DISTINCT entity_id FROM sync_queue
		WHERE entity_type = ? AND synced = ?
		  AND synced_at > ? AND entity_id <> ''`)

	rows, err := r.store.run.QueryContext(ctx, query, entityType, true, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query changed entity ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *sqlQueueRepository) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := r.store.bind(`DELETE FROM sync_queue WHERE synced = ? AND synced_at < ?`)

	result, err := r.store.run.ExecContext(ctx, query, true, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete synced items: %w", err)
	}
	return result.RowsAffected()
}

// sqlConflictRepository implements ConflictRepository.
type sqlConflictRepository struct {
	store *sqlStore
}

const conflictColumns = `id, queue_item_id, entity_type, entity_id,
	client_data, client_timestamp, client_user_id,
	server_data, server_timestamp, server_user_id,
	status, resolution, merged_data, resolved_at, resolved_by, created_at`

func (r *sqlConflictRepository) Create(ctx context.Context, c *model.SyncConflict) error {
	clientData, err := marshalPayload(c.ClientVersion.Data)
	if err != nil {
		return fmt.Errorf("failed to encode client version: %w", err)
	}
	serverData, err := marshalPayload(c.ServerVersion.Data)
	if err != nil {
		return fmt.Errorf("failed to encode server version: %w", err)
	}
	mergedData, err := marshalPayload(c.MergedData)
	if err != nil {
		return fmt.Errorf("failed to encode merged data: %w", err)
	}

	query := r.store.bind(`
		INSERT INTO sync_conflicts (` + conflictColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = r.store.run.ExecContext(ctx, query,
		c.ID, c.QueueItemID, c.EntityType, c.EntityID,
		clientData, c.ClientVersion.Timestamp, c.ClientVersion.UserID,
		serverData, c.ServerVersion.Timestamp, c.ServerVersion.UserID,
		string(c.Status), string(c.Resolution), mergedData,
		nullTime(c.ResolvedAt), c.ResolvedBy, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert conflict: %w", err)
	}
	return nil
}

func (r *sqlConflictRepository) GetByID(ctx context.Context, id string) (*model.SyncConflict, error) {
	query := r.store.bind(`SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE id = ?`)

	c, err := scanConflict(r.store.run.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return c, nil
}

func (r *sqlConflictRepository) GetPendingByQueueItemID(ctx context.Context, queueItemID string) (*model.SyncConflict, error) {
	query := r.store.bind(`
		SELECT ` + conflictColumns + ` FROM sync_conflicts
		WHERE queue_item_id = ? AND status = ? LIMIT 1`)

	c, err := scanConflict(r.store.run.QueryRowContext(ctx, query, queueItemID, string(model.ConflictPending)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending conflict: %w", err)
	}
	return c, nil
}

func (r *sqlConflictRepository) Update(ctx context.Context, c *model.SyncConflict) error {
	mergedData, err := marshalPayload(c.MergedData)
	if err != nil {
		return fmt.Errorf("failed to encode merged data: %w", err)
	}

	query := r.store.bind(`
		UPDATE sync_conflicts
		SET status = ?, resolution = ?, merged_data = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ?`)

	_, err = r.store.run.ExecContext(ctx, query,
		string(c.Status), string(c.Resolution), mergedData,
		nullTime(c.ResolvedAt), c.ResolvedBy, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update conflict: %w", err)
	}
	return nil
}

func (r *sqlConflictRepository) ListPending(ctx context.Context, userID, deviceID string) ([]*model.SyncConflict, error) {
	query := r.store.bind(`
		SELECT c.id, c.queue_item_id, c.entity_type, c.entity_id,
			c.client_data, c.client_timestamp, c.client_user_id,
			c.server_data, c.server_timestamp, c.server_user_id,
			c.status, c.resolution, c.merged_data, c.resolved_at, c.resolved_by, c.created_at
		FROM sync_conflicts c
		JOIN sync_queue q ON q.id = c.queue_item_id
		WHERE c.status = ? AND q.user_id = ? AND q.device_id = ?
		ORDER BY c.created_at ASC`)

	rows, err := r.store.run.QueryContext(ctx, query, string(model.ConflictPending), userID, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*model.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(s scanner) (*model.SyncQueueItem, error) {
	var (
		item     model.SyncQueueItem
		action   string
		data     sql.NullString
		syncedAt sql.NullTime
	)

	err := s.Scan(&item.ID, &item.UserID, &item.DeviceID, &item.EntityType,
		&item.EntityID, &action, &data, &item.Timestamp, &item.Attempts,
		&item.Synced, &syncedAt, &item.ConflictDetected, &item.LastError,
		&item.CreatedAt)
	if err != nil {
		return nil, err
	}

	item.Action = model.ActionType(action)
	if syncedAt.Valid {
		t := syncedAt.Time
		item.SyncedAt = &t
	}
	if err := unmarshalPayload(data, &item.Data); err != nil {
		return nil, fmt.Errorf("failed to decode queue item data: %w", err)
	}
	return &item, nil
}

func scanConflict(s scanner) (*model.SyncConflict, error) {
	var (
		c          model.SyncConflict
		clientData sql.NullString
		serverData sql.NullString
		mergedData sql.NullString
		status     string
		resolution string
		resolvedAt sql.NullTime
	)

	err := s.Scan(&c.ID, &c.QueueItemID, &c.EntityType, &c.EntityID,
		&clientData, &c.ClientVersion.Timestamp, &c.ClientVersion.UserID,
		&serverData, &c.ServerVersion.Timestamp, &c.ServerVersion.UserID,
		&status, &resolution, &mergedData, &resolvedAt, &c.ResolvedBy,
		&c.CreatedAt)
	if err != nil {
		return nil, err
	}

	c.Status = model.ConflictStatus(status)
	c.Resolution = model.Resolution(resolution)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		c.ResolvedAt = &t
	}
	if err := unmarshalPayload(clientData, &c.ClientVersion.Data); err != nil {
		return nil, fmt.Errorf("failed to decode client version: %w", err)
	}
	if err := unmarshalPayload(serverData, &c.ServerVersion.Data); err != nil {
		return nil, fmt.Errorf("failed to decode server version: %w", err)
	}
	if err := unmarshalPayload(mergedData, &c.MergedData); err != nil {
		return nil, fmt.Errorf("failed to decode merged data: %w", err)
	}
	return &c, nil
}

func marshalPayload(data map[string]any) (sql.NullString, error) {
	if data == nil {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

func unmarshalPayload(raw sql.NullString, dest *map[string]any) error {
	if !raw.Valid || raw.String == "" {
		*dest = nil
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dest)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

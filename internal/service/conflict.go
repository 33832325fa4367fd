package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"carelink-sync-api/internal/model"
	"carelink-sync-api/internal/registry"
	"carelink-sync-api/internal/repository"
	"carelink-sync-api/pkg/uid"
)

// DefaultChecksumWindow bounds how far apart a server update and a client
// mutation may be for a checksum mismatch to count as a concurrent
// conflict. Outside the window a later client write is treated as an
// intentional overwrite. Tunable via configuration.
const DefaultChecksumWindow = 5 * time.Minute

// Errors surfaced by conflict resolution.
var (
	// ErrResolutionInputMissing means MANUAL resolution was requested
	// without merged data; the conflict stays PENDING.
	ErrResolutionInputMissing = &SyncError{Code: "RESOLUTION_INPUT_MISSING", Message: "manual resolution requires merged data"}

	// ErrConflictNotFound means the conflict id is unknown.
	ErrConflictNotFound = &SyncError{Code: "CONFLICT_NOT_FOUND", Message: "conflict not found"}

	// ErrConflictAlreadyResolved means the conflict was resolved earlier;
	// resolutions are immutable.
	ErrConflictAlreadyResolved = &SyncError{Code: "CONFLICT_ALREADY_RESOLVED", Message: "conflict is already resolved"}
)

// SyncError is a coded error for conditions the API layer maps to
// specific responses.
type SyncError struct {
	Code    string
	Message string
}

func (e *SyncError) Error() string { return e.Message }

// ConflictService detects divergence between queued mutations and current
// server state, and applies resolution strategies.
type ConflictService struct {
	registry       *registry.Registry
	conflicts      repository.ConflictRepository
	checksumWindow time.Duration
}

// NewConflictService creates a new conflict service. A zero
// checksumWindow selects DefaultChecksumWindow.
func NewConflictService(reg *registry.Registry, conflicts repository.ConflictRepository, checksumWindow time.Duration) *ConflictService {
	if reg == nil || conflicts == nil {
		return nil
	}
	if checksumWindow <= 0 {
		checksumWindow = DefaultChecksumWindow
	}
	return &ConflictService{
		registry:       reg,
		conflicts:      conflicts,
		checksumWindow: checksumWindow,
	}
}

// DetectConflict decides whether applying item would collide with
// concurrent server-side changes. Returns nil when no conflict exists.
// CREATE and READ actions never conflict: CREATE assumes a new entity and
// READ has no write to reconcile.
func (s *ConflictService) DetectConflict(ctx context.Context, item *model.SyncQueueItem) (*model.SyncConflict, error) {
	if item.Action == model.ActionCreate || item.Action == model.ActionRead {
		return nil, nil
	}

	svc, err := s.registry.Get(item.EntityType)
	if err != nil {
		return nil, err
	}

	serverEntity, err := svc.FindByID(ctx, item.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load server entity: %w", err)
	}

	if serverEntity == nil {
		if item.Action == model.ActionUpdate {
			// Deleted server-side while the client was editing it.
			return s.buildConflict(item, nil, model.VersionSnapshot{
				Data:      map[string]any{},
				Timestamp: time.Now().UTC(),
				UserID:    "system",
			}), nil
		}
		// Nothing left to reconcile against.
		return nil, nil
	}

	version, err := svc.GetVersion(ctx, item.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity version: %w", err)
	}

	if version == nil {
		// No version info: fall back to the entity's own updated-at field.
		serverUpdated, ok := payloadTime(serverEntity, "updatedAt", "updated_at")
		if ok && serverUpdated.After(item.Timestamp) {
			return s.buildConflict(item, serverEntity, model.VersionSnapshot{
				Data:      serverEntity,
				Timestamp: serverUpdated,
				UserID:    payloadString(serverEntity, "updatedBy", "updated_by"),
			}), nil
		}
		return nil, nil
	}

	serverSnapshot := model.VersionSnapshot{
		Data:      serverEntity,
		Timestamp: version.UpdatedAt,
		UserID:    version.UpdatedBy,
	}

	// Server changed after the client captured its snapshot.
	if version.UpdatedAt.After(item.Timestamp) {
		return s.buildConflict(item, serverEntity, serverSnapshot), nil
	}

	// Stale optimistic-lock token in the client payload.
	if clientVersion, ok := payloadNumber(item.Data, "version"); ok && int64(clientVersion) < version.Version {
		return s.buildConflict(item, serverEntity, serverSnapshot), nil
	}

	// Checksum divergence within the concurrency window.
	if version.Checksum != "" && model.PayloadChecksum(item.Data) != version.Checksum {
		gap := item.Timestamp.Sub(version.UpdatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap < s.checksumWindow {
			return s.buildConflict(item, serverEntity, serverSnapshot), nil
		}
	}

	return nil, nil
}

func (s *ConflictService) buildConflict(item *model.SyncQueueItem, serverEntity map[string]any, server model.VersionSnapshot) *model.SyncConflict {
	log.Printf("[ConflictService] Conflict detected on %s/%s (item %s)",
		item.EntityType, item.EntityID, item.ID)

	return &model.SyncConflict{
		ID:          uid.New(),
		QueueItemID: item.ID,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		ClientVersion: model.VersionSnapshot{
			Data:      item.Data,
			Timestamp: item.Timestamp,
			UserID:    item.UserID,
		},
		ServerVersion: server,
		Status:        model.ConflictPending,
		CreatedAt:     time.Now().UTC(),
	}
}

// ResolveConflict settles a PENDING conflict with the given strategy and
// persists the outcome. It does not apply the merged data to the entity;
// the orchestrator does that with the returned conflict.
func (s *ConflictService) ResolveConflict(ctx context.Context, userID, conflictID string, resolution model.Resolution, mergedData map[string]any) (*model.SyncConflict, error) {
	c, err := s.conflicts.GetByID(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrConflictNotFound
	}
	if c.Status == model.ConflictResolved {
		return nil, ErrConflictAlreadyResolved
	}

	if err := s.resolve(c, userID, resolution, mergedData); err != nil {
		return nil, err
	}

	if err := s.conflicts.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to persist resolution: %w", err)
	}

	log.Printf("[ConflictService] Conflict %s resolved as %s by %s", c.ID, resolution, userID)
	return c, nil
}

// resolve settles the conflict value in memory; callers persist it with
// whichever repository matches their transaction scope.
func (s *ConflictService) resolve(c *model.SyncConflict, userID string, resolution model.Resolution, mergedData map[string]any) error {
	switch resolution {
	case model.ResolutionClientWins:
		c.MergedData = nonNil(c.ClientVersion.Data)
	case model.ResolutionServerWins:
		c.MergedData = nonNil(c.ServerVersion.Data)
	case model.ResolutionMerge:
		if mergedData != nil {
			c.MergedData = mergedData
		} else {
			c.MergedData = autoMerge(c.ClientVersion.Data, c.ServerVersion.Data)
		}
	case model.ResolutionManual:
		if mergedData == nil {
			return ErrResolutionInputMissing
		}
		c.MergedData = mergedData
	default:
		return fmt.Errorf("unknown resolution strategy %q", resolution)
	}

	now := time.Now().UTC()
	c.Status = model.ConflictResolved
	c.Resolution = resolution
	c.ResolvedAt = &now
	c.ResolvedBy = userID
	return nil
}

// autoMerge reconciles client and server payloads field by field: server
// data is the base; client values win where the server value is null or
// absent; date-like fields take the later timestamp; array fields present
// on both sides take the de-duplicated union.
func autoMerge(clientData, serverData map[string]any) map[string]any {
	merged := make(map[string]any, len(serverData)+len(clientData))
	for k, v := range serverData {
		merged[k] = v
	}

	for key, clientValue := range clientData {
		serverValue, present := merged[key]
		if !present || serverValue == nil {
			merged[key] = clientValue
			continue
		}

		if isDateField(key) {
			clientTime, cok := asTime(clientValue)
			serverTime, sok := asTime(serverValue)
			if cok && sok && clientTime.After(serverTime) {
				merged[key] = clientValue
			}
			continue
		}

		clientArr, cok := clientValue.([]any)
		serverArr, sok := serverValue.([]any)
		if cok && sok {
			merged[key] = unionArrays(serverArr, clientArr)
		}
	}
	return merged
}

func isDateField(name string) bool {
	return strings.Contains(name, "Date") || strings.Contains(name, "At")
}

func unionArrays(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	union := make([]any, 0, len(a)+len(b))
	for _, arr := range [][]any{a, b} {
		for _, v := range arr {
			key := fmt.Sprintf("%v", v)
			if !seen[key] {
				seen[key] = true
				union = append(union, v)
			}
		}
	}
	return union
}

func nonNil(data map[string]any) map[string]any {
	if data == nil {
		return map[string]any{}
	}
	return data
}

// payloadTime extracts a timestamp stored under any of the given keys.
func payloadTime(data map[string]any, keys ...string) (time.Time, bool) {
	for _, key := range keys {
		if v, ok := data[key]; ok {
			if t, ok := asTime(v); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// asTime converts time.Time values, RFC 3339 strings and unix-second
// numbers, the three shapes entity payloads carry timestamps in.
func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
	case float64:
		return time.Unix(int64(t), 0).UTC(), true
	case int64:
		return time.Unix(t, 0).UTC(), true
	}
	return time.Time{}, false
}

func payloadNumber(data map[string]any, key string) (float64, bool) {
	switch n := data[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func payloadString(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := data[key].(string); ok {
			return s
		}
	}
	return ""
}

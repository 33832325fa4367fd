package model

import "time"

// ActionType identifies the kind of client-originated mutation.
type ActionType string

const (
	ActionCreate ActionType = "CREATE"
	ActionUpdate ActionType = "UPDATE"
	ActionDelete ActionType = "DELETE"
	ActionRead   ActionType = "READ"
)

// IsValid reports whether the action is one of the four known types.
func (a ActionType) IsValid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionRead:
		return true
	}
	return false
}

// SyncQueueItem is one pending or completed client mutation.
// An item stays in the queue until it is synced; failed attempts only
// bump Attempts and record LastError.
type SyncQueueItem struct {
	ID               string         `json:"id"`
	UserID           string         `json:"user_id"`
	DeviceID         string         `json:"device_id"`
	EntityType       string         `json:"entity_type"`
	EntityID         string         `json:"entity_id"`
	Action           ActionType     `json:"action"`
	Data             map[string]any `json:"data,omitempty"`
	Timestamp        time.Time      `json:"timestamp"`
	Attempts         int            `json:"attempts"`
	Synced           bool           `json:"synced"`
	SyncedAt         *time.Time     `json:"synced_at,omitempty"`
	ConflictDetected bool           `json:"conflict_detected"`
	LastError        string         `json:"last_error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// SyncStatistics aggregates queue counts for one (user, device) pair.
type SyncStatistics struct {
	Pending    int64 `json:"pending"`
	Synced     int64 `json:"synced"`
	Conflicted int64 `json:"conflicted"`
	Failed     int64 `json:"failed"`
}

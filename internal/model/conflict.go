package model

import "time"

// ConflictStatus is the lifecycle state of a SyncConflict.
type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "PENDING"
	ConflictResolved ConflictStatus = "RESOLVED"
)

// Resolution names the strategy used to settle a conflict.
type Resolution string

const (
	ResolutionClientWins Resolution = "CLIENT_WINS"
	ResolutionServerWins Resolution = "SERVER_WINS"
	ResolutionMerge      Resolution = "MERGE"
	ResolutionManual     Resolution = "MANUAL"
)

// IsValid reports whether the resolution is one of the four known strategies.
func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionClientWins, ResolutionServerWins, ResolutionMerge, ResolutionManual:
		return true
	}
	return false
}

// VersionSnapshot captures one side's view of an entity at a point in time.
type VersionSnapshot struct {
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	UserID    string         `json:"user_id"`
}

// SyncConflict records a divergence between a queued mutation and current
// server state. Conflicts are never deleted; they form the audit trail.
// Status RESOLVED implies Resolution and MergedData are set.
type SyncConflict struct {
	ID            string          `json:"id"`
	QueueItemID   string          `json:"queue_item_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	ClientVersion VersionSnapshot `json:"client_version"`
	ServerVersion VersionSnapshot `json:"server_version"`
	Status        ConflictStatus  `json:"status"`
	Resolution    Resolution      `json:"resolution,omitempty"`
	MergedData    map[string]any  `json:"merged_data,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy    string          `json:"resolved_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

package model

import "time"

// SyncWatermark is the per (device, entity type) cursor marking the last
// point up to which server-side changes were delivered to a device.
// LastSyncTimestamp never regresses once successful syncs occur.
type SyncWatermark struct {
	DeviceID          string    `json:"device_id"`
	EntityType        string    `json:"entity_type"`
	LastSyncTimestamp time.Time `json:"last_sync_timestamp"`
	LastEntityVersion int64     `json:"last_entity_version,omitempty"`
}

// EntityVersion is the server-side version view returned by an entity
// service. Not persisted by the sync engine; fetched on demand.
type EntityVersion struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by"`
	Checksum  string    `json:"checksum,omitempty"`
}

package repository

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite" // Pure Go SQLite driver - no CGO required
)

// NewSQLiteStore opens (or creates) a SQLite-backed sync store.
// dbPath is the path to the database file (e.g. "./data/sync.db").
func NewSQLiteStore(dbPath string) (Store, error) {
	// WAL mode for concurrent readers alongside the single writer.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	// SQLite only supports 1 writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := createSQLiteTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Printf("[SQLiteStore] Initialized with database: %s", dbPath)
	return newSQLStore(db, rebindQuestion, "sqlite"), nil
}

func createSQLiteTables(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		data TEXT,
		timestamp DATETIME NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		synced INTEGER NOT NULL DEFAULT 0,
		synced_at DATETIME,
		conflict_detected INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_queue_pending ON sync_queue(user_id, device_id, synced, timestamp);
	CREATE INDEX IF NOT EXISTS idx_queue_changes ON sync_queue(device_id, entity_type, synced_at);

	CREATE TABLE IF NOT EXISTS sync_conflicts (
		id TEXT PRIMARY KEY,
		queue_item_id TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL DEFAULT '',
		client_data TEXT,
		client_timestamp DATETIME NOT NULL,
		client_user_id TEXT NOT NULL DEFAULT '',
		server_data TEXT,
		server_timestamp DATETIME NOT NULL,
		server_user_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		resolution TEXT NOT NULL DEFAULT '',
		merged_data TEXT,
		resolved_at DATETIME,
		resolved_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conflicts_queue_item ON sync_conflicts(queue_item_id);
	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON sync_conflicts(status);
	`
	_, err := db.Exec(query)
	return err
}

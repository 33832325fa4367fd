package repository

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// NewMySQLStore opens a MySQL-backed sync store.
// dsn format: "user:password@tcp(host:port)/dbname?parseTime=true"
func NewMySQLStore(dsn string) (Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	if err := createMySQLTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Printf("[MySQLStore] Initialized")
	return newSQLStore(db, rebindQuestion, "mysql"), nil
}

func createMySQLTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sync_queue (
			id VARCHAR(36) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			device_id VARCHAR(64) NOT NULL,
			entity_type VARCHAR(64) NOT NULL,
			entity_id VARCHAR(64) NOT NULL DEFAULT '',
			action VARCHAR(16) NOT NULL,
			data JSON,
			timestamp DATETIME(6) NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			synced TINYINT(1) NOT NULL DEFAULT 0,
			synced_at DATETIME(6),
			conflict_detected TINYINT(1) NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_queue_pending (user_id, device_id, synced, timestamp),
			INDEX idx_queue_changes (device_id, entity_type, synced_at)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
			id VARCHAR(36) PRIMARY KEY,
			queue_item_id VARCHAR(36) NOT NULL,
			entity_type VARCHAR(64) NOT NULL,
			entity_id VARCHAR(64) NOT NULL DEFAULT '',
			client_data JSON,
			client_timestamp DATETIME(6) NOT NULL,
			client_user_id VARCHAR(64) NOT NULL DEFAULT '',
			server_data JSON,
			server_timestamp DATETIME(6) NOT NULL,
			server_user_id VARCHAR(64) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			resolution VARCHAR(16) NOT NULL DEFAULT '',
			merged_data JSON,
			resolved_at DATETIME(6),
			resolved_by VARCHAR(64) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			INDEX idx_conflicts_queue_item (queue_item_id),
			INDEX idx_conflicts_status (status)
		)`,
	}

	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

package database

import (
	"context"
	"fmt"
	"strings"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rewards (
		id {{serial}},
		pool_id TEXT NOT NULL,
		status INTEGER NOT NULL DEFAULT 1,
		amount NUMERIC(12,2) NOT NULL,
		brand TEXT NOT NULL DEFAULT '',
		egift_number TEXT NOT NULL,
		challenge_code TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		reward_hash TEXT,
		reward_name TEXT,
		reward_pid TEXT,
		reward_record TEXT,
		alternate_email TEXT,
		reserved_at {{timestamp}},
		claimed_at {{timestamp}},
		created_at {{timestamp}} NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS rewards_pool_token ON rewards (pool_id, reward_hash) WHERE reward_hash IS NOT NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS rewards_pool_egift ON rewards (pool_id, egift_number)`,
	`CREATE INDEX IF NOT EXISTS rewards_pool_status ON rewards (pool_id, status, id)`,
	`CREATE INDEX IF NOT EXISTS rewards_link ON rewards (reward_name, reward_pid, reward_record)`,
	`CREATE TABLE IF NOT EXISTS participant_data (
		project_id TEXT NOT NULL,
		record_id TEXT NOT NULL,
		field_name TEXT NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (project_id, record_id, field_name)
	)`,
	`CREATE INDEX IF NOT EXISTS participant_field_value ON participant_data (project_id, field_name, value)`,
}

// Migrate creates the tables and indexes if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	serial, timestamp := "INTEGER PRIMARY KEY AUTOINCREMENT", "TIMESTAMP"
	if db.IsPostgres() {
		serial, timestamp = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	r := strings.NewReplacer("{{serial}}", serial, "{{timestamp}}", timestamp)

	for _, stmt := range schema {
		if _, err := db.SQL.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

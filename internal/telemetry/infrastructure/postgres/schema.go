package postgres

import (
	"context"
	"database/sql"
	"errors"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS boards (
	board_id TEXT PRIMARY KEY,
	board_desc TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS metrics (
	id BIGSERIAL PRIMARY KEY,
	board_id TEXT NOT NULL,
	sensor_type TEXT NOT NULL,
	sensor_data TEXT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS metrics_sensor_board_time_idx ON metrics (sensor_type, board_id, last_update DESC)`,
	`CREATE TABLE IF NOT EXISTS last_metrics (
	board_id TEXT NOT NULL,
	sensor_type TEXT NOT NULL,
	sensor_data TEXT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (board_id, sensor_type)
)`,
	`CREATE TABLE IF NOT EXISTS actions (
	id BIGSERIAL PRIMARY KEY,
	board_id TEXT NOT NULL,
	sensor_type TEXT NOT NULL,
	sensor_action_id TEXT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS actions_rule_board_idx ON actions (sensor_action_id, board_id, sensor_type, last_update DESC)`,
}

// EnsureSchema creates the tables used by the hub when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("schema: nil db")
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const defaultActionsTable = "actions"

// FireLogRepository persists successful rule firings in the actions table.
type FireLogRepository struct {
	db    *sql.DB
	table string
}

// NewFireLogRepository constructs a repository.
func NewFireLogRepository(db *sql.DB) *FireLogRepository {
	return &FireLogRepository{db: db, table: defaultActionsTable}
}

// LastFireTime returns the most recent firing of a rule for a board and sensor type.
func (r *FireLogRepository) LastFireTime(ctx context.Context, ruleID, boardID, sensorType string) (time.Time, bool, error) {
	if r == nil || r.db == nil {
		return time.Time{}, false, errors.New("fire log repo: nil db")
	}
	var at time.Time
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT last_update
FROM %s
WHERE sensor_action_id = $1 AND board_id = $2 AND sensor_type = $3
ORDER BY last_update DESC
LIMIT 1`, r.table), ruleID, boardID, sensorType).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return at.UTC(), true, nil
}

// RecordFire appends a firing.
func (r *FireLogRepository) RecordFire(ctx context.Context, ruleID, boardID, sensorType string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("fire log repo: nil db")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (board_id, sensor_type, sensor_action_id, last_update)
VALUES ($1, $2, $3, $4)`, r.table), boardID, sensorType, ruleID, at.UTC())
	return err
}

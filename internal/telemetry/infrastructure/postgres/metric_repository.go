package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	telemetry "meact/internal/telemetry/domain"
)

const (
	defaultMetricsTable     = "metrics"
	defaultLastMetricsTable = "last_metrics"
)

// MetricRepository stores readings and answers history queries.
type MetricRepository struct {
	db          *sql.DB
	table       string
	latestTable string
}

// NewMetricRepository constructs a repository.
func NewMetricRepository(db *sql.DB) *MetricRepository {
	return &MetricRepository{db: db, table: defaultMetricsTable, latestTable: defaultLastMetricsTable}
}

// Record appends a reading and upserts the latest value for its board and sensor.
func (r *MetricRepository) Record(ctx context.Context, sample telemetry.Sample) error {
	if r == nil || r.db == nil {
		return errors.New("metric repo: nil db")
	}
	if sample.BoardID == "" || sample.SensorType == "" {
		return errors.New("metric repo: empty board or sensor type")
	}
	if sample.At.IsZero() {
		sample.At = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (board_id, sensor_type, sensor_data, last_update)
VALUES ($1, $2, $3, $4)`, r.table),
		sample.BoardID, sample.SensorType, sample.Value, sample.At.UTC()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (board_id, sensor_type, sensor_data, last_update)
VALUES ($1, $2, $3, $4)
ON CONFLICT (board_id, sensor_type)
DO UPDATE SET
	sensor_data = EXCLUDED.sensor_data,
	last_update = EXCLUDED.last_update`, r.latestTable),
		sample.BoardID, sample.SensorType, sample.Value, sample.At.UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// LastN returns the n most recent readings, oldest first.
func (r *MetricRepository) LastN(ctx context.Context, boardIDs []string, sensorType string, n int) ([]telemetry.Sample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("metric repo: nil db")
	}
	if n <= 0 {
		return nil, nil
	}
	where, args := scope(boardIDs, sensorType)
	args = append(args, n)
	samples, err := r.query(ctx, fmt.Sprintf(`
SELECT board_id, sensor_type, sensor_data, last_update
FROM %s
WHERE %s
ORDER BY last_update DESC
LIMIT $%d`, r.table, where, len(args)), args...)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// Range returns readings with start <= last_update <= end, oldest first.
func (r *MetricRepository) Range(ctx context.Context, boardIDs []string, sensorType string, start, end time.Time) ([]telemetry.Sample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("metric repo: nil db")
	}
	if end.Before(start) {
		return nil, errors.New("metric repo: end before start")
	}
	where, args := scope(boardIDs, sensorType)
	args = append(args, start.UTC(), end.UTC())
	return r.query(ctx, fmt.Sprintf(`
SELECT board_id, sensor_type, sensor_data, last_update
FROM %s
WHERE %s AND last_update >= $%d AND last_update <= $%d
ORDER BY last_update ASC`, r.table, where, len(args)-1, len(args)), args...)
}

// Latest returns the last known reading per board, oldest first.
func (r *MetricRepository) Latest(ctx context.Context, boardIDs []string, sensorType string) ([]telemetry.Sample, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("metric repo: nil db")
	}
	where, args := scope(boardIDs, sensorType)
	return r.query(ctx, fmt.Sprintf(`
SELECT board_id, sensor_type, sensor_data, last_update
FROM %s
WHERE %s
ORDER BY last_update ASC`, r.latestTable, where), args...)
}

func (r *MetricRepository) query(ctx context.Context, query string, args ...any) ([]telemetry.Sample, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Sample
	for rows.Next() {
		var sample telemetry.Sample
		if err := rows.Scan(&sample.BoardID, &sample.SensorType, &sample.Value, &sample.At); err != nil {
			return nil, err
		}
		sample.At = sample.At.UTC()
		out = append(out, sample)
	}
	return out, rows.Err()
}

// scope builds the sensor/board filter with positional placeholders.
func scope(boardIDs []string, sensorType string) (string, []any) {
	args := []any{sensorType}
	where := "sensor_type = $1"
	if len(boardIDs) == 0 {
		return where, args
	}
	placeholders := make([]string, 0, len(boardIDs))
	for _, id := range boardIDs {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	return where + " AND board_id IN (" + strings.Join(placeholders, ", ") + ")", args
}

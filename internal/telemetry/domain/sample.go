package telemetry

import (
	"context"
	"errors"
	"time"
)

// ErrNoHistory is returned when no history backend is configured.
var ErrNoHistory = errors.New("telemetry: history unavailable")

// Sample is one stored sensor reading.
type Sample struct {
	BoardID    string    `json:"board_id"`
	SensorType string    `json:"sensor_type"`
	Value      string    `json:"sensor_data"`
	At         time.Time `json:"last_update"`
}

// History queries stored readings. Empty boardIDs means every board.
// Results are ordered oldest first.
type History interface {
	LastN(ctx context.Context, boardIDs []string, sensorType string, n int) ([]Sample, error)
	Range(ctx context.Context, boardIDs []string, sensorType string, start, end time.Time) ([]Sample, error)
	Latest(ctx context.Context, boardIDs []string, sensorType string) ([]Sample, error)
}

// Recorder stores incoming readings.
type Recorder interface {
	Record(ctx context.Context, sample Sample) error
}

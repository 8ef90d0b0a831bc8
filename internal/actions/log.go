package actions

import (
	"context"
	"log/slog"
	"strings"

	engine "meact/internal/engine/domain"
)

// NewLogAction writes the rendered message to logger. Config "level" selects
// debug, info, warn or error.
func NewLogAction(logger *slog.Logger) Action {
	if logger == nil {
		logger = slog.Default()
	}
	return ActionFunc(func(ctx context.Context, event engine.SensorEvent, config map[string]any) error {
		if !Enabled(config) {
			return ErrDisabled
		}
		level := slog.LevelInfo
		switch strings.ToLower(configString(config, "level")) {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
		logger.Log(ctx, level, event.Message,
			"event_id", event.ID,
			"board_id", event.BoardID,
			"board_desc", event.BoardDesc,
			"sensor_type", event.SensorType,
			"sensor_data", event.Value,
		)
		return nil
	})
}

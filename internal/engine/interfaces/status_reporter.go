package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	engineapp "meact/internal/engine/application"
)

// StatusReporter publishes status reports as retained JSON on one topic.
type StatusReporter struct {
	bus   Bus
	topic string
}

// NewStatusReporter constructs a reporter.
func NewStatusReporter(bus Bus, topic string) (*StatusReporter, error) {
	if bus == nil {
		return nil, errors.New("status reporter: nil bus")
	}
	if topic == "" {
		return nil, errors.New("status reporter: empty topic")
	}
	return &StatusReporter{bus: bus, topic: topic}, nil
}

// PublishStatus implements the scheduler's StatusPublisher.
func (r *StatusReporter) PublishStatus(ctx context.Context, report engineapp.StatusReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("status reporter: encode: %w", err)
	}
	return r.bus.Publish(ctx, r.topic, payload, true)
}

package engine

import "errors"

var (
	// ErrQueueFull is returned when the ingress queue is at capacity.
	ErrQueueFull = errors.New("engine: queue full")
	// ErrNoRules is returned when an event's sensor type has no rules.
	ErrNoRules = errors.New("engine: no rules for sensor type")
)

package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"meact/internal/actions"
	engine "meact/internal/engine/domain"
	"meact/internal/observability/metrics"
	rules "meact/internal/rules/domain"
)

// DefaultMaxFailbackDepth bounds failback recursion.
const DefaultMaxFailbackDepth = 8

// ActionLookup resolves action names.
type ActionLookup interface {
	Lookup(name string) (actions.Entry, bool)
}

// Dispatcher executes action chains with per-action timeouts and failback.
type Dispatcher struct {
	actions  ActionLookup
	logger   *slog.Logger
	maxDepth int
}

// DispatcherOption configures Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMaxFailbackDepth overrides the recursion guard.
func WithMaxFailbackDepth(depth int) DispatcherOption {
	return func(d *Dispatcher) {
		if depth > 0 {
			d.maxDepth = depth
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(lookup ActionLookup, opts ...DispatcherOption) (*Dispatcher, error) {
	if lookup == nil {
		return nil, errors.New("dispatcher: nil action lookup")
	}
	d := &Dispatcher{
		actions:  lookup,
		logger:   slog.Default(),
		maxDepth: DefaultMaxFailbackDepth,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Execute runs steps in order and returns how many actions succeeded,
// including successes inside failback chains.
func (d *Dispatcher) Execute(ctx context.Context, event engine.SensorEvent, steps []rules.ActionStep, global, local rules.ActionConfig) int {
	return d.execute(ctx, event, steps, global, local, 1)
}

func (d *Dispatcher) execute(ctx context.Context, event engine.SensorEvent, steps []rules.ActionStep, global, local rules.ActionConfig, depth int) int {
	if depth > d.maxDepth {
		d.logger.Error("failback depth exceeded", "depth", depth, "max", d.maxDepth, "board_id", event.BoardID, "sensor_type", event.SensorType)
		return 0
	}
	successes := 0
	for _, step := range steps {
		entry, ok := d.actions.Lookup(step.Name)
		if !ok {
			d.logger.Error("unknown action", "action", step.Name, "board_id", event.BoardID, "sensor_type", event.SensorType)
			continue
		}
		code := d.invoke(ctx, entry, event, MergeConfig(global, local, step.Name))
		if code == actions.ExitOK {
			successes++
			continue
		}
		d.logger.Error("action failed", "action", step.Name, "exit_code", code, "failback", len(step.Failback), "board_id", event.BoardID, "sensor_type", event.SensorType)
		if len(step.Failback) > 0 {
			successes += d.execute(ctx, event, step.Failback, global, local, depth+1)
		}
	}
	return successes
}

// invoke runs one action in its own goroutine and waits up to its timeout.
// A worker still running at expiry is abandoned with its context cancelled.
func (d *Dispatcher) invoke(ctx context.Context, entry actions.Entry, event engine.SensorEvent, config map[string]any) int {
	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = actions.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	done := make(chan int, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("action panicked", "action", entry.Name, "panic", fmt.Sprint(r))
				done <- actions.ExitPanic
			}
		}()
		done <- actions.ExitCode(entry.Action.Run(runCtx, event, config))
	}()

	var code int
	select {
	case code = <-done:
	case <-runCtx.Done():
		code = actions.ExitTimeout
	}
	metrics.ObserveAction(entry.Name, code, time.Since(started))
	return code
}

// MergeConfig returns the parameters for one action: global values overlaid
// with rule-local values.
func MergeConfig(global, local rules.ActionConfig, name string) map[string]any {
	merged := make(map[string]any, len(global[name])+len(local[name]))
	for k, v := range global[name] {
		merged[k] = v
	}
	for k, v := range local[name] {
		merged[k] = v
	}
	return merged
}

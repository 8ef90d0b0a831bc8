package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"meact/internal/observability/metrics"
	ruleapp "meact/internal/rules/application"
	rules "meact/internal/rules/domain"
)

// DefinitionSource reads raw rule definitions.
type DefinitionSource interface {
	LoadSensors() (rules.Definitions, error)
}

// BoardRefresher reloads the board map.
type BoardRefresher interface {
	Refresh(ctx context.Context) error
}

// Reloader recompiles rules and refreshes boards, swapping them in atomically.
type Reloader struct {
	source   DefinitionSource
	registry *ruleapp.Registry
	holder   *ruleapp.Holder
	boards   BoardRefresher
	logger   *slog.Logger
}

// NewReloader constructs a Reloader. boards may be nil.
func NewReloader(source DefinitionSource, registry *ruleapp.Registry, holder *ruleapp.Holder, boards BoardRefresher, logger *slog.Logger) (*Reloader, error) {
	if source == nil {
		return nil, errors.New("reloader: nil definition source")
	}
	if registry == nil {
		return nil, errors.New("reloader: nil registry")
	}
	if holder == nil {
		return nil, errors.New("reloader: nil holder")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{source: source, registry: registry, holder: holder, boards: boards, logger: logger}, nil
}

// Reload compiles the definitions and refreshes boards, then installs the
// new rule set. On any failure the previous rules stay active.
func (r *Reloader) Reload(ctx context.Context) error {
	defs, err := r.source.LoadSensors()
	if err != nil {
		metrics.ObserveReload(metrics.ResultError, 0)
		return fmt.Errorf("load rule definitions: %w", err)
	}
	set, invalid := r.registry.Load(defs)

	if r.boards != nil {
		if err := r.boards.Refresh(ctx); err != nil {
			metrics.ObserveReload(metrics.ResultError, 0)
			r.logger.Warn("board refresh failed, keeping previous rules and boards", "error", err)
			return fmt.Errorf("refresh boards: %w", err)
		}
	}

	previous := r.holder.Swap(set)
	metrics.ObserveReload(metrics.ResultSuccess, set.RuleCount())
	r.logger.Info("rules reloaded",
		"sensor_types", len(set.SensorTypes()),
		"rules", set.RuleCount(),
		"previous_rules", previous.RuleCount(),
		"dropped", len(invalid),
	)
	return nil
}

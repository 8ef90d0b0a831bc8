package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	engine "meact/internal/engine/domain"
	"meact/internal/observability/metrics"
	rules "meact/internal/rules/domain"
	telemetry "meact/internal/telemetry/domain"
)

// Gate names the check that stopped a rule.
type Gate string

const (
	GateScope     Gate = "scope"
	GateTransform Gate = "transform"
	GateThreshold Gate = "threshold"
	GateMessage   Gate = "message"
	GateStatus    Gate = "check_status"
	GateMetric    Gate = "check_metric"
	GateFailCount Gate = "fail_count"
	GateRateLimit Gate = "action_interval"
	GateDispatch  Gate = "dispatch"
)

// DefaultHistoryTimeout bounds one metric history query.
const DefaultHistoryTimeout = 2 * time.Second

// Executor runs an action chain and reports the number of successes.
type Executor interface {
	Execute(ctx context.Context, event engine.SensorEvent, steps []rules.ActionStep, global, local rules.ActionConfig) int
}

// EvaluationResult is the outcome of one rule against one event.
type EvaluationResult struct {
	RuleID    string
	Fired     bool
	Gate      Gate
	Message   string
	Successes int
	Err       error
}

// Outcome labels the result for metrics and logs.
func (r EvaluationResult) Outcome() string {
	if r.Fired {
		return "fired"
	}
	return string(r.Gate)
}

// Pipeline evaluates rules against events and dispatches the ones that pass.
type Pipeline struct {
	store          *engine.ActionStatusStore
	status         *engine.SystemStatus
	executor       Executor
	history        telemetry.History
	globalConfig   rules.ActionConfig
	historyTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

// PipelineOption configures Pipeline.
type PipelineOption func(*Pipeline)

// WithHistory enables metric cross-checks.
func WithHistory(history telemetry.History) PipelineOption {
	return func(p *Pipeline) {
		p.history = history
	}
}

// WithGlobalActionConfig sets the action parameters shared by every rule.
func WithGlobalActionConfig(config rules.ActionConfig) PipelineOption {
	return func(p *Pipeline) {
		if config != nil {
			p.globalConfig = config
		}
	}
}

// WithHistoryTimeout bounds each history query.
func WithHistoryTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.historyTimeout = timeout
		}
	}
}

// WithPipelineClock overrides the time source.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline constructs a pipeline.
func NewPipeline(store *engine.ActionStatusStore, status *engine.SystemStatus, executor Executor, opts ...PipelineOption) (*Pipeline, error) {
	if store == nil {
		return nil, errors.New("pipeline: nil status store")
	}
	if status == nil {
		return nil, errors.New("pipeline: nil system status")
	}
	if executor == nil {
		return nil, errors.New("pipeline: nil executor")
	}
	p := &Pipeline{
		store:          store,
		status:         status,
		executor:       executor,
		globalConfig:   rules.ActionConfig{},
		historyTimeout: DefaultHistoryTimeout,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Process evaluates every rule of the sensor type in order. Rules fire
// independently of each other.
func (p *Pipeline) Process(ctx context.Context, event engine.SensorEvent, set rules.SensorRules) []EvaluationResult {
	results := make([]EvaluationResult, 0, len(set.Rules))
	for _, rule := range set.Rules {
		result := p.Evaluate(ctx, event, rule)
		metrics.IncRuleEvaluation(result.Outcome())
		results = append(results, result)
	}
	return results
}

// Evaluate runs the gate chain for one rule. The event is a copy; rewrites of
// its value and message do not leak to other rules.
func (p *Pipeline) Evaluate(ctx context.Context, event engine.SensorEvent, rule rules.Rule) EvaluationResult {
	now := p.now()
	key := engine.StatusKey{RuleID: rule.ID, BoardID: event.BoardID, SensorType: event.SensorType}
	result := EvaluationResult{RuleID: rule.ID}

	p.store.EnsureEntry(ctx, key)
	p.store.PruneFailures(key, rule.FailInterval, now)

	if !rule.AppliesTo(event.BoardID) {
		return p.skip(result, GateScope, key, nil)
	}

	value := event.Value
	if rule.Transform != nil {
		transformed, err := rule.Transform.Apply(value)
		if err != nil {
			return p.skip(result, GateTransform, key, err)
		}
		value = transformed
	}
	ok, err := p.matchThreshold(key, rule, value)
	if err != nil || !ok {
		return p.skip(result, GateThreshold, key, err)
	}
	event.Value = value

	message, err := rules.Render(rule.MessageTemplate, event.Fields())
	if err != nil {
		p.logger.Error("message template failed", "rule_id", rule.ID, "board_id", event.BoardID, "sensor_type", event.SensorType, "error", err)
		return p.skip(result, GateMessage, key, err)
	}
	event.Message = message
	result.Message = message

	if err := p.checkStatus(rule.CheckStatus); err != nil {
		return p.skip(result, GateStatus, key, err)
	}
	for _, check := range rule.CheckMetric {
		ok, err := p.checkMetric(ctx, event.BoardID, check, now)
		if err != nil {
			p.logger.Warn("metric check failed", "rule_id", rule.ID, "sensor_type", check.SensorType, "error", err)
		}
		if err != nil || !ok {
			return p.skip(result, GateMetric, key, err)
		}
	}

	if rule.FailCount > 0 && !p.store.HasExceededFailThreshold(key, rule.FailCount) {
		if n := p.store.RegisterFailure(key, now); n < rule.FailCount {
			return p.skip(result, GateFailCount, key, nil)
		}
	}
	if rule.ActionInterval > 0 && p.store.TimeSinceLastFire(key, now) < rule.ActionInterval {
		return p.skip(result, GateRateLimit, key, nil)
	}

	result.Successes = p.executor.Execute(ctx, event, rule.Actions, p.globalConfig, rule.ActionConfig)
	if result.Successes == 0 {
		p.logger.Warn("no action succeeded", "rule_id", rule.ID, "board_id", event.BoardID, "sensor_type", event.SensorType)
		return p.skip(result, GateDispatch, key, nil)
	}
	if err := p.store.RecordFire(ctx, key, now); err != nil {
		p.logger.Error("persist fire failed", "rule_id", rule.ID, "board_id", event.BoardID, "error", err)
	}
	result.Fired = true
	p.logger.Info("rule fired", "rule_id", rule.ID, "board_id", event.BoardID, "sensor_type", event.SensorType, "successes", result.Successes, "event_id", event.ID)
	return result
}

func (p *Pipeline) matchThreshold(key engine.StatusKey, rule rules.Rule, value string) (bool, error) {
	if rule.ValueCount <= 0 {
		return rule.Threshold.Match(value)
	}
	history := p.store.History(key)
	p.store.AppendHistory(key, value, rule.ValueCount)
	return rule.Threshold.MatchHistory(value, history)
}

func (p *Pipeline) checkStatus(checks []rules.StatusCheck) error {
	for _, check := range checks {
		value, ok := p.status.Value(check.Name)
		if !ok {
			return fmt.Errorf("status %q not set", check.Name)
		}
		matched, err := check.Predicate.Match(value)
		if err != nil {
			return fmt.Errorf("status %q: %w", check.Name, err)
		}
		if !matched {
			return fmt.Errorf("status %q is %q", check.Name, value)
		}
	}
	return nil
}

func (p *Pipeline) checkMetric(ctx context.Context, boardID string, check rules.MetricCheck, now time.Time) (bool, error) {
	if p.history == nil {
		return false, telemetry.ErrNoHistory
	}
	qctx, cancel := context.WithTimeout(ctx, p.historyTimeout)
	defer cancel()

	boards := check.ResolveBoards(boardID)
	var (
		samples []telemetry.Sample
		err     error
	)
	switch {
	case check.HasRange:
		samples, err = p.history.Range(qctx, boards, check.SensorType, now.Add(check.StartOffset), now.Add(check.EndOffset))
	case check.Window == rules.WindowLastMetric:
		samples, err = p.history.Latest(qctx, boards, check.SensorType)
	default:
		samples, err = p.history.LastN(qctx, boards, check.SensorType, check.Count)
	}
	if err != nil {
		metrics.IncHistoryQuery(metrics.ResultError)
		return false, err
	}
	metrics.IncHistoryQuery(metrics.ResultSuccess)

	values := make([]string, 0, len(samples))
	for _, sample := range samples {
		values = append(values, sample.Value)
	}
	return check.Predicate.MatchWindow(values)
}

func (p *Pipeline) skip(result EvaluationResult, gate Gate, key engine.StatusKey, err error) EvaluationResult {
	result.Gate = gate
	result.Err = err
	attrs := []any{"rule_id", key.RuleID, "board_id", key.BoardID, "sensor_type", key.SensorType, "gate", gate}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	p.logger.Debug("rule skipped", attrs...)
	return result
}

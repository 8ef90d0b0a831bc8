package application

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	rules "meact/internal/rules/domain"
)

// MaxFailbackDepth bounds the nesting of configured failback chains.
const MaxFailbackDepth = 8

var boardIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-]+$`)

// Core deterministic encoding: sorted map keys and shortest integer forms,
// so equal definitions always hash to the same id.
var idEncMode cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rules: cbor encoder init failed: " + err.Error())
	}
	idEncMode = mode
}

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

// Registry compiles raw definitions into rule sets.
type Registry struct {
	logger *slog.Logger
	clock  Clock
}

// Option configures the registry.
type Option func(*Registry)

// WithLogger sets the logger used for dropped definitions.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides the clock.
func WithClock(clock Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRegistry constructs a Registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{logger: slog.Default(), clock: systemClock{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load validates and defaults every definition. Invalid rules are dropped and
// reported; sensor types left without rules are omitted from the set.
func (r *Registry) Load(defs rules.Definitions) (*rules.RuleSet, []rules.ValidationError) {
	var errs []rules.ValidationError
	sensors := make(map[string]rules.SensorRules, len(defs))

	sensorTypes := make([]string, 0, len(defs))
	for sensorType := range defs {
		sensorTypes = append(sensorTypes, sensorType)
	}
	sort.Strings(sensorTypes)

	for _, sensorType := range sensorTypes {
		def := defs[sensorType]
		if strings.TrimSpace(sensorType) == "" {
			errs = append(errs, rules.ValidationError{SensorType: sensorType, Index: -1, Reason: "empty sensor type"})
			continue
		}
		priority := rules.DefaultPriority
		if def.Priority != nil {
			priority = *def.Priority
		}
		if priority < 0 {
			errs = append(errs, rules.ValidationError{SensorType: sensorType, Index: -1, Field: "priority", Reason: "must be >= 0"})
			continue
		}
		if len(def.Actions) == 0 {
			errs = append(errs, rules.ValidationError{SensorType: sensorType, Index: -1, Field: "actions", Reason: "no rules defined"})
			continue
		}

		compiled := make([]rules.Rule, 0, len(def.Actions))
		for i, raw := range def.Actions {
			rule, verr := compileRule(sensorType, priority, i, raw)
			if verr != nil {
				errs = append(errs, *verr)
				continue
			}
			compiled = append(compiled, rule)
		}
		if len(compiled) == 0 {
			continue
		}
		sensors[sensorType] = rules.SensorRules{SensorType: sensorType, Priority: priority, Rules: compiled}
	}

	for _, e := range errs {
		r.logger.Warn("rule definition dropped",
			"sensor_type", e.SensorType,
			"index", e.Index,
			"field", e.Field,
			"reason", e.Reason,
		)
	}
	set := rules.NewRuleSet(sensors, r.clock.Now())
	r.logger.Info("rule set compiled", "sensor_types", len(sensors), "rules", set.RuleCount(), "dropped", len(errs))
	return set, errs
}

// RuleID returns the stable identity of a normalized definition.
func RuleID(def rules.RuleDefinition) (string, error) {
	data, err := idEncMode.Marshal(def)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16]), nil
}

func compileRule(sensorType string, priority, index int, raw rules.RuleDefinition) (rules.Rule, *rules.ValidationError) {
	invalid := func(field, format string, args ...any) *rules.ValidationError {
		return &rules.ValidationError{SensorType: sensorType, Index: index, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	def := normalize(raw)
	rule := rules.Rule{
		SensorType:      sensorType,
		Priority:        priority,
		BoardIDs:        def.BoardIDs,
		ValueCount:      *def.ValueCount,
		ActionInterval:  seconds(*def.ActionInterval),
		FailCount:       *def.FailCount,
		FailInterval:    seconds(*def.FailInterval),
		MessageTemplate: *def.MessageTemplate,
		Actions:         def.Action,
		ActionConfig:    rules.ActionConfig(def.ActionConfig),
	}

	if err := validateBoardIDs(def.BoardIDs, false); err != nil {
		return rules.Rule{}, invalid("board_ids", "%v", err)
	}
	threshold, err := rules.CompilePredicate(*def.Threshold)
	if err != nil {
		return rules.Rule{}, invalid("threshold", "%v", err)
	}
	rule.Threshold = threshold
	if def.Transform != nil {
		transform, err := rules.CompileTransform(*def.Transform)
		if err != nil {
			return rules.Rule{}, invalid("transform", "%v", err)
		}
		rule.Transform = &transform
	}
	if rule.ValueCount < 0 {
		return rules.Rule{}, invalid("value_count", "must be >= 0")
	}
	if (threshold.Op.NeedsHistory() || threshold.Aggregate != rules.AggNone) && rule.ValueCount == 0 {
		return rules.Rule{}, invalid("value_count", "threshold %s needs value_count > 0", threshold.Op)
	}

	for i, check := range def.CheckStatus {
		field := fmt.Sprintf("check_status[%d]", i)
		if strings.TrimSpace(check.Name) == "" {
			return rules.Rule{}, invalid(field, "empty name")
		}
		if check.Threshold == nil {
			return rules.Rule{}, invalid(field, "missing threshold")
		}
		p, err := rules.CompilePredicate(*check.Threshold)
		if err != nil {
			return rules.Rule{}, invalid(field, "%v", err)
		}
		rule.CheckStatus = append(rule.CheckStatus, rules.StatusCheck{Name: check.Name, Predicate: p})
	}

	for i, check := range def.CheckMetric {
		field := fmt.Sprintf("check_metric[%d]", i)
		compiled, err := compileMetricCheck(sensorType, check)
		if err != nil {
			return rules.Rule{}, invalid(field, "%v", err)
		}
		rule.CheckMetric = append(rule.CheckMetric, compiled)
	}

	if rule.ActionInterval < 0 {
		return rules.Rule{}, invalid("action_interval", "must be >= 0")
	}
	if rule.FailCount < 0 {
		return rules.Rule{}, invalid("fail_count", "must be >= 0")
	}
	if rule.FailInterval < 0 {
		return rules.Rule{}, invalid("fail_interval", "must be >= 0")
	}
	if err := rules.ValidateTemplate(rule.MessageTemplate); err != nil {
		return rules.Rule{}, invalid("message_template", "%v", err)
	}
	if len(def.Action) == 0 {
		return rules.Rule{}, invalid("action", "must list at least one action")
	}
	if err := validateSteps(def.Action, 1); err != nil {
		return rules.Rule{}, invalid("action", "%v", err)
	}
	for name := range def.ActionConfig {
		if strings.TrimSpace(name) == "" {
			return rules.Rule{}, invalid("action_config", "empty action name")
		}
	}

	id, err := RuleID(def)
	if err != nil {
		return rules.Rule{}, invalid("", "hash: %v", err)
	}
	rule.ID = id
	return rule, nil
}

func compileMetricCheck(sensorType string, def rules.MetricCheckDefinition) (rules.MetricCheck, error) {
	if def.Threshold == nil {
		return rules.MetricCheck{}, fmt.Errorf("missing threshold")
	}
	p, err := rules.CompilePredicate(*def.Threshold)
	if err != nil {
		return rules.MetricCheck{}, err
	}
	if err := validateBoardIDs(def.BoardIDs, true); err != nil {
		return rules.MetricCheck{}, err
	}
	check := rules.MetricCheck{
		SensorType: def.SensorType,
		BoardIDs:   def.BoardIDs,
		Predicate:  p,
	}
	if check.SensorType == "" {
		check.SensorType = sensorType
	}
	if def.StartOffset != nil || def.EndOffset != nil {
		check.HasRange = true
		if def.StartOffset != nil {
			check.StartOffset = seconds(*def.StartOffset)
		}
		if def.EndOffset != nil {
			check.EndOffset = seconds(*def.EndOffset)
		}
		if check.StartOffset > check.EndOffset {
			return rules.MetricCheck{}, fmt.Errorf("start_offset after end_offset")
		}
	}
	if def.ValueCount == nil {
		if !check.HasRange {
			return rules.MetricCheck{}, fmt.Errorf("missing value_count")
		}
		check.Window = rules.WindowMetric
		return check, nil
	}
	switch rules.WindowKind(strings.ToLower(def.ValueCount.Type)) {
	case rules.WindowMetric, "":
		check.Window = rules.WindowMetric
		if def.ValueCount.Count <= 0 && !check.HasRange {
			return rules.MetricCheck{}, fmt.Errorf("value_count.count must be > 0")
		}
	case rules.WindowLastMetric:
		check.Window = rules.WindowLastMetric
	default:
		return rules.MetricCheck{}, fmt.Errorf("unknown value_count.type %q", def.ValueCount.Type)
	}
	check.Count = def.ValueCount.Count
	return check, nil
}

func validateBoardIDs(ids []string, allowPlaceholder bool) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate board id %q", id)
		}
		seen[id] = struct{}{}
		if allowPlaceholder && id == rules.BoardIDPlaceholder {
			continue
		}
		if !boardIDPattern.MatchString(id) {
			return fmt.Errorf("invalid board id %q", id)
		}
	}
	return nil
}

func validateSteps(steps []rules.ActionStep, depth int) error {
	if depth > MaxFailbackDepth {
		return fmt.Errorf("failback nested deeper than %d", MaxFailbackDepth)
	}
	for i, step := range steps {
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("step %d: empty name", i)
		}
		if err := validateSteps(step.Failback, depth+1); err != nil {
			return fmt.Errorf("%s.failback: %w", step.Name, err)
		}
	}
	return nil
}

// normalize fills defaults so that a missing field and its default value
// produce the same identity.
func normalize(raw rules.RuleDefinition) rules.RuleDefinition {
	def := raw
	def.BoardIDs = append([]string{}, raw.BoardIDs...)
	sort.Strings(def.BoardIDs)
	if def.Threshold == nil {
		def.Threshold = &rules.PredicateDefinition{Op: string(rules.OpTrue)}
	} else {
		threshold := normalizePredicate(*def.Threshold)
		def.Threshold = &threshold
	}
	if def.ValueCount == nil {
		def.ValueCount = intPtr(0)
	}
	if def.ActionInterval == nil {
		def.ActionInterval = floatPtr(0)
	}
	if def.FailCount == nil {
		def.FailCount = intPtr(0)
	}
	if def.FailInterval == nil {
		def.FailInterval = floatPtr(rules.DefaultFailInterval.Seconds())
	}
	if def.MessageTemplate == nil {
		tmpl := rules.DefaultMessageTemplate
		def.MessageTemplate = &tmpl
	}
	def.CheckStatus = make([]rules.StatusCheckDefinition, 0, len(raw.CheckStatus))
	for _, check := range raw.CheckStatus {
		check.Threshold = normalizePredicatePtr(check.Threshold)
		def.CheckStatus = append(def.CheckStatus, check)
	}
	def.CheckMetric = make([]rules.MetricCheckDefinition, 0, len(raw.CheckMetric))
	for _, check := range raw.CheckMetric {
		check.Threshold = normalizePredicatePtr(check.Threshold)
		check.BoardIDs = append([]string{}, check.BoardIDs...)
		sort.Strings(check.BoardIDs)
		if check.ValueCount != nil {
			window := *check.ValueCount
			window.Type = strings.ToLower(strings.TrimSpace(window.Type))
			check.ValueCount = &window
		}
		def.CheckMetric = append(def.CheckMetric, check)
	}
	if def.ActionConfig == nil {
		def.ActionConfig = map[string]map[string]any{}
	}
	def.Action = normalizeSteps(raw.Action)
	return def
}

// normalizeSteps copies a step tree with every failback list non-nil.
func normalizeSteps(steps []rules.ActionStep) []rules.ActionStep {
	out := make([]rules.ActionStep, 0, len(steps))
	for _, step := range steps {
		out = append(out, rules.ActionStep{Name: step.Name, Failback: normalizeSteps(step.Failback)})
	}
	return out
}

func normalizePredicatePtr(p *rules.PredicateDefinition) *rules.PredicateDefinition {
	if p == nil {
		return nil
	}
	normalized := normalizePredicate(*p)
	return &normalized
}

func normalizePredicate(p rules.PredicateDefinition) rules.PredicateDefinition {
	p.Op = strings.ToLower(strings.TrimSpace(p.Op))
	p.Aggregate = strings.ToLower(strings.TrimSpace(p.Aggregate))
	return p
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func intPtr(v int) *int { return &v }

func floatPtr(v float64) *float64 { return &v }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

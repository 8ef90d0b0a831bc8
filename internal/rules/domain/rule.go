package rules

import (
	"fmt"
	"sort"
	"time"
)

const (
	DefaultPriority        = 500
	DefaultFailInterval    = 600 * time.Second
	DefaultMessageTemplate = "{sensor_type} on board {board_desc} ({board_id}) reports value {sensor_data}"

	// BoardIDPlaceholder in a metric check's board list is replaced by the event's board.
	BoardIDPlaceholder = "{board_id}"
)

// ActionStep is one named action with an optional failback chain.
type ActionStep struct {
	Name     string       `yaml:"name" json:"name" cbor:"name"`
	Failback []ActionStep `yaml:"failback" json:"failback,omitempty" cbor:"failback"`
}

// Depth returns the deepest failback nesting below and including this step.
func (s ActionStep) Depth() int {
	depth := 0
	for _, fb := range s.Failback {
		if d := fb.Depth(); d > depth {
			depth = d
		}
	}
	return depth + 1
}

// ActionConfig maps action name to its parameters.
type ActionConfig map[string]map[string]any

// StatusCheck requires a SystemStatus value to satisfy a predicate.
type StatusCheck struct {
	Name      string
	Predicate Predicate
}

// WindowKind selects how a metric check reads history.
type WindowKind string

const (
	WindowMetric     WindowKind = "metric"
	WindowLastMetric WindowKind = "last_metric"
)

// MetricCheck requires recent samples of another sensor to satisfy a predicate.
type MetricCheck struct {
	SensorType  string
	BoardIDs    []string
	Predicate   Predicate
	Window      WindowKind
	Count       int
	HasRange    bool
	StartOffset time.Duration
	EndOffset   time.Duration
}

// ResolveBoards substitutes the board placeholder with boardID.
func (c MetricCheck) ResolveBoards(boardID string) []string {
	if len(c.BoardIDs) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.BoardIDs))
	for _, id := range c.BoardIDs {
		if id == BoardIDPlaceholder {
			id = boardID
		}
		out = append(out, id)
	}
	return out
}

// Rule is a validated, defaulted reaction for a sensor type.
type Rule struct {
	ID              string
	SensorType      string
	Priority        int
	BoardIDs        []string
	Threshold       Predicate
	Transform       *Transform
	ValueCount      int
	CheckStatus     []StatusCheck
	CheckMetric     []MetricCheck
	ActionInterval  time.Duration
	FailCount       int
	FailInterval    time.Duration
	MessageTemplate string
	Actions         []ActionStep
	ActionConfig    ActionConfig
}

// AppliesTo reports whether the rule is scoped to boardID.
func (r Rule) AppliesTo(boardID string) bool {
	if len(r.BoardIDs) == 0 {
		return true
	}
	for _, id := range r.BoardIDs {
		if id == boardID {
			return true
		}
	}
	return false
}

// SensorRules holds the rules registered for one sensor type, in configuration order.
type SensorRules struct {
	SensorType string
	Priority   int
	Rules      []Rule
}

// RuleSet is an immutable snapshot of all rules grouped by sensor type.
type RuleSet struct {
	sensors  map[string]SensorRules
	loadedAt time.Time
}

// NewRuleSet builds a RuleSet. The map is owned by the set afterwards.
func NewRuleSet(sensors map[string]SensorRules, loadedAt time.Time) *RuleSet {
	if sensors == nil {
		sensors = map[string]SensorRules{}
	}
	return &RuleSet{sensors: sensors, loadedAt: loadedAt}
}

// For returns the rules for a sensor type.
func (s *RuleSet) For(sensorType string) (SensorRules, bool) {
	if s == nil {
		return SensorRules{}, false
	}
	rules, ok := s.sensors[sensorType]
	return rules, ok
}

// Priority returns the queue priority for a sensor type.
func (s *RuleSet) Priority(sensorType string) (int, bool) {
	rules, ok := s.For(sensorType)
	if !ok {
		return 0, false
	}
	return rules.Priority, true
}

// SensorTypes returns the configured sensor types, sorted.
func (s *RuleSet) SensorTypes() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.sensors))
	for sensorType := range s.sensors {
		out = append(out, sensorType)
	}
	sort.Strings(out)
	return out
}

// RuleCount returns the total number of rules.
func (s *RuleSet) RuleCount() int {
	if s == nil {
		return 0
	}
	total := 0
	for _, rules := range s.sensors {
		total += len(rules.Rules)
	}
	return total
}

// LoadedAt returns when the set was compiled.
func (s *RuleSet) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Summary maps sensor type to rule ids, for status reports.
func (s *RuleSet) Summary() map[string][]string {
	out := make(map[string][]string)
	for _, sensorType := range s.SensorTypes() {
		rules := s.sensors[sensorType]
		ids := make([]string, 0, len(rules.Rules))
		for _, rule := range rules.Rules {
			ids = append(ids, rule.ID)
		}
		out[sensorType] = ids
	}
	return out
}

// ValidationError describes a dropped rule or sensor definition.
type ValidationError struct {
	SensorType string
	Index      int
	Field      string
	Reason     string
}

func (e ValidationError) Error() string {
	where := e.SensorType
	if e.Index >= 0 {
		where = fmt.Sprintf("%s[%d]", where, e.Index)
	}
	if e.Field != "" {
		where += "." + e.Field
	}
	return "rules: " + where + ": " + e.Reason
}

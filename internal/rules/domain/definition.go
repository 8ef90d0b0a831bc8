package rules

// Definitions is the raw, already-parsed rule configuration keyed by sensor type.
type Definitions map[string]SensorDefinition

// SensorDefinition is the raw configuration for one sensor type.
type SensorDefinition struct {
	Priority *int             `yaml:"priority" json:"priority,omitempty"`
	Actions  []RuleDefinition `yaml:"actions" json:"actions"`
}

// RuleDefinition is one raw rule entry before validation and defaulting.
type RuleDefinition struct {
	BoardIDs        []string                  `yaml:"board_ids" json:"board_ids,omitempty" cbor:"board_ids"`
	Threshold       *PredicateDefinition      `yaml:"threshold" json:"threshold,omitempty" cbor:"threshold"`
	Transform       *TransformDefinition      `yaml:"transform" json:"transform,omitempty" cbor:"transform"`
	ValueCount      *int                      `yaml:"value_count" json:"value_count,omitempty" cbor:"value_count"`
	CheckStatus     []StatusCheckDefinition   `yaml:"check_status" json:"check_status,omitempty" cbor:"check_status"`
	CheckMetric     []MetricCheckDefinition   `yaml:"check_metric" json:"check_metric,omitempty" cbor:"check_metric"`
	ActionInterval  *float64                  `yaml:"action_interval" json:"action_interval,omitempty" cbor:"action_interval"`
	FailCount       *int                      `yaml:"fail_count" json:"fail_count,omitempty" cbor:"fail_count"`
	FailInterval    *float64                  `yaml:"fail_interval" json:"fail_interval,omitempty" cbor:"fail_interval"`
	MessageTemplate *string                   `yaml:"message_template" json:"message_template,omitempty" cbor:"message_template"`
	Action          []ActionStep              `yaml:"action" json:"action" cbor:"action"`
	ActionConfig    map[string]map[string]any `yaml:"action_config" json:"action_config,omitempty" cbor:"action_config"`
}

// PredicateDefinition is the raw form of a Predicate.
type PredicateDefinition struct {
	Op        string   `yaml:"op" json:"op" cbor:"op"`
	Value     string   `yaml:"value" json:"value,omitempty" cbor:"value"`
	Min       *float64 `yaml:"min" json:"min,omitempty" cbor:"min"`
	Max       *float64 `yaml:"max" json:"max,omitempty" cbor:"max"`
	Aggregate string   `yaml:"aggregate" json:"aggregate,omitempty" cbor:"aggregate"`
}

// TransformDefinition is the raw form of a Transform.
type TransformDefinition struct {
	Op    string  `yaml:"op" json:"op" cbor:"op"`
	Value float64 `yaml:"value" json:"value,omitempty" cbor:"value"`
}

// StatusCheckDefinition is the raw form of a StatusCheck.
type StatusCheckDefinition struct {
	Name      string               `yaml:"name" json:"name" cbor:"name"`
	Threshold *PredicateDefinition `yaml:"threshold" json:"threshold" cbor:"threshold"`
}

// MetricCheckDefinition is the raw form of a MetricCheck.
type MetricCheckDefinition struct {
	SensorType  string               `yaml:"sensor_type" json:"sensor_type,omitempty" cbor:"sensor_type"`
	BoardIDs    []string             `yaml:"board_ids" json:"board_ids,omitempty" cbor:"board_ids"`
	Threshold   *PredicateDefinition `yaml:"threshold" json:"threshold" cbor:"threshold"`
	ValueCount  *WindowDefinition    `yaml:"value_count" json:"value_count,omitempty" cbor:"value_count"`
	StartOffset *float64             `yaml:"start_offset" json:"start_offset,omitempty" cbor:"start_offset"`
	EndOffset   *float64             `yaml:"end_offset" json:"end_offset,omitempty" cbor:"end_offset"`
}

// WindowDefinition selects how many historical samples a metric check reads.
type WindowDefinition struct {
	Type  string `yaml:"type" json:"type" cbor:"type"`
	Count int    `yaml:"count" json:"count" cbor:"count"`
}

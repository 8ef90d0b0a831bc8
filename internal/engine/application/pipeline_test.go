package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"meact/internal/actions"
	engine "meact/internal/engine/domain"
	rules "meact/internal/rules/domain"
	telemetry "meact/internal/telemetry/domain"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type stubExecutor struct {
	successes int
	events    []engine.SensorEvent
}

func (s *stubExecutor) Execute(_ context.Context, event engine.SensorEvent, _ []rules.ActionStep, _, _ rules.ActionConfig) int {
	s.events = append(s.events, event)
	return s.successes
}

type stubHistory struct {
	samples []telemetry.Sample
	err     error
	boards  []string
	n       int
}

func (s *stubHistory) LastN(_ context.Context, boardIDs []string, _ string, n int) ([]telemetry.Sample, error) {
	s.boards, s.n = boardIDs, n
	return s.samples, s.err
}

func (s *stubHistory) Range(_ context.Context, boardIDs []string, _ string, _, _ time.Time) ([]telemetry.Sample, error) {
	s.boards = boardIDs
	return s.samples, s.err
}

func (s *stubHistory) Latest(_ context.Context, boardIDs []string, _ string) ([]telemetry.Sample, error) {
	s.boards = boardIDs
	return s.samples, s.err
}

func mustPredicate(t *testing.T, def rules.PredicateDefinition) rules.Predicate {
	t.Helper()
	p, err := rules.CompilePredicate(def)
	if err != nil {
		t.Fatalf("compile predicate: %v", err)
	}
	return p
}

func baseRule(id string) rules.Rule {
	return rules.Rule{
		ID:              id,
		SensorType:      "temp",
		Priority:        rules.DefaultPriority,
		Threshold:       rules.Always,
		FailInterval:    rules.DefaultFailInterval,
		MessageTemplate: rules.DefaultMessageTemplate,
		Actions:         []rules.ActionStep{{Name: "log"}},
		ActionConfig:    rules.ActionConfig{},
	}
}

func newTestPipeline(t *testing.T, exec Executor, opts ...PipelineOption) (*Pipeline, *fakeClock, *engine.ActionStatusStore, *engine.SystemStatus) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	store := engine.NewActionStatusStore()
	status := engine.NewSystemStatus(nil)
	opts = append([]PipelineOption{WithPipelineClock(clock.Now)}, opts...)
	p, err := NewPipeline(store, status, exec, opts...)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p, clock, store, status
}

func tempEvent(board, value string) engine.SensorEvent {
	return engine.SensorEvent{BoardID: board, SensorType: "temp", Value: value, BoardDesc: "kitchen"}
}

func TestPipeline_Scope(t *testing.T) {
	exec := &stubExecutor{successes: 1}
	p, _, _, _ := newTestPipeline(t, exec)

	rule := baseRule("r-x")
	rule.BoardIDs = []string{"X"}
	if res := p.Evaluate(context.Background(), tempEvent("X", "1"), rule); !res.Fired {
		t.Fatalf("expected rule scoped to X to fire, gate=%s", res.Gate)
	}

	rule = baseRule("r-y")
	rule.BoardIDs = []string{"Y"}
	if res := p.Evaluate(context.Background(), tempEvent("X", "1"), rule); res.Fired || res.Gate != GateScope {
		t.Fatalf("expected scope skip, got %+v", res)
	}
}

func TestPipeline_RateLimit(t *testing.T) {
	exec := &stubExecutor{successes: 1}
	p, clock, _, _ := newTestPipeline(t, exec)
	rule := baseRule("r-rate")
	rule.ActionInterval = 60 * time.Second

	if !p.Evaluate(context.Background(), tempEvent("10", "1"), rule).Fired {
		t.Fatalf("first event must fire")
	}
	clock.Advance(59 * time.Second)
	if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); res.Fired || res.Gate != GateRateLimit {
		t.Fatalf("expected rate limit within interval, got %+v", res)
	}
	clock.Advance(time.Second)
	if !p.Evaluate(context.Background(), tempEvent("10", "1"), rule).Fired {
		t.Fatalf("event after full interval must fire")
	}
	if len(exec.events) != 2 {
		t.Fatalf("expected 2 dispatches, got %d", len(exec.events))
	}
}

func TestPipeline_RateLimitPerBoard(t *testing.T) {
	exec := &stubExecutor{successes: 1}
	p, _, _, _ := newTestPipeline(t, exec)
	rule := baseRule("r-rate")
	rule.ActionInterval = time.Hour

	if !p.Evaluate(context.Background(), tempEvent("10", "1"), rule).Fired {
		t.Fatalf("board 10 must fire")
	}
	if !p.Evaluate(context.Background(), tempEvent("11", "1"), rule).Fired {
		t.Fatalf("board 11 has its own status entry")
	}
}

func TestPipeline_FailCount(t *testing.T) {
	exec := &stubExecutor{successes: 1}
	p, clock, store, _ := newTestPipeline(t, exec)
	rule := baseRule("r-fail")
	rule.FailCount = 3
	rule.FailInterval = 10 * time.Minute

	for i := 0; i < 2; i++ {
		if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); res.Fired || res.Gate != GateFailCount {
			t.Fatalf("event %d: expected suppression, got %+v", i+1, res)
		}
		clock.Advance(time.Minute)
	}
	if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); !res.Fired {
		t.Fatalf("third event must fire, got %+v", res)
	}

	key := engine.StatusKey{RuleID: "r-fail", BoardID: "10", SensorType: "temp"}
	clock.Advance(11 * time.Minute)
	if n := store.PruneFailures(key, rule.FailInterval, clock.Now()); n != 0 {
		t.Fatalf("expected failures to age out, got %d", n)
	}
	if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); res.Fired {
		t.Fatalf("expected suppression after window expired")
	}
}

func TestPipeline_MessageTemplate(t *testing.T) {
	exec := &stubExecutor{successes: 1}
	p, _, _, _ := newTestPipeline(t, exec)

	rule := baseRule("r-msg")
	rule.SensorType = "voltage"
	rule.MessageTemplate = "{sensor_type} on {board_id}"
	event := engine.SensorEvent{BoardID: "10", SensorType: "voltage", Value: "12"}
	res := p.Evaluate(context.Background(), event, rule)
	if !res.Fired || res.Message != "voltage on 10" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if exec.events[0].Message != "voltage on 10" {
		t.Fatalf("dispatched event lacks message: %+v", exec.events[0])
	}

	rule.MessageTemplate = "{sensor_type} {undefined}"
	res = p.Evaluate(context.Background(), event, rule)
	if res.Fired || res.Gate != GateMessage || !errors.Is(res.Err, rules.ErrMissingTemplateKey) {
		t.Fatalf("expected template skip, got %+v", res)
	}
	if len(exec.events) != 1 {
		t.Fatalf("partially rendered message must not be dispatched")
	}
}

func TestPipeline_ThresholdAndTransform(t *testing.T) {
	exec := &stubExecutor{successes: 1}
	p, _, _, _ := newTestPipeline(t, exec)

	rule := baseRule("r-thr")
	rule.Threshold = mustPredicate(t, rules.PredicateDefinition{Op: "gt", Value: "80"})
	transform, err := rules.CompileTransform(rules.TransformDefinition{Op: "scale", Value: 0.5})
	if err != nil {
		t.Fatalf("compile transform: %v", err)
	}
	rule.Transform = &transform

	if res := p.Evaluate(context.Background(), tempEvent("10", "150"), rule); res.Fired || res.Gate != GateThreshold {
		t.Fatalf("75 must not exceed 80, got %+v", res)
	}
	if res := p.Evaluate(context.Background(), tempEvent("10", "170"), rule); !res.Fired {
		t.Fatalf("85 must exceed 80, got %+v", res)
	}
	if exec.events[0].Value != "85" {
		t.Fatalf("expected transformed value downstream, got %q", exec.events[0].Value)
	}
	if res := p.Evaluate(context.Background(), tempEvent("10", "hot"), rule); res.Gate != GateTransform {
		t.Fatalf("expected transform skip for non numeric value, got %+v", res)
	}
}

func TestPipeline_ThresholdHistory(t *testing.T) {
	exec := &stubExecutor{successes: 1}
	p, _, _, _ := newTestPipeline(t, exec)

	rule := baseRule("r-changed")
	rule.Threshold = mustPredicate(t, rules.PredicateDefinition{Op: "changed"})
	rule.ValueCount = 2

	want := []bool{false, false, true, false, true}
	for i, v := range []string{"1", "1", "0", "0", "1"} {
		if res := p.Evaluate(context.Background(), tempEvent("10", v), rule); res.Fired != want[i] {
			t.Fatalf("event %d value %s: fired=%v want %v", i, v, res.Fired, want[i])
		}
	}
}

func TestPipeline_StatusCheck(t *testing.T) {
	exec := &stubExecutor{successes: 1}
	p, _, _, status := newTestPipeline(t, exec)

	rule := baseRule("r-armed")
	rule.CheckStatus = []rules.StatusCheck{{Name: "armed", Predicate: mustPredicate(t, rules.PredicateDefinition{Op: "eq", Value: "true"})}}

	if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); res.Gate != GateStatus {
		t.Fatalf("missing status must fail the check, got %+v", res)
	}
	status.Merge(map[string]any{"armed": false})
	if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); res.Gate != GateStatus {
		t.Fatalf("disarmed must fail the check, got %+v", res)
	}
	status.Merge(map[string]any{"armed": true})
	if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); !res.Fired {
		t.Fatalf("armed must pass, got %+v", res)
	}
}

func TestPipeline_MetricCheck(t *testing.T) {
	history := &stubHistory{samples: []telemetry.Sample{{Value: "1"}, {Value: "1"}}}
	exec := &stubExecutor{successes: 1}
	p, _, _, _ := newTestPipeline(t, exec, WithHistory(history))

	rule := baseRule("r-metric")
	rule.CheckMetric = []rules.MetricCheck{{
		SensorType: "motion",
		BoardIDs:   []string{rules.BoardIDPlaceholder, "hall"},
		Predicate:  mustPredicate(t, rules.PredicateDefinition{Op: "eq", Value: "1", Aggregate: "all"}),
		Window:     rules.WindowMetric,
		Count:      2,
	}}

	if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); !res.Fired {
		t.Fatalf("expected metric check to pass, got %+v", res)
	}
	if len(history.boards) != 2 || history.boards[0] != "10" || history.n != 2 {
		t.Fatalf("unexpected query scope: %v n=%d", history.boards, history.n)
	}

	history.samples = []telemetry.Sample{{Value: "1"}, {Value: "0"}}
	if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); res.Gate != GateMetric {
		t.Fatalf("expected metric skip, got %+v", res)
	}

	history.err = errors.New("db down")
	if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); res.Gate != GateMetric || res.Err == nil {
		t.Fatalf("query error must fail closed, got %+v", res)
	}

	noHistory, _, _, _ := newTestPipeline(t, exec)
	if res := noHistory.Evaluate(context.Background(), tempEvent("10", "1"), rule); !errors.Is(res.Err, telemetry.ErrNoHistory) {
		t.Fatalf("expected ErrNoHistory, got %+v", res)
	}
}

func TestPipeline_DispatchFailureKeepsRuleEligible(t *testing.T) {
	exec := &stubExecutor{successes: 0}
	p, _, _, _ := newTestPipeline(t, exec)
	rule := baseRule("r-retry")
	rule.ActionInterval = time.Hour

	if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); res.Fired || res.Gate != GateDispatch {
		t.Fatalf("expected dispatch failure, got %+v", res)
	}
	exec.successes = 1
	if res := p.Evaluate(context.Background(), tempEvent("10", "1"), rule); !res.Fired {
		t.Fatalf("rule must retry after total failure, got %+v", res)
	}
}

func TestPipeline_ProcessEvaluatesEveryRule(t *testing.T) {
	exec := &stubExecutor{successes: 1}
	p, _, _, _ := newTestPipeline(t, exec)
	first := baseRule("r-1")
	first.MessageTemplate = "first {sensor_data}"
	second := baseRule("r-2")
	second.MessageTemplate = "second {sensor_data}"
	second.BoardIDs = []string{"other"}
	third := baseRule("r-3")
	third.MessageTemplate = "third {sensor_data}"

	results := p.Process(context.Background(), tempEvent("10", "5"), rules.SensorRules{SensorType: "temp", Rules: []rules.Rule{first, second, third}})
	if len(results) != 3 || !results[0].Fired || results[1].Fired || !results[2].Fired {
		t.Fatalf("unexpected results: %+v", results)
	}
	if exec.events[1].Message != "third 5" {
		t.Fatalf("rules must not share the rendered message, got %q", exec.events[1].Message)
	}
}

func TestPipeline_EndToEndWithLogAction(t *testing.T) {
	rec := &recorder{}
	reg := actions.NewRegistry()
	mustRegister(t, reg, "log", rec.action("log", nil), time.Second)
	dispatcher, err := NewDispatcher(reg)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	p, clock, _, _ := newTestPipeline(t, dispatcher)

	rule := baseRule("r-e2e")
	rule.Threshold = mustPredicate(t, rules.PredicateDefinition{Op: "gt", Value: "80"})
	rule.MessageTemplate = "{sensor_type} on {board_id} is {sensor_data}"
	event := engine.SensorEvent{BoardID: "10", SensorType: "temp", Value: "85"}

	if !p.Evaluate(context.Background(), event, rule).Fired {
		t.Fatalf("expected fire")
	}
	if rec.count("log") != 1 || rec.last().event.Message != "temp on 10 is 85" {
		t.Fatalf("unexpected log invocation: %+v", rec.calls)
	}

	limited := rule
	limited.ID = "r-e2e-limited"
	limited.ActionInterval = 60 * time.Second
	p.Evaluate(context.Background(), event, limited)
	clock.Advance(30 * time.Second)
	p.Evaluate(context.Background(), event, limited)
	clock.Advance(29 * time.Second)
	p.Evaluate(context.Background(), event, limited)
	if rec.count("log") != 2 {
		t.Fatalf("expected one invocation for the limited rule, total %d", rec.count("log"))
	}
}

func TestNewPipeline_Validation(t *testing.T) {
	store := engine.NewActionStatusStore()
	status := engine.NewSystemStatus(nil)
	if _, err := NewPipeline(nil, status, &stubExecutor{}); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, err := NewPipeline(store, nil, &stubExecutor{}); err == nil {
		t.Fatalf("expected error for nil status")
	}
	if _, err := NewPipeline(store, status, nil); err == nil {
		t.Fatalf("expected error for nil executor")
	}
}

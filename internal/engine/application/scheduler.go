package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	boards "meact/internal/boards/domain"
	engine "meact/internal/engine/domain"
	"meact/internal/observability/metrics"
	rules "meact/internal/rules/domain"
)

const (
	// DefaultPollWait is how long the loop idles before re-checking its state.
	DefaultPollWait = 5 * time.Second

	// StatusBoardID is the board that republishes status keys as readings.
	StatusBoardID = "executor"
	// StatusSensorPrefix prefixes status keys republished as sensor types.
	StatusSensorPrefix = "status_"
)

// Control actions accepted by the scheduler.
const (
	ControlStatus = "status"
	ControlSet    = "set"
	ControlReload = "reload"
)

// ErrUnknownControl is returned for unsupported control actions.
var ErrUnknownControl = errors.New("scheduler: unknown control action")

// ControlMessage is a control-plane request.
type ControlMessage struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

// StatusReport describes the engine state.
type StatusReport struct {
	Status      map[string]any      `json:"status"`
	Enabled     bool                `json:"executor_enabled"`
	Rules       map[string][]string `json:"rules"`
	Boards      map[string]string   `json:"boards"`
	QueueDepth  int                 `json:"queue_depth"`
	RulesLoaded time.Time           `json:"rules_loaded_at"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// RuleSource returns the active rule set.
type RuleSource interface {
	Current() *rules.RuleSet
}

// Processor evaluates an event against a sensor type's rules.
type Processor interface {
	Process(ctx context.Context, event engine.SensorEvent, set rules.SensorRules) []EvaluationResult
}

// StatusPublisher broadcasts status reports.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, report StatusReport) error
}

// BoardDirectory resolves and lists boards.
type BoardDirectory interface {
	boards.Lookup
	Snapshot() map[string]string
}

// ReloadFunc reloads rules and boards.
type ReloadFunc func(ctx context.Context) error

type controlRequest struct {
	msg   ControlMessage
	reply chan controlReply
}

type controlReply struct {
	report StatusReport
	err    error
}

// Scheduler is the single consumer of the ingress queue. Events are evaluated
// one at a time; control messages are handled between events.
type Scheduler struct {
	queue     *Queue
	rules     RuleSource
	processor Processor
	status    *engine.SystemStatus
	store     *engine.ActionStatusStore
	boards    BoardDirectory
	publisher StatusPublisher
	reload    ReloadFunc
	control   chan controlRequest
	pollWait  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// SchedulerOption configures Scheduler.
type SchedulerOption func(*Scheduler)

// WithBoards sets the board directory used for descriptions and reports.
func WithBoards(directory BoardDirectory) SchedulerOption {
	return func(s *Scheduler) {
		s.boards = directory
	}
}

// WithStatusPublisher broadcasts status after changes.
func WithStatusPublisher(publisher StatusPublisher) SchedulerOption {
	return func(s *Scheduler) {
		s.publisher = publisher
	}
}

// WithReload sets the reload hook.
func WithReload(reload ReloadFunc) SchedulerOption {
	return func(s *Scheduler) {
		s.reload = reload
	}
}

// WithActionStatusStore exposes the store to state dumps.
func WithActionStatusStore(store *engine.ActionStatusStore) SchedulerOption {
	return func(s *Scheduler) {
		s.store = store
	}
}

// WithPollWait overrides the idle wait.
func WithPollWait(wait time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if wait > 0 {
			s.pollWait = wait
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler constructs a scheduler.
func NewScheduler(queue *Queue, source RuleSource, processor Processor, status *engine.SystemStatus, opts ...SchedulerOption) (*Scheduler, error) {
	if queue == nil {
		return nil, errors.New("scheduler: nil queue")
	}
	if source == nil {
		return nil, errors.New("scheduler: nil rule source")
	}
	if processor == nil {
		return nil, errors.New("scheduler: nil processor")
	}
	if status == nil {
		return nil, errors.New("scheduler: nil system status")
	}
	s := &Scheduler{
		queue:     queue,
		rules:     source,
		processor: processor,
		status:    status,
		control:   make(chan controlRequest, 16),
		pollWait:  DefaultPollWait,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Enqueue queues an event at its sensor type's priority. Events for sensor
// types without rules are rejected with ErrNoRules.
func (s *Scheduler) Enqueue(event engine.SensorEvent) error {
	priority, ok := s.rules.Current().Priority(event.SensorType)
	if !ok {
		metrics.IncEventDropped("no_rules")
		return engine.ErrNoRules
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = s.now()
	}
	if err := s.queue.Push(event, priority); err != nil {
		metrics.IncEventDropped("queue_full")
		return err
	}
	metrics.SetQueueDepth(s.queue.Len())
	return nil
}

// Control hands a control message to the loop and waits for the result.
func (s *Scheduler) Control(ctx context.Context, msg ControlMessage) (StatusReport, error) {
	req := controlRequest{msg: msg, reply: make(chan controlReply, 1)}
	select {
	case s.control <- req:
	case <-ctx.Done():
		return StatusReport{}, ctx.Err()
	}
	select {
	case reply := <-req.reply:
		return reply.report, reply.err
	case <-ctx.Done():
		return StatusReport{}, ctx.Err()
	}
}

// Run processes control messages and events until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	enabled := s.status.Enabled()
	metrics.SetExecutorEnabled(enabled)
	s.logger.Info("scheduler started", "enabled", enabled, "queue_depth", s.queue.Len())
	s.broadcast(ctx, s.status.Snapshot())

	ticker := time.NewTicker(s.pollWait)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped", "queue_depth", s.queue.Len())
			return nil
		case req := <-s.control:
			s.handleControl(ctx, req)
			continue
		default:
		}

		if s.status.Enabled() {
			if item, ok := s.queue.TryPop(); ok {
				s.process(ctx, item)
				continue
			}
		}

		select {
		case <-ctx.Done():
		case req := <-s.control:
			s.handleControl(ctx, req)
		case <-s.queue.Ready():
		case <-ticker.C:
		}
	}
}

// Report builds a status report. Safe for concurrent use.
func (s *Scheduler) Report() StatusReport {
	set := s.rules.Current()
	report := StatusReport{
		Status:      s.status.Snapshot(),
		Enabled:     s.status.Enabled(),
		Rules:       set.Summary(),
		Boards:      map[string]string{},
		QueueDepth:  s.queue.Len(),
		RulesLoaded: set.LoadedAt(),
		GeneratedAt: s.now(),
	}
	if s.boards != nil {
		report.Boards = s.boards.Snapshot()
	}
	return report
}

// DumpState logs the status store, system status, rule map and board map.
func (s *Scheduler) DumpState() {
	report := s.Report()
	s.logger.Info("system status", "status", report.Status, "enabled", report.Enabled, "queue_depth", report.QueueDepth)
	s.logger.Info("rule map", "rules", report.Rules, "loaded_at", report.RulesLoaded)
	s.logger.Info("board map", "boards", report.Boards)
	if s.store == nil {
		return
	}
	for _, entry := range s.store.Snapshot() {
		s.logger.Info("action status",
			"rule_id", entry.Key.RuleID,
			"board_id", entry.Key.BoardID,
			"sensor_type", entry.Key.SensorType,
			"last_fired", entry.LastFired,
			"recent_failures", len(entry.RecentFailures),
		)
	}
}

func (s *Scheduler) process(ctx context.Context, item QueueItem) {
	started := time.Now()
	defer func() {
		metrics.ObserveProcessing(time.Since(started))
		metrics.SetQueueDepth(s.queue.Len())
	}()

	event := item.Event
	set, ok := s.rules.Current().For(event.SensorType)
	if !ok {
		metrics.IncEventDropped("no_rules")
		s.logger.Debug("rules removed before evaluation", "sensor_type", event.SensorType, "board_id", event.BoardID)
		return
	}
	if event.BoardDesc == "" && event.BoardID != StatusBoardID && s.boards != nil {
		event.BoardDesc, _ = s.boards.Lookup(event.BoardID)
	}
	results := s.processor.Process(ctx, event, set)
	fired := 0
	for _, r := range results {
		if r.Fired {
			fired++
		}
	}
	s.logger.Debug("event processed",
		"event_id", event.ID,
		"board_id", event.BoardID,
		"sensor_type", event.SensorType,
		"rules", len(results),
		"fired", fired,
		"waited", started.Sub(event.ReceivedAt),
	)
}

func (s *Scheduler) handleControl(ctx context.Context, req controlRequest) {
	report, err := s.applyControl(ctx, req.msg)
	req.reply <- controlReply{report: report, err: err}
}

func (s *Scheduler) applyControl(ctx context.Context, msg ControlMessage) (StatusReport, error) {
	switch msg.Action {
	case ControlStatus:
		report := s.Report()
		if s.publisher != nil {
			if err := s.publisher.PublishStatus(ctx, report); err != nil {
				s.logger.Warn("status publish failed", "error", err)
			}
		}
		return report, nil
	case ControlSet:
		wasEnabled := s.status.Enabled()
		changed := s.status.Merge(msg.Data)
		enabled := s.status.Enabled()
		metrics.SetExecutorEnabled(enabled)
		if wasEnabled != enabled {
			s.logger.Info("executor state changed", "enabled", enabled)
		}
		if len(changed) > 0 {
			s.logger.Info("system status updated", "keys", changed)
			updates := make(map[string]any, len(changed))
			for _, key := range changed {
				updates[key], _ = s.status.Get(key)
			}
			s.broadcast(ctx, updates)
		}
		return s.Report(), nil
	case ControlReload:
		if s.reload == nil {
			return s.Report(), errors.New("scheduler: reload not configured")
		}
		if err := s.reload(ctx); err != nil {
			return s.Report(), fmt.Errorf("scheduler: reload: %w", err)
		}
		return s.Report(), nil
	default:
		return StatusReport{}, fmt.Errorf("%w: %q", ErrUnknownControl, msg.Action)
	}
}

// broadcast publishes the status report and re-enqueues each key as a
// status_<key> reading so rules can react to status changes.
func (s *Scheduler) broadcast(ctx context.Context, values map[string]any) {
	if s.publisher != nil {
		if err := s.publisher.PublishStatus(ctx, s.Report()); err != nil {
			s.logger.Warn("status publish failed", "error", err)
		}
	}
	for key, value := range values {
		event := engine.SensorEvent{
			BoardID:    StatusBoardID,
			BoardDesc:  StatusBoardID,
			SensorType: StatusSensorPrefix + key,
			Value:      engine.FormatStatusValue(value),
		}
		if err := s.Enqueue(event); err != nil && !errors.Is(err, engine.ErrNoRules) {
			s.logger.Warn("status reading dropped", "sensor_type", event.SensorType, "error", err)
		}
	}
}

package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	engineapp "meact/internal/engine/application"
	engine "meact/internal/engine/domain"
	"meact/internal/observability/metrics"
	telemetry "meact/internal/telemetry/domain"
)

// DefaultRecordTimeout bounds one telemetry insert.
const DefaultRecordTimeout = 2 * time.Second

var boardIDPattern = regexp.MustCompile(`^[a-zA-Z0-9\-]+$`)

// ErrInvalidReading is returned for readings that cannot be turned into events.
var ErrInvalidReading = errors.New("intake: invalid reading")

// Enqueuer accepts events for evaluation.
type Enqueuer interface {
	Enqueue(event engine.SensorEvent) error
}

// Controller applies control messages.
type Controller interface {
	Control(ctx context.Context, msg engineapp.ControlMessage) (engineapp.StatusReport, error)
}

type readingPayload struct {
	BoardID    string          `json:"board_id"`
	SensorType string          `json:"sensor_type"`
	SensorData json.RawMessage `json:"sensor_data"`
}

// ParseReading builds an event from a bus message. A JSON object carrying
// board_id and sensor_type wins; otherwise the topic ends in
// <sensor_type>/<board_id> and the payload is the value.
func ParseReading(topic string, payload []byte) (engine.SensorEvent, error) {
	var event engine.SensorEvent
	trimmed := bytes.TrimSpace(payload)

	if len(trimmed) > 0 && trimmed[0] == '{' {
		var body readingPayload
		if err := json.Unmarshal(trimmed, &body); err == nil && body.BoardID != "" && body.SensorType != "" {
			value, err := rawValue(body.SensorData)
			if err != nil {
				return event, fmt.Errorf("%w: sensor_data: %v", ErrInvalidReading, err)
			}
			event = engine.SensorEvent{BoardID: body.BoardID, SensorType: body.SensorType, Value: value}
			return event, validateReading(event)
		}
	}

	tokens := SplitTopic(topic)
	if len(tokens) < 2 {
		return event, fmt.Errorf("%w: topic %q has no sensor_type/board_id suffix", ErrInvalidReading, topic)
	}
	event = engine.SensorEvent{
		BoardID:    tokens[len(tokens)-1],
		SensorType: tokens[len(tokens)-2],
		Value:      string(trimmed),
	}
	return event, validateReading(event)
}

func rawValue(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", errors.New("missing")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b), nil
	}
	return "", errors.New("must be a string, number or boolean")
}

func validateReading(event engine.SensorEvent) error {
	if !boardIDPattern.MatchString(event.BoardID) {
		return fmt.Errorf("%w: board_id %q", ErrInvalidReading, event.BoardID)
	}
	if strings.TrimSpace(event.SensorType) == "" {
		return fmt.Errorf("%w: empty sensor_type", ErrInvalidReading)
	}
	if event.Value == "" {
		return fmt.Errorf("%w: empty sensor_data", ErrInvalidReading)
	}
	return nil
}

// ParseControl decodes a control-channel message.
func ParseControl(payload []byte) (engineapp.ControlMessage, error) {
	var msg engineapp.ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("intake: decode control message: %w", err)
	}
	if strings.TrimSpace(msg.Action) == "" {
		return msg, errors.New("intake: control message without action")
	}
	return msg, nil
}

// Intake turns bus messages into queued events and control requests.
type Intake struct {
	enqueuer      Enqueuer
	controller    Controller
	recorder      telemetry.Recorder
	recordTimeout time.Duration
	newID         func() string
	now           func() time.Time
	logger        *slog.Logger
}

// IntakeOption configures Intake.
type IntakeOption func(*Intake)

// WithRecorder stores every valid reading.
func WithRecorder(recorder telemetry.Recorder) IntakeOption {
	return func(i *Intake) {
		i.recorder = recorder
	}
}

// WithRecordTimeout bounds each telemetry insert.
func WithRecordTimeout(timeout time.Duration) IntakeOption {
	return func(i *Intake) {
		if timeout > 0 {
			i.recordTimeout = timeout
		}
	}
}

// WithIntakeLogger sets the logger.
func WithIntakeLogger(logger *slog.Logger) IntakeOption {
	return func(i *Intake) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// NewIntake constructs an intake adapter.
func NewIntake(enqueuer Enqueuer, controller Controller, opts ...IntakeOption) (*Intake, error) {
	if enqueuer == nil {
		return nil, errors.New("intake: nil enqueuer")
	}
	if controller == nil {
		return nil, errors.New("intake: nil controller")
	}
	i := &Intake{
		enqueuer:      enqueuer,
		controller:    controller,
		recordTimeout: DefaultRecordTimeout,
		newID:         uuid.NewString,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i, nil
}

// Bind subscribes the intake to the sensor and control subjects.
func (i *Intake) Bind(bus Bus, sensorSubject, controlSubject string) error {
	if bus == nil {
		return errors.New("intake: nil bus")
	}
	if err := bus.Subscribe(sensorSubject, i.HandleReading); err != nil {
		return fmt.Errorf("intake: subscribe %s: %w", sensorSubject, err)
	}
	if err := bus.Subscribe(controlSubject, i.HandleControl); err != nil {
		return fmt.Errorf("intake: subscribe %s: %w", controlSubject, err)
	}
	return nil
}

// HandleReading parses, records and enqueues one reading.
func (i *Intake) HandleReading(ctx context.Context, topic string, payload []byte) {
	event, err := ParseReading(topic, payload)
	if err != nil {
		metrics.IncEventDropped("invalid")
		i.logger.Warn("reading rejected", "topic", topic, "error", err)
		return
	}
	event.ID = i.newID()
	event.ReceivedAt = i.now()
	metrics.IncEventReceived("reading")

	i.record(ctx, event)

	if err := i.enqueuer.Enqueue(event); err != nil {
		if errors.Is(err, engine.ErrNoRules) {
			i.logger.Debug("no rules for sensor type", "sensor_type", event.SensorType, "board_id", event.BoardID)
			return
		}
		i.logger.Warn("reading dropped", "event_id", event.ID, "sensor_type", event.SensorType, "board_id", event.BoardID, "error", err)
		return
	}
	i.logger.Debug("reading queued", "event_id", event.ID, "sensor_type", event.SensorType, "board_id", event.BoardID, "value", event.Value)
}

// HandleControl decodes a control message and hands it to the scheduler.
func (i *Intake) HandleControl(ctx context.Context, topic string, payload []byte) {
	msg, err := ParseControl(payload)
	if err != nil {
		i.logger.Warn("control message rejected", "topic", topic, "error", err)
		return
	}
	metrics.IncEventReceived("control")
	if _, err := i.controller.Control(ctx, msg); err != nil {
		i.logger.Error("control message failed", "action", msg.Action, "error", err)
		return
	}
	i.logger.Info("control message applied", "action", msg.Action)
}

func (i *Intake) record(ctx context.Context, event engine.SensorEvent) {
	if i.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, i.recordTimeout)
	defer cancel()
	sample := telemetry.Sample{
		BoardID:    event.BoardID,
		SensorType: event.SensorType,
		Value:      event.Value,
		At:         event.ReceivedAt,
	}
	if err := i.recorder.Record(rctx, sample); err != nil {
		i.logger.Warn("telemetry record failed", "event_id", event.ID, "board_id", event.BoardID, "sensor_type", event.SensorType, "error", err)
	}
}

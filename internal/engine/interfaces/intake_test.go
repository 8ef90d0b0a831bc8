package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	engineapp "meact/internal/engine/application"
	engine "meact/internal/engine/domain"
	telemetry "meact/internal/telemetry/domain"
)

type stubEnqueuer struct {
	events []engine.SensorEvent
	err    error
}

func (s *stubEnqueuer) Enqueue(event engine.SensorEvent) error {
	s.events = append(s.events, event)
	return s.err
}

type stubController struct {
	msgs []engineapp.ControlMessage
	err  error
}

func (s *stubController) Control(_ context.Context, msg engineapp.ControlMessage) (engineapp.StatusReport, error) {
	s.msgs = append(s.msgs, msg)
	return engineapp.StatusReport{}, s.err
}

type stubRecorder struct {
	samples []telemetry.Sample
	err     error
}

func (s *stubRecorder) Record(_ context.Context, sample telemetry.Sample) error {
	s.samples = append(s.samples, sample)
	return s.err
}

func TestParseReading(t *testing.T) {
	cases := []struct {
		name    string
		topic   string
		payload string
		want    engine.SensorEvent
		wantErr bool
	}{
		{name: "mqtt topic", topic: "sensors/temp/10", payload: "21.5", want: engine.SensorEvent{BoardID: "10", SensorType: "temp", Value: "21.5"}},
		{name: "nats subject", topic: "meact.sensors.voltage.garage-1", payload: " 3.3\n", want: engine.SensorEvent{BoardID: "garage-1", SensorType: "voltage", Value: "3.3"}},
		{name: "json string", topic: "meact.sensors", payload: `{"board_id":"7","sensor_type":"door","sensor_data":"open"}`, want: engine.SensorEvent{BoardID: "7", SensorType: "door", Value: "open"}},
		{name: "json number", topic: "x", payload: `{"board_id":"7","sensor_type":"temp","sensor_data":19.25}`, want: engine.SensorEvent{BoardID: "7", SensorType: "temp", Value: "19.25"}},
		{name: "json bool", topic: "x", payload: `{"board_id":"7","sensor_type":"motion","sensor_data":true}`, want: engine.SensorEvent{BoardID: "7", SensorType: "motion", Value: "true"}},
		{name: "json missing data", topic: "x", payload: `{"board_id":"7","sensor_type":"temp"}`, wantErr: true},
		{name: "short topic", topic: "temp", payload: "1", wantErr: true},
		{name: "bad board id", topic: "sensors/temp/bad id!", payload: "1", wantErr: true},
		{name: "empty value", topic: "sensors/temp/10", payload: "  ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseReading(tc.topic, []byte(tc.payload))
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidReading) {
					t.Fatalf("expected ErrInvalidReading, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if got.BoardID != tc.want.BoardID || got.SensorType != tc.want.SensorType || got.Value != tc.want.Value {
				t.Fatalf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestIntake_HandleReading(t *testing.T) {
	enq := &stubEnqueuer{}
	rec := &stubRecorder{err: errors.New("db down")}
	intake, err := NewIntake(enq, &stubController{}, WithRecorder(rec))
	if err != nil {
		t.Fatalf("new intake: %v", err)
	}
	intake.newID = func() string { return "evt-1" }
	intake.now = func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) }

	intake.HandleReading(context.Background(), "sensors/temp/10", []byte("22"))
	intake.HandleReading(context.Background(), "sensors/temp", []byte(""))

	if len(enq.events) != 1 {
		t.Fatalf("expected 1 queued event, got %d", len(enq.events))
	}
	ev := enq.events[0]
	if ev.ID != "evt-1" || ev.ReceivedAt.IsZero() {
		t.Fatalf("expected id and receive time, got %+v", ev)
	}
	if len(rec.samples) != 1 || rec.samples[0].Value != "22" || !rec.samples[0].At.Equal(ev.ReceivedAt) {
		t.Fatalf("recorder failure must not block intake, samples=%+v", rec.samples)
	}
}

func TestIntake_RecordsReadingsWithoutRules(t *testing.T) {
	enq := &stubEnqueuer{err: engine.ErrNoRules}
	rec := &stubRecorder{}
	intake, _ := NewIntake(enq, &stubController{}, WithRecorder(rec))
	intake.HandleReading(context.Background(), "sensors/humidity/3", []byte("40"))
	if len(rec.samples) != 1 {
		t.Fatalf("expected reading to be recorded")
	}
}

func TestIntake_HandleControl(t *testing.T) {
	ctrl := &stubController{}
	intake, _ := NewIntake(&stubEnqueuer{}, ctrl)

	intake.HandleControl(context.Background(), "meact.mgmt.executor", []byte(`{"action":"set","data":{"armed":true}}`))
	intake.HandleControl(context.Background(), "meact.mgmt.executor", []byte(`not json`))
	intake.HandleControl(context.Background(), "meact.mgmt.executor", []byte(`{"data":{}}`))

	if len(ctrl.msgs) != 1 {
		t.Fatalf("expected 1 control message, got %d", len(ctrl.msgs))
	}
	if ctrl.msgs[0].Action != engineapp.ControlSet || ctrl.msgs[0].Data["armed"] != true {
		t.Fatalf("unexpected control message: %+v", ctrl.msgs[0])
	}
}

func TestIntake_BindAndStatusReporter(t *testing.T) {
	bus := NewMemoryBus()
	enq := &stubEnqueuer{}
	ctrl := &stubController{}
	intake, _ := NewIntake(enq, ctrl)
	if err := intake.Bind(bus, "meact.sensors.>", "meact.mgmt.executor"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	ctx := context.Background()
	_ = bus.Publish(ctx, "meact.sensors.temp.10", []byte("20"), false)
	_ = bus.Publish(ctx, "meact.mgmt.executor", []byte(`{"action":"status"}`), false)
	_ = bus.Publish(ctx, "other.temp.10", []byte("20"), false)
	if len(enq.events) != 1 || len(ctrl.msgs) != 1 {
		t.Fatalf("unexpected routing: events=%d control=%d", len(enq.events), len(ctrl.msgs))
	}

	reporter, err := NewStatusReporter(bus, "meact.mgmt.status")
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	report := engineapp.StatusReport{Status: map[string]any{"armed": true}, Enabled: true}
	if err := reporter.PublishStatus(ctx, report); err != nil {
		t.Fatalf("publish status: %v", err)
	}
	payload, ok := bus.Retained("meact.mgmt.status")
	if !ok {
		t.Fatalf("status must be retained")
	}
	var decoded engineapp.StatusReport
	if err := json.Unmarshal(payload, &decoded); err != nil || !decoded.Enabled || decoded.Status["armed"] != true {
		t.Fatalf("unexpected retained status %s (%v)", payload, err)
	}
}

func TestNewIntake_Validation(t *testing.T) {
	if _, err := NewIntake(nil, &stubController{}); err == nil {
		t.Fatalf("expected error for nil enqueuer")
	}
	if _, err := NewIntake(&stubEnqueuer{}, nil); err == nil {
		t.Fatalf("expected error for nil controller")
	}
}

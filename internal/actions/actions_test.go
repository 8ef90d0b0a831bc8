package actions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"meact/internal/actions/mail"
	engine "meact/internal/engine/domain"
)

func testEvent() engine.SensorEvent {
	return engine.SensorEvent{
		ID:         "evt-1",
		BoardID:    "10",
		BoardDesc:  "kitchen",
		SensorType: "temp",
		Value:      "85",
		Message:    "temp on 10",
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{errors.New("boom"), ExitFailure},
		{&ExitError{Code: 3}, 3},
		{context.DeadlineExceeded, ExitTimeout},
		{ErrDisabled, ExitFailure},
	}
	for _, tc := range cases {
		if got := ExitCode(tc.err); got != tc.want {
			t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	noop := ActionFunc(func(context.Context, engine.SensorEvent, map[string]any) error { return nil })
	if err := reg.Register("", noop, 0); err == nil {
		t.Fatalf("expected error for empty name")
	}
	if err := reg.Register("noop", noop, 0); err != nil {
		t.Fatalf("register: %v", err)
	}
	entry, ok := reg.Lookup("noop")
	if !ok || entry.Timeout != DefaultTimeout {
		t.Fatalf("unexpected entry: %+v %v", entry, ok)
	}
	if err := reg.SetTimeout("noop", time.Second); err != nil {
		t.Fatalf("set timeout: %v", err)
	}
	if entry, _ := reg.Lookup("noop"); entry.Timeout != time.Second {
		t.Fatalf("timeout not updated: %s", entry.Timeout)
	}
	if err := reg.SetTimeout("missing", time.Second); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestEnabled(t *testing.T) {
	if !Enabled(nil) || !Enabled(map[string]any{}) {
		t.Fatalf("missing flag must be enabled")
	}
	if Enabled(map[string]any{"enabled": false}) || Enabled(map[string]any{"enabled": "off"}) {
		t.Fatalf("expected disabled")
	}
	err := NewLogAction(nil).Run(context.Background(), testEvent(), map[string]any{"enabled": false})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

type publishCall struct {
	topic   string
	payload string
	retain  bool
}

type stubPublisher struct {
	calls []publishCall
}

func (s *stubPublisher) Publish(_ context.Context, topic string, payload []byte, retain bool) error {
	s.calls = append(s.calls, publishCall{topic: topic, payload: string(payload), retain: retain})
	return nil
}

func TestPublishAction(t *testing.T) {
	pub := &stubPublisher{}
	config := map[string]any{
		"messages": []any{
			map[string]any{"topic": "meact.alerts.{board_id}", "retain": true},
			map[string]any{"topic": "meact.siren", "message": "on:{sensor_data}"},
		},
	}
	if err := NewPublishAction(pub).Run(context.Background(), testEvent(), config); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(pub.calls) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.calls))
	}
	if pub.calls[0] != (publishCall{topic: "meact.alerts.10", payload: "temp on 10", retain: true}) {
		t.Fatalf("unexpected first call: %+v", pub.calls[0])
	}
	if pub.calls[1].payload != "on:85" || pub.calls[1].retain {
		t.Fatalf("unexpected second call: %+v", pub.calls[1])
	}

	if err := NewPublishAction(pub).Run(context.Background(), testEvent(), map[string]any{}); err == nil {
		t.Fatalf("expected error without messages")
	}
	bad := map[string]any{"messages": []any{map[string]any{"topic": "{nope}"}}}
	if err := NewPublishAction(pub).Run(context.Background(), testEvent(), bad); err == nil {
		t.Fatalf("expected error for unknown template key")
	}
}

func TestWebhookPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := NewWebhook(WithHTTPClient(server.Client()))
	if err := hook.Run(context.Background(), testEvent(), map[string]any{"url": server.URL}); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	select {
	case payload := <-payloadCh:
		if payload.MsgType != "text" || payload.Text == nil || payload.Text.Content != "temp on 10" {
			t.Fatalf("unexpected payload: %+v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("webhook not delivered")
	}
}

func TestWebhookNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := NewWebhook().Run(context.Background(), testEvent(), map[string]any{"url": server.URL})
	if err == nil {
		t.Fatalf("expected error for 502")
	}
	if err := NewWebhook().Run(context.Background(), testEvent(), nil); err == nil {
		t.Fatalf("expected error for missing url")
	}
}

type recordingProvider struct {
	req *mail.Request
}

func (p *recordingProvider) Name() string       { return "smtp" }
func (p *recordingProvider) IsConfigured() bool { return true }
func (p *recordingProvider) Send(_ context.Context, req *mail.Request) error {
	p.req = req
	return nil
}

func TestMailAction(t *testing.T) {
	provider := &recordingProvider{}
	reg := mail.NewRegistry(nil)
	reg.Register(provider)

	config := map[string]any{
		"sender":    "hub@example.com",
		"recipient": []any{"a@example.com", "b@example.com"},
		"subject":   "{sensor_type} at {board_desc}",
	}
	if err := NewMailAction(reg).Run(context.Background(), testEvent(), config); err != nil {
		t.Fatalf("mail: %v", err)
	}
	if provider.req == nil || provider.req.Subject != "temp at kitchen" || len(provider.req.To) != 2 || provider.req.Body != "temp on 10" {
		t.Fatalf("unexpected request: %+v", provider.req)
	}

	delete(config, "sender")
	if err := NewMailAction(reg).Run(context.Background(), testEvent(), config); err == nil {
		t.Fatalf("expected error without sender")
	}
}

func TestExecAction(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	ok := NewExec("sh", []string{"-c", `test "$MEACT_BOARD_ID" = 10 && test "$(cat)" = "temp on 10"`}, nil)
	if err := ok.Run(context.Background(), testEvent(), nil); err != nil {
		t.Fatalf("exec: %v", err)
	}

	fail := NewExec("sh", []string{"-c", "exit 7"}, nil)
	if code := ExitCode(fail.Run(context.Background(), testEvent(), nil)); code != 7 {
		t.Fatalf("expected exit code 7, got %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	slow := NewExec("sh", []string{"-c", "sleep 5"}, nil)
	if code := ExitCode(slow.Run(ctx, testEvent(), nil)); code != ExitTimeout {
		t.Fatalf("expected timeout code, got %d", code)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, Dependencies{}); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	for _, name := range []string{"log", "publish", "webhook", "mail", "exec"} {
		entry, ok := reg.Lookup(name)
		if !ok {
			t.Fatalf("missing builtin %s", name)
		}
		if entry.Timeout != DefaultTimeout {
			t.Fatalf("%s: expected default timeout, got %s", name, entry.Timeout)
		}
	}
}

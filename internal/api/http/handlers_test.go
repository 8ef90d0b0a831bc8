package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	engineapp "meact/internal/engine/application"
	rules "meact/internal/rules/domain"
	telemetry "meact/internal/telemetry/domain"
)

type stubController struct {
	report engineapp.StatusReport
	msgs   []engineapp.ControlMessage
	err    error
}

func (s *stubController) Report() engineapp.StatusReport { return s.report }

func (s *stubController) Control(_ context.Context, msg engineapp.ControlMessage) (engineapp.StatusReport, error) {
	s.msgs = append(s.msgs, msg)
	return s.report, s.err
}

type stubRules struct{ set *rules.RuleSet }

func (s stubRules) Current() *rules.RuleSet { return s.set }

type stubBoards map[string]string

func (b stubBoards) Snapshot() map[string]string { return b }

type stubHistory struct {
	boards []string
	n      int
	ranged bool
	err    error
}

func (s *stubHistory) LastN(_ context.Context, boardIDs []string, sensorType string, n int) ([]telemetry.Sample, error) {
	s.boards, s.n = boardIDs, n
	return []telemetry.Sample{{BoardID: "10", SensorType: sensorType, Value: "21"}}, s.err
}

func (s *stubHistory) Range(_ context.Context, boardIDs []string, _ string, _, _ time.Time) ([]telemetry.Sample, error) {
	s.boards, s.ranged = boardIDs, true
	return nil, s.err
}

func (s *stubHistory) Latest(context.Context, []string, string) ([]telemetry.Sample, error) {
	return nil, s.err
}

func TestStatusHandler(t *testing.T) {
	ctrl := &stubController{report: engineapp.StatusReport{Status: map[string]any{"armed": true}, Enabled: true}}
	h := NewStatusHandler(ctrl)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"armed":true`) {
		t.Fatalf("unexpected response %d %s", resp.Code, resp.Body.String())
	}

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/status", strings.NewReader(`{"data":{"armed":false}}`)))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if len(ctrl.msgs) != 1 || ctrl.msgs[0].Action != engineapp.ControlSet || ctrl.msgs[0].Data["armed"] != false {
		t.Fatalf("unexpected control messages %+v", ctrl.msgs)
	}

	for _, body := range []string{`nope`, `{"data":{}}`} {
		resp = httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/status", strings.NewReader(body)))
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, resp.Code)
		}
	}
}

func TestReloadHandler(t *testing.T) {
	ctrl := &stubController{}
	h := NewReloadHandler(ctrl)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/reload", nil))
	if resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/reload", nil))
	if resp.Code != http.StatusOK || ctrl.msgs[0].Action != engineapp.ControlReload {
		t.Fatalf("unexpected reload response %d %+v", resp.Code, ctrl.msgs)
	}

	ctrl.err = errors.New("bad yaml")
	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/reload", nil))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func TestRulesAndBoardsHandlers(t *testing.T) {
	set := rules.NewRuleSet(map[string]rules.SensorRules{
		"temp": {SensorType: "temp", Priority: 100, Rules: []rules.Rule{{ID: "r1"}, {ID: "r2"}}},
	}, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))

	resp := httptest.NewRecorder()
	NewRulesHandler(stubRules{set: set}).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/rules", nil))
	var body struct {
		LoadedAt string            `json:"loaded_at"`
		Sensors  []sensorRulesView `json:"sensors"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.LoadedAt != "2026-05-01T00:00:00Z" || len(body.Sensors) != 1 || body.Sensors[0].Priority != 100 || len(body.Sensors[0].Rules) != 2 {
		t.Fatalf("unexpected rules body %+v", body)
	}

	resp = httptest.NewRecorder()
	NewBoardsHandler(stubBoards{"10": "kitchen"}).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/boards", nil))
	if !strings.Contains(resp.Body.String(), `"10":"kitchen"`) {
		t.Fatalf("unexpected boards body %s", resp.Body.String())
	}
}

func TestMetricsHandler(t *testing.T) {
	history := &stubHistory{}
	h := NewMetricsHandler(history)

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/metrics?sensor_type=temp&board_id=10,11&last=5", nil))
	if resp.Code != http.StatusOK || history.n != 5 || len(history.boards) != 2 {
		t.Fatalf("unexpected last-n query: code=%d n=%d boards=%v", resp.Code, history.n, history.boards)
	}

	resp = httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/metrics?sensor_type=temp&from=2026-05-01T00:00:00Z&to=2026-05-01T01:00:00Z", nil))
	if resp.Code != http.StatusOK || !history.ranged || strings.TrimSpace(resp.Body.String()) != "[]" {
		t.Fatalf("unexpected range query: code=%d body=%s", resp.Code, resp.Body.String())
	}

	cases := []string{
		"/api/v1/metrics",
		"/api/v1/metrics?sensor_type=temp&last=0",
		"/api/v1/metrics?sensor_type=temp&from=2026-05-01T01:00:00Z&to=2026-05-01T00:00:00Z",
		"/api/v1/metrics?sensor_type=temp&from=yesterday",
	}
	for _, target := range cases {
		resp = httptest.NewRecorder()
		h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, target, nil))
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, resp.Code)
		}
	}

	resp = httptest.NewRecorder()
	NewMetricsHandler(nil).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/metrics?sensor_type=temp", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without history, got %d", resp.Code)
	}
}

func TestParseLast(t *testing.T) {
	if n, _ := parseLast(""); n != defaultLast {
		t.Fatalf("expected default, got %d", n)
	}
	if n, _ := parseLast("5000"); n != maxLast {
		t.Fatalf("expected clamp to %d, got %d", maxLast, n)
	}
	if _, err := parseLast("x"); err == nil {
		t.Fatalf("expected error")
	}
}

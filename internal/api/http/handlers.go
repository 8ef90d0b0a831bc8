package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	engineapp "meact/internal/engine/application"
	rules "meact/internal/rules/domain"
	telemetry "meact/internal/telemetry/domain"
)

const (
	timeLayout   = time.RFC3339
	defaultLast  = 10
	maxLast      = 1000
	maxBodyBytes = 1 << 20
)

// Controller is the scheduler's control surface.
type Controller interface {
	Report() engineapp.StatusReport
	Control(ctx context.Context, msg engineapp.ControlMessage) (engineapp.StatusReport, error)
}

// RuleSource returns the active rule set.
type RuleSource interface {
	Current() *rules.RuleSet
}

// BoardLister lists known boards.
type BoardLister interface {
	Snapshot() map[string]string
}

// StatusHandler serves the system status.
type StatusHandler struct {
	controller Controller
}

// NewStatusHandler constructs a StatusHandler.
func NewStatusHandler(controller Controller) *StatusHandler {
	return &StatusHandler{controller: controller}
}

type setStatusRequest struct {
	Data map[string]any `json:"data"`
}

// ServeHTTP handles GET and POST /api/v1/status.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.controller == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.controller.Report())
	case http.MethodPost:
		var req setStatusRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if len(req.Data) == 0 {
			http.Error(w, "data is required", http.StatusBadRequest)
			return
		}
		report, err := h.controller.Control(r.Context(), engineapp.ControlMessage{Action: engineapp.ControlSet, Data: req.Data})
		if err != nil {
			http.Error(w, "set status error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, report)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ReloadHandler triggers a rule and board reload.
type ReloadHandler struct {
	controller Controller
}

// NewReloadHandler constructs a ReloadHandler.
func NewReloadHandler(controller Controller) *ReloadHandler {
	return &ReloadHandler{controller: controller}
}

// ServeHTTP handles POST /api/v1/reload.
func (h *ReloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.controller == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	report, err := h.controller.Control(r.Context(), engineapp.ControlMessage{Action: engineapp.ControlReload})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type sensorRulesView struct {
	SensorType string   `json:"sensor_type"`
	Priority   int      `json:"priority"`
	Rules      []string `json:"rules"`
}

// RulesHandler lists the active rules.
type RulesHandler struct {
	source RuleSource
}

// NewRulesHandler constructs a RulesHandler.
func NewRulesHandler(source RuleSource) *RulesHandler {
	return &RulesHandler{source: source}
}

// ServeHTTP handles GET /api/v1/rules.
func (h *RulesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.source == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	set := h.source.Current()
	summary := set.Summary()
	out := make([]sensorRulesView, 0, len(summary))
	for _, sensorType := range set.SensorTypes() {
		priority, _ := set.Priority(sensorType)
		out = append(out, sensorRulesView{SensorType: sensorType, Priority: priority, Rules: summary[sensorType]})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loaded_at": formatTime(set.LoadedAt()),
		"sensors":   out,
	})
}

// BoardsHandler lists known boards.
type BoardsHandler struct {
	boards BoardLister
}

// NewBoardsHandler constructs a BoardsHandler.
func NewBoardsHandler(boards BoardLister) *BoardsHandler {
	return &BoardsHandler{boards: boards}
}

// ServeHTTP handles GET /api/v1/boards.
func (h *BoardsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.boards == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, h.boards.Snapshot())
}

// MetricsHandler serves stored sensor readings.
type MetricsHandler struct {
	history telemetry.History
}

// NewMetricsHandler constructs a MetricsHandler. history may be nil when no
// database is configured.
func NewMetricsHandler(history telemetry.History) *MetricsHandler {
	return &MetricsHandler{history: history}
}

// ServeHTTP handles GET /api/v1/metrics.
func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.history == nil {
		http.Error(w, "history not configured", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	sensorType := query.Get("sensor_type")
	if sensorType == "" {
		http.Error(w, "sensor_type is required", http.StatusBadRequest)
		return
	}
	var boardIDs []string
	if raw := query.Get("board_id"); raw != "" {
		boardIDs = strings.Split(raw, ",")
	}

	var (
		samples []telemetry.Sample
		err     error
	)
	if query.Get("from") != "" || query.Get("to") != "" {
		from, perr := parseTimeQuery(r, "from")
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		to, perr := parseTimeQuery(r, "to")
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		if !to.After(from) {
			http.Error(w, "to must be after from", http.StatusBadRequest)
			return
		}
		samples, err = h.history.Range(r.Context(), boardIDs, sensorType, from, to)
	} else {
		last, perr := parseLast(query.Get("last"))
		if perr != nil {
			http.Error(w, perr.Error(), http.StatusBadRequest)
			return
		}
		samples, err = h.history.LastN(r.Context(), boardIDs, sensorType, last)
	}
	if err != nil {
		http.Error(w, "query metrics error", http.StatusInternalServerError)
		return
	}
	if samples == nil {
		samples = []telemetry.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func parseLast(raw string) (int, error) {
	if raw == "" {
		return defaultLast, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("last must be a positive integer")
	}
	if n > maxLast {
		n = maxLast
	}
	return n, nil
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, errors.New(key + " is required")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(timeLayout)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

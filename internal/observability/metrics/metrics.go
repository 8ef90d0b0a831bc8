package metrics

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "meact_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	eventsReceived *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	queueDepth     prometheus.Gauge

	ruleEvaluations   *prometheus.CounterVec
	processingLatency prometheus.Histogram

	actionExecutions *prometheus.CounterVec
	actionLatency    *prometheus.HistogramVec

	historyQueries *prometheus.CounterVec

	reloadsTotal    *prometheus.CounterVec
	rulesLoaded     prometheus.Gauge
	executorEnabled prometheus.Gauge
)

// Init registers engine metrics and DB-backed gauges.
func Init(db *sql.DB, logger *slog.Logger) {
	registerOnce.Do(func() {
		eventsReceived = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_received_total",
				Help: "Total messages received from the bus by kind",
			},
			[]string{"kind"},
		)
		eventsDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_dropped_total",
				Help: "Total sensor events dropped before evaluation by reason",
			},
			[]string{"reason"},
		)
		queueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "queue_depth",
				Help: "Events waiting in the ingress queue",
			},
		)

		ruleEvaluations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_evaluations_total",
				Help: "Total rule evaluations by outcome",
			},
			[]string{"outcome"},
		)
		processingLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "event_processing_seconds",
				Help:    "Time to evaluate and dispatch one event",
				Buckets: prometheus.DefBuckets,
			},
		)

		actionExecutions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "action_executions_total",
				Help: "Total action executions by action and result",
			},
			[]string{"action", "result"},
		)
		actionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "action_latency_seconds",
				Help:    "Action execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		)

		historyQueries = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "history_queries_total",
				Help: "Total metric history queries by result",
			},
			[]string{"result"},
		)

		reloadsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reloads_total",
				Help: "Total rule set reloads by result",
			},
			[]string{"result"},
		)
		rulesLoaded = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "rules_loaded",
				Help: "Rules in the active rule set",
			},
		)
		executorEnabled = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "executor_enabled",
				Help: "1 when the scheduler processes events",
			},
		)

		prometheus.MustRegister(
			eventsReceived,
			eventsDropped,
			queueDepth,
			ruleEvaluations,
			processingLatency,
			actionExecutions,
			actionLatency,
			historyQueries,
			reloadsTotal,
			rulesLoaded,
			executorEnabled,
		)

		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncEventReceived counts a bus message.
func IncEventReceived(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	if eventsReceived != nil {
		eventsReceived.WithLabelValues(kind).Inc()
	}
}

// IncEventDropped counts an event dropped before evaluation.
func IncEventDropped(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	if eventsDropped != nil {
		eventsDropped.WithLabelValues(reason).Inc()
	}
}

// SetQueueDepth sets the ingress queue depth.
func SetQueueDepth(depth int) {
	if depth < 0 {
		depth = 0
	}
	if queueDepth != nil {
		queueDepth.Set(float64(depth))
	}
}

// IncRuleEvaluation counts a rule evaluation by outcome ("fired" or the skipping gate).
func IncRuleEvaluation(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	if ruleEvaluations != nil {
		ruleEvaluations.WithLabelValues(outcome).Inc()
	}
}

// ObserveProcessing records the time spent on one event.
func ObserveProcessing(duration time.Duration) {
	if processingLatency != nil {
		processingLatency.Observe(duration.Seconds())
	}
}

// ObserveAction records one action execution.
func ObserveAction(action string, exitCode int, duration time.Duration) {
	if action == "" {
		action = "unknown"
	}
	result := resultSuccess
	if exitCode != 0 {
		result = resultError
	}
	if actionExecutions != nil {
		actionExecutions.WithLabelValues(action, result).Inc()
	}
	if actionLatency != nil {
		actionLatency.WithLabelValues(action).Observe(duration.Seconds())
	}
}

// IncHistoryQuery counts a metric history query.
func IncHistoryQuery(result string) {
	if result == "" {
		result = resultSuccess
	}
	if historyQueries != nil {
		historyQueries.WithLabelValues(result).Inc()
	}
}

// ObserveReload records a reload result and the resulting rule count.
func ObserveReload(result string, rules int) {
	if result == "" {
		result = resultSuccess
	}
	if reloadsTotal != nil {
		reloadsTotal.WithLabelValues(result).Inc()
	}
	if result == resultSuccess && rulesLoaded != nil {
		rulesLoaded.Set(float64(rules))
	}
}

// SetExecutorEnabled reflects the scheduler state.
func SetExecutorEnabled(enabled bool) {
	if executorEnabled == nil {
		return
	}
	if enabled {
		executorEnabled.Set(1)
	} else {
		executorEnabled.Set(0)
	}
}

// Exported constants for callers.
const (
	ResultSuccess = resultSuccess
	ResultError   = resultError
)

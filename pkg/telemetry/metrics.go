package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/piwi3910/cascade/pkg/engine"
)

// Metrics provides Prometheus metrics for Cascade.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	// Stage metrics
	stagesApplied *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	// Verification metrics
	checksTotal   *prometheus.CounterVec
	checkDuration prometheus.Histogram

	// Rollback metrics
	rollbacksTotal *prometheus.CounterVec

	// Diagnostic metrics
	sessionsTotal *prometheus.CounterVec

	// System metrics
	envRevision prometheus.Gauge
	activeRuns  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Run metrics
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of completed runs",
			},
			[]string{"status", "dry_run"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Stage metrics
		stagesApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_applied_total",
				Help:      "Total number of stage attempts by terminal status",
			},
			[]string{"status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage execution in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),

		// Verification metrics
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_total",
				Help:      "Total number of verification checks evaluated",
			},
			[]string{"result"},
		),
		checkDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_duration_seconds",
				Help:      "Duration of verification checks in seconds",
				Buckets:   buckets,
			},
		),

		// Rollback metrics
		rollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollbacks executed",
			},
			[]string{"forced"},
		),

		// Diagnostic metrics
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "diagnostic_sessions_total",
				Help:      "Total number of concluded diagnostic sessions",
			},
			[]string{"outcome"},
		),

		// System metrics
		envRevision: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "env_revision",
				Help:      "Current environment store revision",
			},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.stagesApplied,
		m.stageDuration,
		m.checksTotal,
		m.checkDuration,
		m.rollbacksTotal,
		m.sessionsTotal,
		m.envRevision,
		m.activeRuns,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the active run gauge.
func (m *Metrics) RecordRunStarted() {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, dryRun bool, duration time.Duration) {
	if m.runsTotal == nil {
		return
	}
	m.runsTotal.WithLabelValues(status, strconv.FormatBool(dryRun)).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Stage Metrics

// RecordStageApplied records a stage attempt reaching a terminal status.
func (m *Metrics) RecordStageApplied(stageID, status string, duration time.Duration) {
	if m.stagesApplied == nil {
		return
	}
	m.stagesApplied.WithLabelValues(status).Inc()
	m.stageDuration.WithLabelValues(stageID).Observe(duration.Seconds())
}

// Verification Metrics

// RecordCheck records a verification check evaluation.
func (m *Metrics) RecordCheck(result string, duration time.Duration) {
	if m.checksTotal == nil {
		return
	}
	m.checksTotal.WithLabelValues(result).Inc()
	m.checkDuration.Observe(duration.Seconds())
}

// Rollback Metrics

// RecordRollback records a rollback execution.
func (m *Metrics) RecordRollback(forced bool) {
	if m.rollbacksTotal == nil {
		return
	}
	m.rollbacksTotal.WithLabelValues(strconv.FormatBool(forced)).Inc()
}

// Diagnostic Metrics

// RecordSessionConcluded records a diagnostic session reaching a conclusion.
func (m *Metrics) RecordSessionConcluded(outcome string) {
	if m.sessionsTotal == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(outcome).Inc()
}

// Result projection

// RecordRunResult projects one run outcome onto the run, stage, and check
// instruments. Callers pair it with RecordRunStarted.
func (m *Metrics) RecordRunResult(result *engine.RunResult) {
	if m.runsTotal == nil || result == nil {
		return
	}

	if result.Run != nil {
		m.RecordRunCompleted(string(result.Run.Status), result.Run.DryRun, result.Summary.Duration)
	}

	for _, record := range result.Records {
		m.RecordStageApplied(record.StageID, string(record.Status), recordDuration(record))
	}

	for _, vr := range result.Verifications {
		for _, check := range vr.Results {
			outcome := "pass"
			if !check.Passed {
				outcome = "fail"
			}
			m.RecordCheck(outcome, check.Duration)
		}
	}
}

// RecordRollbackResult projects rolled-back stage records onto the
// rollback and stage instruments, one rollback per record.
func (m *Metrics) RecordRollbackResult(records []*engine.RunRecord, forced bool) {
	if m.rollbacksTotal == nil {
		return
	}
	for _, record := range records {
		m.RecordRollback(forced)
		m.RecordStageApplied(record.StageID, string(record.Status), recordDuration(record))
	}
}

// recordDuration is the wall time a record spent between start and its
// terminal transition. Records still open fall back to the last update.
func recordDuration(record *engine.RunRecord) time.Duration {
	if record.CompletedAt != nil {
		return record.CompletedAt.Sub(record.StartedAt)
	}
	return record.UpdatedAt.Sub(record.StartedAt)
}

// System Metrics

// SetEnvRevision sets the current environment store revision.
func (m *Metrics) SetEnvRevision(revision uint64) {
	if m.envRevision == nil {
		return
	}
	m.envRevision.Set(float64(revision))
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. It is a no-op
// when metrics are disabled or no listen address is configured.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

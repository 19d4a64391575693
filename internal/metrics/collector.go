// Package metrics exports scheduler activity as Prometheus metrics and keeps
// the metrics.yaml snapshot and dashboard.md in the state directory current.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/conductor/internal/events"
	"github.com/msageha/conductor/internal/model"
	yamlutil "github.com/msageha/conductor/internal/yaml"
)

const namespace = "conductor"

// Collector turns bus events and state snapshots into metrics. Each
// Collector owns its registry, so several can coexist in one process.
type Collector struct {
	baseDir string
	logger  *zap.SugaredLogger

	registry *prometheus.Registry

	iteration     prometheus.Gauge
	phaseRuns     *prometheus.CounterVec
	forced        *prometheus.CounterVec
	interventions *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	toolRescans   prometheus.Counter
	toolsKnown    prometheus.Gauge
	tasks         *prometheus.GaugeVec
	issues        *prometheus.GaugeVec
	expansions    prometheus.Gauge
	maintenance   prometheus.Gauge

	mu       sync.Mutex
	counters model.MetricsCounters
}

// NewCollector registers the metric families and resumes the counters
// persisted in baseDir/metrics.yaml, if any.
func NewCollector(baseDir string, logger *zap.SugaredLogger) *Collector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	c := &Collector{
		baseDir:  baseDir,
		logger:   logger.Named("metrics"),
		registry: reg,
		iteration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "iteration",
			Help:      "Current scheduler iteration.",
		}),
		phaseRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_runs_total",
			Help:      "Phase runs by phase and outcome.",
		}, []string{"phase", "outcome"}),
		forced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forced_transitions_total",
			Help:      "Iterations where the scheduler overrode its normal choice.",
		}, []string{"phase"}),
		interventions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_interventions_total",
			Help:      "Loop guard interventions by rung.",
		}, []string{"rung"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status changes by target status.",
		}, []string{"to"}),
		toolRescans: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_rescans_total",
			Help:      "Tool registry rescans.",
		}),
		toolsKnown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tools_registered",
			Help:      "Tools known to the registry after the last rescan.",
		}),
		tasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Tasks by status.",
		}, []string{"status"}),
		issues: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "issues",
			Help:      "Issues by status.",
		}, []string{"status"}),
		expansions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "expansion_count",
			Help:      "Completed project_planning runs.",
		}),
		maintenance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "maintenance_mode",
			Help:      "1 while the pipeline is in maintenance mode.",
		}),
	}
	c.resume()
	return c
}

// Registry exposes the collector's registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) metricsPath() string   { return filepath.Join(c.baseDir, "metrics.yaml") }
func (c *Collector) dashboardPath() string { return filepath.Join(c.baseDir, "dashboard.md") }

// resume loads counters from a previous process. An unreadable file is
// logged and counting restarts from zero.
func (c *Collector) resume() {
	data, err := os.ReadFile(c.metricsPath())
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warnf("read metrics: %v", err)
		}
		return
	}
	var m model.Metrics
	if err := yamlv3.Unmarshal(data, &m); err != nil {
		c.logger.Warnf("parse metrics: %v", err)
		return
	}
	c.counters = m.Counters
}

// Counters returns a copy of the cumulative counters.
func (c *Collector) Counters() model.MetricsCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters
}

// Subscribe feeds every bus event to Handle. Returns the unsubscribe func.
func (c *Collector) Subscribe(bus *events.Bus) func() {
	return bus.Subscribe(events.EventAny, c.Handle)
}

// Handle folds one event into the counters.
func (c *Collector) Handle(e events.Event) {
	str := func(key string) string {
		v, _ := e.Data[key].(string)
		return v
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case events.EventPhaseCompleted:
		outcome := str("outcome")
		c.phaseRuns.WithLabelValues(str("phase"), outcome).Inc()
		c.counters.PhaseRuns++
		switch outcome {
		case "failure":
			c.counters.PhaseFailures++
		case "no_update":
			c.counters.NoUpdateRuns++
		}
	case events.EventForcedTransition:
		c.forced.WithLabelValues(str("phase")).Inc()
		c.counters.ForcedTransitions++
	case events.EventLoopDetected:
		c.interventions.WithLabelValues(str("rung")).Inc()
		c.counters.LoopInterventions++
	case events.EventTaskTransition:
		c.transitions.WithLabelValues(str("to")).Inc()
	case events.EventToolsChanged:
		c.toolRescans.Inc()
		c.counters.ToolRescans++
		if n, ok := e.Data["count"].(int); ok {
			c.toolsKnown.Set(float64(n))
		}
	}
}

// Observe refreshes the state gauges and rewrites metrics.yaml and
// dashboard.md. The scheduler calls it after every saved iteration.
func (c *Collector) Observe(st *model.PipelineState) error {
	now := time.Now().UTC().Format(time.RFC3339)

	c.mu.Lock()
	c.counters.Iterations = st.Continuous.CurrentIteration
	if st.Continuous.LastPhase == "maintenance" {
		c.counters.MaintenanceTicks++
	}
	counters := c.counters
	c.mu.Unlock()

	c.iteration.Set(float64(st.Continuous.CurrentIteration))
	c.expansions.Set(float64(st.ExpansionCount))
	if st.Mode == model.ModeMaintenance {
		c.maintenance.Set(1)
	} else {
		c.maintenance.Set(0)
	}

	taskCounts := make(map[string]int)
	c.tasks.Reset()
	for status, n := range st.CountByStatus() {
		taskCounts[string(status)] = n
		c.tasks.WithLabelValues(string(status)).Set(float64(n))
	}
	c.issues.Reset()
	issueCounts := make(map[model.IssueStatus]int)
	for _, iss := range st.Issues {
		issueCounts[iss.Status]++
	}
	for status, n := range issueCounts {
		c.issues.WithLabelValues(string(status)).Set(float64(n))
	}

	if err := os.MkdirAll(c.baseDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	m := model.Metrics{
		SchemaVersion:   yamlutil.CurrentSchemaVersion,
		FileType:        yamlutil.FileTypeMetrics,
		TaskCounts:      taskCounts,
		Counters:        counters,
		DaemonHeartbeat: &now,
		UpdatedAt:       &now,
	}
	if err := yamlutil.AtomicWrite(c.metricsPath(), m); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	if err := yamlutil.AtomicWriteText(c.dashboardPath(), renderDashboard(st, counters, now)); err != nil {
		return fmt.Errorf("write dashboard: %w", err)
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Infof("metrics listening addr=%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// File: internal/observability/metrics.go
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors describing agent activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	turns            prometheus.Counter
	toolInvocations  *prometheus.CounterVec
	modelDuration    prometheus.Histogram
	modelErrors      prometheus.Counter
	screenshotErrors prometheus.Counter
	tasks            *prometheus.CounterVec
	transcriptTokens prometheus.Gauge
	activeTasks      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. Collectors
// that are already registered are reused, so the same registry may back
// several runtimes in one process.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		turns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "turns_total",
			Help: "Screenshot to model round trips started.",
		}),
		toolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "tool_invocations_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		modelDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "llm", Name: "request_duration_seconds",
			Help:    "Latency of model completion requests.",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		modelErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "llm", Name: "request_errors_total",
			Help: "Model completion requests that failed.",
		}),
		screenshotErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "device", Name: "screenshot_failures_total",
			Help: "Screen captures that failed.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "agent", Name: "tasks_total",
			Help: "Finished tasks by outcome.",
		}, []string{"outcome"}),
		transcriptTokens: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "agent", Name: "request_text_tokens",
			Help: "Estimated text tokens in the most recent model request.",
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "agent", Name: "tasks_active",
			Help: "1 while a task is running.",
		}),
	}

	register := func(c prometheus.Collector) (prometheus.Collector, error) {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				return already.ExistingCollector, nil
			}
			return nil, err
		}
		return c, nil
	}

	var err error
	var c prometheus.Collector
	if c, err = register(m.turns); err != nil {
		return nil, err
	}
	m.turns = c.(prometheus.Counter)
	if c, err = register(m.toolInvocations); err != nil {
		return nil, err
	}
	m.toolInvocations = c.(*prometheus.CounterVec)
	if c, err = register(m.modelDuration); err != nil {
		return nil, err
	}
	m.modelDuration = c.(prometheus.Histogram)
	if c, err = register(m.modelErrors); err != nil {
		return nil, err
	}
	m.modelErrors = c.(prometheus.Counter)
	if c, err = register(m.screenshotErrors); err != nil {
		return nil, err
	}
	m.screenshotErrors = c.(prometheus.Counter)
	if c, err = register(m.tasks); err != nil {
		return nil, err
	}
	m.tasks = c.(*prometheus.CounterVec)
	if c, err = register(m.transcriptTokens); err != nil {
		return nil, err
	}
	m.transcriptTokens = c.(prometheus.Gauge)
	if c, err = register(m.activeTasks); err != nil {
		return nil, err
	}
	m.activeTasks = c.(prometheus.Gauge)

	return m, nil
}

// IncTurn counts one loop iteration.
func (m *Metrics) IncTurn() {
	if m == nil {
		return
	}
	m.turns.Inc()
}

// ObserveTool records a tool invocation. outcome is "ok" or "error".
func (m *Metrics) ObserveTool(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolInvocations.WithLabelValues(tool, outcome).Inc()
}

// ObserveModelRequest records the latency and outcome of a completion call.
func (m *Metrics) ObserveModelRequest(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.modelDuration.Observe(d.Seconds())
	if err != nil {
		m.modelErrors.Inc()
	}
}

func (m *Metrics) IncScreenshotFailure() {
	if m == nil {
		return
	}
	m.screenshotErrors.Inc()
}

// TaskStarted marks a task as running.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.activeTasks.Set(1)
}

// TaskFinished records the outcome ("completed", "stopped" or "failed").
func (m *Metrics) TaskFinished(outcome string) {
	if m == nil {
		return
	}
	m.activeTasks.Set(0)
	m.tasks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetRequestTokens(n int) {
	if m == nil {
		return
	}
	m.transcriptTokens.Set(float64(n))
}

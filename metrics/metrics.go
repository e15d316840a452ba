// Package metrics exposes the Prometheus collectors shared by the sandbox,
// the tool router and the orchestrator.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "wotbot"

// Metrics groups every collector the service reports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	sandboxRuns     *prometheus.CounterVec
	sandboxDuration *prometheus.HistogramVec
	toolCalls       *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec
	invocations     *prometheus.CounterVec
	rounds          prometheus.Histogram
	inflight        prometheus.Gauge
	busyRejections  prometheus.Counter
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New registers the collectors with reg. Collectors already registered
// under the same name are reused; any other registration error panics.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		sandboxRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Sandbox executions by language and outcome.",
		}, []string{"language", "outcome"}),
		sandboxDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of sandbox executions.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		}, []string{"language"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "dispatch_total",
			Help:      "Tool dispatches by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of tool handler invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "invocations_total",
			Help:      "Orchestrator invocations by protocol, terminal state and reason.",
		}, []string{"protocol", "state", "reason"}),
		rounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "tool_rounds",
			Help:      "Tool-execution round trips per invocation.",
			Buckets:   []float64{0, 1, 2, 3, 4, 6, 8},
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "invocations_inflight",
			Help:      "Invocations currently holding a worker slot.",
		}),
		busyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "busy_rejections_total",
			Help:      "Messages rejected because the session queue was full.",
		}),
	}

	m.sandboxRuns = register(reg, m.sandboxRuns)
	m.sandboxDuration = register(reg, m.sandboxDuration)
	m.toolCalls = register(reg, m.toolCalls)
	m.toolDuration = register(reg, m.toolDuration)
	m.invocations = register(reg, m.invocations)
	m.rounds = register(reg, m.rounds)
	m.inflight = register(reg, m.inflight)
	m.busyRejections = register(reg, m.busyRejections)

	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveSandbox records one sandbox execution.
func (m *Metrics) ObserveSandbox(language, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.sandboxRuns.WithLabelValues(language, outcome).Inc()
	m.sandboxDuration.WithLabelValues(language).Observe(d.Seconds())
}

// ObserveTool records one tool dispatch.
func (m *Metrics) ObserveTool(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// ObserveInvocation records a finished orchestrator invocation.
func (m *Metrics) ObserveInvocation(protocol, state, reason string, rounds int) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(protocol, state, reason).Inc()
	m.rounds.Observe(float64(rounds))
}

// InflightInc marks a worker slot as taken.
func (m *Metrics) InflightInc() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

// InflightDec releases a worker slot.
func (m *Metrics) InflightDec() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// BusyRejected counts a message refused with a busy signal.
func (m *Metrics) BusyRejected() {
	if m == nil {
		return
	}
	m.busyRejections.Inc()
}

package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics turns engine events into Prometheus series.
type Metrics struct {
	registry *prometheus.Registry

	submissions      *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	terminations     *prometheus.CounterVec
	shutdownDuration *prometheus.HistogramVec
	leaks            prometheus.Counter
	leaksEscalated   prometheus.Counter
	leaksCleared     prometheus.Counter
	queueDepth       prometheus.Gauge
	slotsInUse       prometheus.Gauge
	backendUp        *prometheus.GaugeVec
}

// NewMetrics registers the engine collectors on registry.
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		registry: registry,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalbox",
			Name:      "submissions_total",
			Help:      "Submissions by admission result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalbox",
			Name:      "transitions_total",
			Help:      "Lifecycle transitions by target state.",
		}, []string{"to"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "evalbox",
			Name:      "terminations_total",
			Help:      "Completed termination protocols by trigger and whether a forced kill was needed.",
		}, []string{"trigger", "forced"}),
		shutdownDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "evalbox",
			Name:      "shutdown_duration_seconds",
			Help:      "Time from termination trigger to confirmed teardown.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"trigger"}),
		leaks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evalbox",
			Name:      "sandboxes_leaked_total",
			Help:      "Sandboxes whose teardown could not be confirmed.",
		}),
		leaksEscalated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evalbox",
			Name:      "sandbox_leaks_escalated_total",
			Help:      "Leaked sandboxes still alive after all teardown retries.",
		}),
		leaksCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "evalbox",
			Name:      "sandbox_leaks_cleared_total",
			Help:      "Leaked sandboxes destroyed by a later retry.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "evalbox",
			Name:      "queue_depth",
			Help:      "Evaluations waiting for a slot.",
		}),
		slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "evalbox",
			Name:      "slots_in_use",
			Help:      "Evaluations currently provisioning, running or completing.",
		}),
		backendUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "evalbox",
			Name:      "backend_available",
			Help:      "1 if the isolation backend passed its last probe.",
		}, []string{"backend", "strength"}),
	}

	collectors := []prometheus.Collector{
		m.submissions, m.transitions, m.terminations, m.shutdownDuration,
		m.leaks, m.leaksEscalated, m.leaksCleared, m.queueDepth, m.slotsInUse, m.backendUp,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return m, nil
}

// Emit updates series for the events that carry metrics.
func (m *Metrics) Emit(e Event) {
	switch e.Type {
	case EventSubmitted:
		m.submissions.WithLabelValues("accepted").Inc()
	case EventRejected:
		m.submissions.WithLabelValues(stringField(e, "reason")).Inc()
	case EventTransition:
		m.transitions.WithLabelValues(stringField(e, "to")).Inc()
	case EventTerminationDone:
		trigger := stringField(e, "trigger")
		forced, _ := e.Fields["forced"].(bool)
		m.terminations.WithLabelValues(trigger, strconv.FormatBool(forced)).Inc()
		if d, ok := e.Fields["duration"].(time.Duration); ok {
			m.shutdownDuration.WithLabelValues(trigger).Observe(d.Seconds())
		}
	case EventSandboxLeaked:
		m.leaks.Inc()
	case EventLeakEscalated:
		m.leaksEscalated.Inc()
	case EventSandboxLeakCleared:
		m.leaksCleared.Inc()
	case EventQueueStats:
		if v, ok := e.Fields["queued"].(int); ok {
			m.queueDepth.Set(float64(v))
		}
		if v, ok := e.Fields["running"].(int); ok {
			m.slotsInUse.Set(float64(v))
		}
	case EventBackendProbed:
		value := 0.0
		if up, _ := e.Fields["available"].(bool); up {
			value = 1
		}
		m.backendUp.WithLabelValues(stringField(e, "backend"), stringField(e, "strength")).Set(value)
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func stringField(e Event, key string) string {
	switch v := e.Fields[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case nil:
		return "unknown"
	default:
		return fmt.Sprint(v)
	}
}

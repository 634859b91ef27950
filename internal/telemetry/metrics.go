package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics turns events into Prometheus series on a private registry.
type Metrics struct {
	registry    *prometheus.Registry
	commands    *prometheus.CounterVec
	unreachable *prometheus.CounterVec
	rounds      *prometheus.CounterVec
	searches    *prometheus.CounterVec
	reading     prometheus.Histogram
}

// NewMetrics creates the droidfleet collectors and registers them.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "droidfleet",
			Name:      "commands_total",
			Help:      "Device commands issued, by outcome.",
		}, []string{"device", "outcome"}),
		unreachable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "droidfleet",
			Name:      "unreachable_total",
			Help:      "Devices marked unreachable during a session.",
		}, []string{"device"}),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "droidfleet",
			Name:      "rounds_total",
			Help:      "Rounds completed over the full query list.",
		}, []string{"device"}),
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "droidfleet",
			Name:      "searches_total",
			Help:      "Search tasks dispatched, by task kind.",
		}, []string{"device", "task"}),
		reading: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "droidfleet",
			Name:      "read_seconds",
			Help:      "Simulated reading pauses.",
			Buckets:   prometheus.LinearBuckets(15, 2.5, 5),
		}),
	}
	m.registry.MustRegister(m.commands, m.unreachable, m.rounds, m.searches, m.reading)
	return m
}

func (m *Metrics) Observe(e Event) {
	switch e.Kind {
	case EventCommand:
		outcome := "ok"
		if !e.OK {
			outcome = "failed"
		}
		m.commands.WithLabelValues(e.Device, outcome).Inc()
	case EventUnreachable:
		m.unreachable.WithLabelValues(e.Device).Inc()
	case EventRoundFinished:
		if e.OK {
			m.rounds.WithLabelValues(e.Device).Inc()
		}
	case EventTaskSelected:
		m.searches.WithLabelValues(e.Device, e.Task).Inc()
	case EventReading:
		m.reading.Observe(e.Duration.Seconds())
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

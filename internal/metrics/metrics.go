// Package metrics exposes feed counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/feedrelay/internal/events"
	"github.com/jmylchreest/feedrelay/internal/relay"
)

const namespace = "feedrelay"

// SnapshotSource supplies the current counters of every feed.
type SnapshotSource interface {
	Snapshots() []relay.Snapshot
}

// Metrics owns a private registry with the feed collector and the event
// driven counters.
type Metrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	retryDelay  *prometheus.GaugeVec
	reloads     *prometheus.CounterVec
	memoryHigh  prometheus.Counter
}

// New creates the registry. Go runtime and process collectors are included.
func New(source SnapshotSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "state_transitions_total",
			Help:      "Feed state transitions by target state",
		}, []string{"feed_id", "state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "retries_total",
			Help:      "Scheduled reconnect attempts",
		}, []string{"feed_id", "kind"}),
		retryDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "retry_delay_seconds",
			Help:      "Delay before the most recent reconnect attempt",
		}, []string{"feed_id"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Configuration reloads by result",
		}, []string{"result"}),
		memoryHigh: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "memory_pressure_total",
			Help:      "Times process RSS was found above the threshold",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.retries,
		m.retryDelay,
		m.reloads,
		m.memoryHigh,
	)
	if source != nil {
		m.registry.MustRegister(NewFeedCollector(source))
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTransition counts a feed state change.
func (m *Metrics) ObserveTransition(e events.FeedStateChanged) {
	m.transitions.WithLabelValues(e.FeedID, e.To).Inc()
}

// ObserveRetry counts a reconnect attempt and records its delay.
func (m *Metrics) ObserveRetry(e events.FeedRetry) {
	kind := "backoff"
	if e.Cooldown {
		kind = "cooldown"
	}
	m.retries.WithLabelValues(e.FeedID, kind).Inc()
	m.retryDelay.WithLabelValues(e.FeedID).Set(e.Delay.Seconds())
}

// ObserveReload counts a configuration reload.
func (m *Metrics) ObserveReload(e events.ConfigReloaded) {
	result := "ok"
	if e.Error != "" {
		result = "error"
	}
	m.reloads.WithLabelValues(result).Inc()
}

// ObserveMemoryPressure counts a memory threshold breach.
func (m *Metrics) ObserveMemoryPressure(events.MemoryPressure) {
	m.memoryHigh.Inc()
}

// Subscribe feeds bus events into the counters and returns a function that
// removes every subscription.
func (m *Metrics) Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(m.ObserveTransition),
		bus.Subscribe(m.ObserveRetry),
		bus.Subscribe(m.ObserveReload),
		bus.Subscribe(m.ObserveMemoryPressure),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

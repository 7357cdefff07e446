// Package metrics exposes client-side synchronization counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classboard/internal/domain"
)

const namespace = "classboard"

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	streamEvents   *prometheus.CounterVec
	streamState    *prometheus.GaugeVec
	commands       *prometheus.CounterVec
	commandSeconds *prometheus.HistogramVec
	rollbacks      *prometheus.CounterVec
	pollTicks      *prometheus.CounterVec
	cacheEntries   *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.streamEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "events_total",
		Help:      "Stream events delivered, by channel.",
	}, []string{"type"})
	m.streamState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "state",
		Help:      "1 for the current connection state, 0 otherwise.",
	}, []string{"state"})
	m.commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "commands_total",
		Help:      "Board commands by operation and outcome.",
	}, []string{"op", "outcome"})
	m.commandSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "command_duration_seconds",
		Help:      "Board command latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})
	m.rollbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "rollbacks_total",
		Help:      "Optimistic updates reverted, by entity.",
	}, []string{"entity"})
	m.pollTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "ticks_total",
		Help:      "Fallback poller ticks by result.",
	}, []string{"result"})
	m.cacheEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "entries",
		Help:      "Cached entities, by entity.",
	}, []string{"entity"})
	m.registry.MustRegister(
		m.streamEvents, m.streamState, m.commands, m.commandSeconds,
		m.rollbacks, m.pollTicks, m.cacheEntries,
	)
	for _, st := range []domain.ConnState{domain.ConnDisconnected, domain.ConnConnecting, domain.ConnOpen, domain.ConnAuthenticated} {
		m.streamState.WithLabelValues(string(st)).Set(0)
	}
	m.streamState.WithLabelValues(string(domain.ConnDisconnected)).Set(1)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) StreamEvent(channel string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(channel).Inc()
}

func (m *Metrics) StreamState(state domain.ConnState) {
	if m == nil {
		return
	}
	m.streamState.Reset()
	for _, st := range []domain.ConnState{domain.ConnDisconnected, domain.ConnConnecting, domain.ConnOpen, domain.ConnAuthenticated} {
		v := 0.0
		if st == state {
			v = 1
		}
		m.streamState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) Command(op, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(op, outcome).Inc()
	m.commandSeconds.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) Rollback(entity string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(entity).Inc()
}

func (m *Metrics) PollTick(result string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheEntries(entity string, n int) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(entity).Set(float64(n))
}

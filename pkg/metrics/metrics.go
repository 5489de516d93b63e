// Package metrics exposes Prometheus collectors for routing, probing, discovery and pool state.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"nodepool/pkg/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodepool"

// Metrics owns a private registry so several engines can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	routerAttempts   *prometheus.CounterVec
	routerLatency    *prometheus.HistogramVec
	probes           *prometheus.CounterVec
	probeLatency     prometheus.Histogram
	discovered       *prometheus.CounterVec
	discoveryDropped *prometheus.CounterVec
	prescreen        *prometheus.CounterVec
	rebalance        *prometheus.CounterVec
	nodesByState     *prometheus.GaugeVec
	poolHealth       prometheus.Gauge
	epoch            prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		routerAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_attempts_total",
			Help:      "Request attempts per routing mode and outcome.",
		}, []string{"mode", "outcome"}),
		routerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "router_attempt_latency_seconds",
			Help:      "Latency of successful request attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"mode"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Capability probes by outcome.",
		}, []string{"outcome"}),
		probeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Latency of successful capability probes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_inserted_total",
			Help:      "Nodes inserted into the registry by discovery source.",
		}, []string{"source"}),
		discoveryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_dropped_total",
			Help:      "Discovered addresses dropped by reason.",
		}, []string{"reason"}),
		prescreen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prescreen_results_total",
			Help:      "TCP pre-screen results by stage and outcome.",
		}, []string{"stage", "outcome"}),
		rebalance: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_changes_total",
			Help:      "Active-pool changes by action.",
		}, []string{"action"}),
		nodesByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Registry records per state.",
		}, []string{"state"}),
		poolHealth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_health",
			Help:      "Pool health: 0 failed, 1 critical, 2 degraded, 3 healthy.",
		}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_epoch",
			Help:      "Current network path epoch.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.routerAttempts,
		m.routerLatency,
		m.probes,
		m.probeLatency,
		m.discovered,
		m.discoveryDropped,
		m.prescreen,
		m.rebalance,
		m.nodesByState,
		m.poolHealth,
		m.epoch,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RouterAttempt counts one attempt; latencySeconds is observed for successes.
func (m *Metrics) RouterAttempt(mode, outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.routerAttempts.WithLabelValues(mode, outcome).Inc()
	if outcome == "success" {
		m.routerLatency.WithLabelValues(mode).Observe(latencySeconds)
	}
}

// Probe counts one capability probe.
func (m *Metrics) Probe(outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(outcome).Inc()
	if outcome == "success" {
		m.probeLatency.Observe(latencySeconds)
	}
}

// Discovered counts inserted nodes.
func (m *Metrics) Discovered(source string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.discovered.WithLabelValues(source).Add(float64(n))
}

// DiscoveryDropped counts rejected addresses.
func (m *Metrics) DiscoveryDropped(reason string) {
	if m == nil {
		return
	}
	m.discoveryDropped.WithLabelValues(reason).Inc()
}

// Prescreen counts one pre-screen verdict.
func (m *Metrics) Prescreen(stage string, passed bool) {
	if m == nil {
		return
	}
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	m.prescreen.WithLabelValues(stage, outcome).Inc()
}

// Rebalanced counts promotions, demotions and swaps.
func (m *Metrics) Rebalanced(promoted, demoted, swaps int) {
	if m == nil {
		return
	}
	m.rebalance.WithLabelValues("promoted").Add(float64(promoted))
	m.rebalance.WithLabelValues("demoted").Add(float64(demoted))
	m.rebalance.WithLabelValues("swapped").Add(float64(swaps))
}

// ObservePool sets the per-state gauges and the pool health gauge.
func (m *Metrics) ObservePool(counts models.StateCounts, health models.PoolHealth) {
	if m == nil {
		return
	}
	for _, state := range models.AllStates {
		m.nodesByState.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
	m.poolHealth.Set(float64(health))
}

// ObserveEpoch sets the epoch gauge.
func (m *Metrics) ObserveEpoch(epochID uint64) {
	if m == nil {
		return
	}
	m.epoch.Set(float64(epochID))
}

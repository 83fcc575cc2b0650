// Package metrics exposes relay counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes recorded by [Metrics.ObserveDispatch].
const (
	OutcomeOK           = "ok"
	OutcomeNoTunnel     = "no_tunnel"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
	OutcomeError        = "error"
)

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	authFailures     *prometheus.CounterVec
	connects         prometheus.Counter
}

// Gauges are sampled on scrape.
type Gauges struct {
	ActiveTunnels    func() int
	PendingRequests  func() int
	InspectorStreams func() int
}

// New registers the relay collectors.
func New(g Gauges) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnel",
			Name:      "dispatch_total",
			Help:      "Public requests dispatched to tunnels by outcome.",
		}, []string{"outcome"}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tunnel",
			Name:      "dispatch_duration_seconds",
			Help:      "Round trip time of successfully dispatched requests.",
			Buckets:   prometheus.DefBuckets,
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tunnel",
			Name:      "auth_failures_total",
			Help:      "Rejected tunnel handshakes by reason.",
		}, []string{"reason"}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tunnel",
			Name:      "connections_total",
			Help:      "Tunnel sessions that completed the handshake.",
		}),
	}
	m.registry.MustRegister(m.dispatchTotal, m.dispatchDuration, m.authFailures, m.connects)
	if g.ActiveTunnels != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tunnel",
			Name:      "active_tunnels",
			Help:      "Authenticated tunnel sessions held by this relay.",
		}, func() float64 { return float64(g.ActiveTunnels()) }))
	}
	if g.PendingRequests != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tunnel",
			Name:      "pending_requests",
			Help:      "Requests awaiting a tunnel response.",
		}, func() float64 { return float64(g.PendingRequests()) }))
	}
	if g.InspectorStreams != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "tunnel",
			Name:      "inspector_streams",
			Help:      "Open dashboard inspector streams.",
		}, func() float64 { return float64(g.InspectorStreams()) }))
	}
	return m
}

// ObserveDispatch records one dispatch outcome.
func (m *Metrics) ObserveDispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.dispatchDuration.Observe(d.Seconds())
	}
}

// AuthFailed records a rejected handshake.
func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

// Connected records a completed handshake.
func (m *Metrics) Connected() {
	if m == nil {
		return
	}
	m.connects.Inc()
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the live client. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	errorsTotal   prometheus.Counter

	transitionsTotal *prometheus.CounterVec
	sessionState     *prometheus.GaugeVec
	pollAttempts     *prometheus.CounterVec
	actionsTotal     *prometheus.CounterVec

	segmentsTotal     *prometheus.CounterVec
	peerFailuresTotal *prometheus.CounterVec
	activeMemberships prometheus.Gauge
	degradedSwarms    prometheus.Gauge
	connectedPeers    prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "livectl_requests_total",
			Help: "Harness HTTP requests by method and status class",
		}, []string{"method", "class"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livectl_errors_total",
			Help: "Total number of harness HTTP responses with error status (4xx or 5xx)",
		}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_session_transitions_total",
			Help: "Live session state transitions",
		}, []string{"from", "to"}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "live_session_state",
			Help: "1 for the current live session state, 0 otherwise",
		}, []string{"state"}),
		pollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_manifest_poll_attempts_total",
			Help: "Manifest readiness probes by outcome",
		}, []string{"outcome"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_actions_total",
			Help: "Origin API actions by action and result",
		}, []string{"action", "result"}),
		segmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_segments_total",
			Help: "Segments delivered by source (cache, peer, origin)",
		}, []string{"source"}),
		peerFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swarm_peer_failures_total",
			Help: "Peer fetch failures that fell back to origin, by reason",
		}, []string{"reason"}),
		activeMemberships: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_active_memberships",
			Help: "Number of active swarm memberships",
		}),
		degradedSwarms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_degraded_memberships",
			Help: "Number of memberships currently marked degraded",
		}),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "swarm_connected_peers",
			Help: "Peers currently exchanging data across all memberships",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.transitionsTotal,
		m.sessionState,
		m.pollAttempts,
		m.actionsTotal,
		m.segmentsTotal,
		m.peerFailuresTotal,
		m.activeMemberships,
		m.degradedSwarms,
		m.connectedPeers,
	)
	return m
}

// IncRequests counts one harness request; class is e.g. "2xx".
func (m *Metrics) IncRequests(method, class string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, class).Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// ObserveTransition counts the edge and moves the state gauge to "to".
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
	m.sessionState.WithLabelValues(from).Set(0)
	m.sessionState.WithLabelValues(to).Set(1)
}

func (m *Metrics) IncPollAttempt(outcome string) {
	if m == nil {
		return
	}
	m.pollAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncAction(action, result string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(action, result).Inc()
}

func (m *Metrics) IncSegment(source string) {
	if m == nil {
		return
	}
	m.segmentsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) IncPeerFailure(reason string) {
	if m == nil {
		return
	}
	m.peerFailuresTotal.WithLabelValues(reason).Inc()
}

// SetSwarm sets the swarm gauges; called before each scrape.
func (m *Metrics) SetSwarm(active, degraded, peers int) {
	if m == nil {
		return
	}
	m.activeMemberships.Set(float64(active))
	m.degradedSwarms.Set(float64(degraded))
	m.connectedPeers.Set(float64(peers))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

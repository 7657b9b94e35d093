// Package metrics provides Prometheus-based metrics recording for fleet
// supervision: spawns, reuse, wakeups, mailbox pressure, and circuit state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Spawn outcomes recorded on worker_spawns_total.
const (
	OutcomeSpawned = "spawned"
	OutcomeReused  = "reused"
	OutcomeRefused = "refused"
	OutcomeFailed  = "failed"
)

// Recorder records fleet metrics. Components accept a nil Recorder and
// treat it as a no-op so tests and embedded uses need no registry.
type Recorder struct {
	spawnsTotal      *prometheus.CounterVec
	wakeupsTotal     *prometheus.CounterVec
	mailboxEvictions prometheus.Counter
	mailboxDepth     *prometheus.GaugeVec
	bridgeRequests   *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	reapedTotal      prometheus.Counter
}

// NewRecorder creates a recorder registered on the default registry.
func NewRecorder() *Recorder {
	return NewRecorderWith(prometheus.DefaultRegisterer)
}

// NewRecorderWith creates a recorder registered on the given registerer.
// Tests pass a fresh registry to avoid duplicate registration panics.
func NewRecorderWith(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		spawnsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_spawns_total",
				Help: "Worker pool requests by profile and outcome",
			},
			[]string{"profile", "outcome"},
		),
		wakeupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_wakeups_total",
				Help: "Wakeup events by reason and dedup result",
			},
			[]string{"reason", "deduped"},
		),
		mailboxEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bus_mailbox_evictions_total",
				Help: "Messages dropped from full mailboxes",
			},
		),
		mailboxDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bus_mailbox_depth",
				Help: "Current mailbox depth per recipient",
			},
			[]string{"recipient"},
		),
		bridgeRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_requests_total",
				Help: "Bridge HTTP requests by endpoint and status class",
			},
			[]string{"endpoint", "status"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state per target (0=closed, 1=open, 2=half-open)",
			},
			[]string{"target"},
		),
		reapedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "worker_reaped_total",
				Help: "Dead worker instances removed by the reaper",
			},
		),
	}
}

// ObserveSpawn records a pool request outcome for a profile.
func (r *Recorder) ObserveSpawn(profileID, outcome string) {
	if r == nil {
		return
	}
	r.spawnsTotal.WithLabelValues(profileID, outcome).Inc()
}

// ObserveWakeup records a wakeup emission.
func (r *Recorder) ObserveWakeup(reason string, deduped bool) {
	if r == nil {
		return
	}
	dedup := "false"
	if deduped {
		dedup = "true"
	}
	r.wakeupsTotal.WithLabelValues(reason, dedup).Inc()
}

// ObserveMailbox records mailbox depth and evictions after a send.
func (r *Recorder) ObserveMailbox(recipient string, depth, evicted int) {
	if r == nil {
		return
	}
	r.mailboxDepth.WithLabelValues(recipient).Set(float64(depth))
	if evicted > 0 {
		r.mailboxEvictions.Add(float64(evicted))
	}
}

// ObserveBridgeRequest records one handled bridge request.
func (r *Recorder) ObserveBridgeRequest(endpoint string, statusCode int) {
	if r == nil {
		return
	}
	status := "2xx"
	switch {
	case statusCode >= 500:
		status = "5xx"
	case statusCode >= 400:
		status = "4xx"
	}
	r.bridgeRequests.WithLabelValues(endpoint, status).Inc()
}

// ObserveCircuitState records the current breaker state for a target.
func (r *Recorder) ObserveCircuitState(target string, state int) {
	if r == nil {
		return
	}
	r.circuitState.WithLabelValues(target).Set(float64(state))
}

// ObserveReaped records dead instances removed by a sweep.
func (r *Recorder) ObserveReaped(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.reapedTotal.Add(float64(count))
}

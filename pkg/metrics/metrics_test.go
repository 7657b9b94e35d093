package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorderWith(reg)

	rec.ObserveSpawn("coder", OutcomeSpawned)
	rec.ObserveSpawn("coder", OutcomeReused)
	rec.ObserveSpawn("coder", OutcomeReused)

	if got := testutil.ToFloat64(rec.spawnsTotal.WithLabelValues("coder", OutcomeReused)); got != 2 {
		t.Errorf("expected 2 reused, got %v", got)
	}

	rec.ObserveWakeup("result_ready", true)
	if got := testutil.ToFloat64(rec.wakeupsTotal.WithLabelValues("result_ready", "true")); got != 1 {
		t.Errorf("expected 1 deduped wakeup, got %v", got)
	}

	rec.ObserveMailbox("orchestrator", 5, 2)
	if got := testutil.ToFloat64(rec.mailboxDepth.WithLabelValues("orchestrator")); got != 5 {
		t.Errorf("expected depth 5, got %v", got)
	}
	if got := testutil.ToFloat64(rec.mailboxEvictions); got != 2 {
		t.Errorf("expected 2 evictions, got %v", got)
	}

	rec.ObserveBridgeRequest("/v1/message", 401)
	if got := testutil.ToFloat64(rec.bridgeRequests.WithLabelValues("/v1/message", "4xx")); got != 1 {
		t.Errorf("expected 1 4xx request, got %v", got)
	}
}

func TestNilRecorderIsNoOp(t *testing.T) {
	var rec *Recorder

	// None of these should panic.
	rec.ObserveSpawn("coder", OutcomeSpawned)
	rec.ObserveWakeup("progress", false)
	rec.ObserveMailbox("x", 1, 0)
	rec.ObserveBridgeRequest("/v1/report", 200)
	rec.ObserveCircuitState("worker-1", 1)
	rec.ObserveReaped(3)
}

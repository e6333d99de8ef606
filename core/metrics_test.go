package core

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetricsRegistersAllCollectors(t *testing.T) {
	m := NewMetrics()
	m.QueueDepth.Set(3)
	m.BatchesBuilt.Inc()
	m.BatchesSettled.Inc()
	m.SignerFailovers.Inc()
	m.RecoveryActions.Inc()
	m.RaftTerm.Set(7)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"sequencer_queue_depth 3",
		"sequencer_batches_built_total 1",
		"sequencer_batches_settled_total 1",
		"sequencer_signer_failovers_total 1",
		"sequencer_recovery_actions_total 1",
		"sequencer_raft_term 7",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestNewMetricsUsesPrivateRegistry(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.QueueDepth.Set(1)
	b.QueueDepth.Set(2)

	recA := httptest.NewRecorder()
	a.Handler().ServeHTTP(recA, httptest.NewRequest("GET", "/metrics", nil))
	recB := httptest.NewRecorder()
	b.Handler().ServeHTTP(recB, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(recA.Body.String(), "sequencer_queue_depth 1") {
		t.Fatal("expected the first metrics instance's own registry to report its own value")
	}
	if !strings.Contains(recB.Body.String(), "sequencer_queue_depth 2") {
		t.Fatal("expected the second metrics instance's own registry to report its own value")
	}
}

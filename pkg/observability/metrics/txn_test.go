package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestTransactionMetricsUpdated verifies that transaction metrics are updated correctly.
func TestTransactionMetricsUpdated(t *testing.T) {
	registry := NewRegistry()

	RecordTransactionStarted("owned")
	RecordTransactionStarted("ambient")
	RecordTransactionOutcome("owned", OutcomeCommitted, 100*time.Millisecond)
	RecordTransactionOutcome("ambient", OutcomeRolledBack, 0)

	handler := registry.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	body := rec.Body.String()

	// Verify counter labels exist (not checking exact counts due to global metrics)
	expectedLabels := []string{
		`mode="owned"`,
		`mode="ambient"`,
		`mode="owned",outcome="committed"`,
		`mode="ambient",outcome="rolled_back"`,
	}

	for _, labels := range expectedLabels {
		if !strings.Contains(body, labels) {
			t.Errorf("expected labels %s not found in metrics", labels)
		}
	}

	// Verify the active gauge exists
	if !strings.Contains(body, "txn_active") {
		t.Error("txn_active not found")
	}

	// Verify the histogram has entries (just check it exists with some count)
	if !strings.Contains(body, "txn_commit_duration_seconds_count") {
		t.Error("txn_commit_duration_seconds histogram not found")
	}
}

// TestCompletionFunctionMetrics verifies completion function result recording.
func TestCompletionFunctionMetrics(t *testing.T) {
	registry := NewRegistry()

	RecordCompletionFunction(false)
	RecordCompletionFunction(false)
	RecordCompletionFunction(true)

	handler := registry.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	body := rec.Body.String()

	if !strings.Contains(body, `txn_completion_functions_total{result="ok"}`) {
		t.Error("ok completion series not found")
	}
	if !strings.Contains(body, `txn_completion_functions_total{result="error"}`) {
		t.Error("error completion series not found")
	}
}

// TestChangeMetrics verifies change recording metrics.
func TestChangeMetrics(t *testing.T) {
	registry := NewRegistry()

	RecordChange("default", "node_added")
	RecordChange("default", "node_removed")
	RecordChange("archive", "node_changed")
	RecordChangeSetNotified("default")

	handler := registry.Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	body := rec.Body.String()

	expectedLabels := []string{
		`type="node_added",workspace="default"`,
		`type="node_removed",workspace="default"`,
		`type="node_changed",workspace="archive"`,
		`changesets_notified_total{workspace="default"}`,
	}

	for _, labels := range expectedLabels {
		if !strings.Contains(body, labels) {
			t.Errorf("expected labels %s not found in metrics", labels)
		}
	}
}

package metrics_test

import (
	"net/http"
	"time"

	"github.com/cairnrepo/cairn/pkg/observability/metrics"
)

func ExampleNewRegistry() {
	// Create a registry with transaction and runtime metrics
	registry := metrics.NewRegistry()

	// Expose metrics on the embedding application's management server
	http.Handle("/metrics", registry.Handler())
}

func ExampleRecordTransactionOutcome() {
	start := time.Now()

	// ... begin and commit a transaction ...

	metrics.RecordTransactionStarted("owned")
	metrics.RecordTransactionOutcome("owned", metrics.OutcomeCommitted, time.Since(start))
}

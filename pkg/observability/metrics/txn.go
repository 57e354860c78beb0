// Package metrics provides Prometheus metrics for transaction coordination.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Transaction outcome label values.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeError      = "error"
)

var (
	// txnStartedTotal tracks the total number of transactions begun.
	// Labels: mode (owned, ambient)
	txnStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txn_started_total",
			Help: "Total number of transactions begun",
		},
		[]string{"mode"},
	)

	// txnCompletedTotal tracks the total number of completed transactions.
	// Labels: mode, outcome (committed, rolled_back, error)
	txnCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txn_completed_total",
			Help: "Total number of completed transactions",
		},
		[]string{"mode", "outcome"},
	)

	// txnCommitDuration tracks commit latency in seconds.
	// Labels: mode
	txnCommitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "txn_commit_duration_seconds",
			Help:    "Transaction commit duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// txnActive tracks the current number of owned transactions in flight.
	txnActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "txn_active",
			Help: "Current number of owned transactions in flight",
		},
	)

	// completionFunctionsTotal tracks completion function dispatch results.
	// Labels: result (ok, error)
	completionFunctionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "txn_completion_functions_total",
			Help: "Total number of completion functions run after commit",
		},
		[]string{"result"},
	)

	// changesRecordedTotal tracks individual changes recorded by monitors.
	// Labels: workspace, type
	changesRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changes_recorded_total",
			Help: "Total number of node changes recorded by session monitors",
		},
		[]string{"workspace", "type"},
	)

	// changeSetsNotifiedTotal tracks change sets delivered to workspace caches.
	// Labels: workspace
	changeSetsNotifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changesets_notified_total",
			Help: "Total number of change sets delivered to workspace caches",
		},
		[]string{"workspace"},
	)
)

// RecordTransactionStarted records that a transaction handle was created.
func RecordTransactionStarted(mode string) {
	txnStartedTotal.WithLabelValues(mode).Inc()
	if mode == "owned" {
		txnActive.Inc()
	}
}

// RecordTransactionOutcome records the terminal outcome of a transaction.
// It updates the completion counter and, for owned transactions, the commit
// duration histogram and the active gauge.
func RecordTransactionOutcome(mode, outcome string, duration time.Duration) {
	txnCompletedTotal.WithLabelValues(mode, outcome).Inc()
	if mode == "owned" {
		txnActive.Dec()
		if outcome == OutcomeCommitted {
			txnCommitDuration.WithLabelValues(mode).Observe(duration.Seconds())
		}
	}
}

// RecordCompletionFunction records the result of a single completion function.
func RecordCompletionFunction(failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	completionFunctionsTotal.WithLabelValues(result).Inc()
}

// RecordChange records a single node change observed by a session monitor.
func RecordChange(workspace, changeType string) {
	changesRecordedTotal.WithLabelValues(workspace, changeType).Inc()
}

// RecordChangeSetNotified records a change set delivered to a workspace cache.
func RecordChangeSetNotified(workspace string) {
	changeSetsNotifiedTotal.WithLabelValues(workspace).Inc()
}

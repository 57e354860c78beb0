// Package metrics provides Prometheus metrics integration for the library.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry manages Prometheus metrics registration and exposure.
// It provides a central place to register custom metrics and includes
// transaction metrics and Go runtime metrics by default.
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a new metrics registry with default collectors.
// It automatically registers:
// - Transaction metrics (started, completed, commit duration, in-flight)
// - Change tracking metrics (changes recorded, change sets notified)
// - Go runtime metrics (goroutines, memory, GC)
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	// Register transaction metrics
	reg.MustRegister(txnStartedTotal)
	reg.MustRegister(txnCompletedTotal)
	reg.MustRegister(txnCommitDuration)
	reg.MustRegister(txnActive)
	reg.MustRegister(completionFunctionsTotal)

	// Register change tracking metrics
	reg.MustRegister(changesRecordedTotal)
	reg.MustRegister(changeSetsNotifiedTotal)

	// Register Go runtime metrics (goroutines, memory, GC)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Registry{
		registry: reg,
	}
}

// Register registers a custom Prometheus collector.
// This allows applications to add their own metrics beyond the default transaction and runtime metrics.
//
// Example:
//
//	customCounter := prometheus.NewCounter(prometheus.CounterOpts{
//	    Name: "my_custom_counter",
//	    Help: "A custom counter metric",
//	})
//	registry.Register(customCounter)
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers a custom Prometheus collector and panics on error.
// Use this for metrics that must be registered at startup.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister removes a collector from the registry.
// This is primarily useful for testing.
func (r *Registry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
// This handler should be mounted on the embedding application's management server at /metrics.
//
// Example:
//
//	http.Handle("/metrics", registry.Handler())
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Gatherer returns the underlying prometheus.Gatherer.
// This is useful for advanced use cases like custom metric exposition.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

package changes

import (
	"sync"

	"github.com/cairnrepo/cairn/pkg/observability/metrics"
)

// Monitor records node changes made while a session's transient state is
// being persisted. A transaction handle creates one monitor per save, and the
// recorded change sets are delivered to workspace caches after commit.
type Monitor interface {
	// RecordAdded records a node created in the given workspace.
	RecordAdded(workspace, path string)

	// RecordChanged records a node modified in the given workspace.
	RecordChanged(workspace, path string)

	// RecordRemoved records a node removed from the given workspace.
	RecordRemoved(workspace, path string)
}

// MonitorFactory creates monitors for transaction handles.
type MonitorFactory interface {
	Create() Monitor
}

// RecordingMonitor accumulates changes into one change set per workspace.
// It is safe for concurrent use.
type RecordingMonitor struct {
	mu    sync.Mutex
	sets  map[string]*ChangeSet
	order []string
}

// NewRecordingMonitor creates an empty recording monitor.
func NewRecordingMonitor() *RecordingMonitor {
	return &RecordingMonitor{
		sets: make(map[string]*ChangeSet),
	}
}

// RecordAdded records a node created in the given workspace.
func (m *RecordingMonitor) RecordAdded(workspace, path string) {
	m.record(workspace, NodeAdded, path)
}

// RecordChanged records a node modified in the given workspace.
func (m *RecordingMonitor) RecordChanged(workspace, path string) {
	m.record(workspace, NodeChanged, path)
}

// RecordRemoved records a node removed from the given workspace.
func (m *RecordingMonitor) RecordRemoved(workspace, path string) {
	m.record(workspace, NodeRemoved, path)
}

func (m *RecordingMonitor) record(workspace string, changeType ChangeType, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.sets[workspace]
	if !ok {
		cs = NewChangeSet(workspace)
		m.sets[workspace] = cs
		m.order = append(m.order, workspace)
	}
	cs.Add(changeType, path)
}

// ChangeSet returns the change set recorded for the given workspace, or nil
// when no changes were recorded for it.
func (m *RecordingMonitor) ChangeSet(workspace string) *ChangeSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets[workspace]
}

// ChangeSets returns all recorded change sets in the order their workspaces
// were first touched.
func (m *RecordingMonitor) ChangeSets() []*ChangeSet {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*ChangeSet, 0, len(m.order))
	for _, workspace := range m.order {
		out = append(out, m.sets[workspace])
	}
	return out
}

// RecordingMonitorFactory creates a fresh RecordingMonitor per transaction.
type RecordingMonitorFactory struct{}

// Create returns a new recording monitor.
func (RecordingMonitorFactory) Create() Monitor {
	return NewRecordingMonitor()
}

// MetricsMonitor decorates another monitor with Prometheus instrumentation.
// Every recorded change also increments the change counter for its workspace
// and change type.
type MetricsMonitor struct {
	inner Monitor
}

// NewMetricsMonitor wraps the given monitor with metrics recording.
// A nil inner monitor is replaced with NopMonitor.
func NewMetricsMonitor(inner Monitor) *MetricsMonitor {
	if inner == nil {
		inner = NopMonitor{}
	}
	return &MetricsMonitor{inner: inner}
}

// RecordAdded records a node created in the given workspace.
func (m *MetricsMonitor) RecordAdded(workspace, path string) {
	metrics.RecordChange(workspace, string(NodeAdded))
	m.inner.RecordAdded(workspace, path)
}

// RecordChanged records a node modified in the given workspace.
func (m *MetricsMonitor) RecordChanged(workspace, path string) {
	metrics.RecordChange(workspace, string(NodeChanged))
	m.inner.RecordChanged(workspace, path)
}

// RecordRemoved records a node removed from the given workspace.
func (m *MetricsMonitor) RecordRemoved(workspace, path string) {
	metrics.RecordChange(workspace, string(NodeRemoved))
	m.inner.RecordRemoved(workspace, path)
}

// Inner returns the decorated monitor.
func (m *MetricsMonitor) Inner() Monitor {
	return m.inner
}

// MetricsMonitorFactory decorates monitors from an inner factory with metrics
// recording. A nil inner factory produces metrics-only monitors.
type MetricsMonitorFactory struct {
	Inner MonitorFactory
}

// Create returns a new metrics-decorated monitor.
func (f MetricsMonitorFactory) Create() Monitor {
	if f.Inner == nil {
		return NewMetricsMonitor(nil)
	}
	return NewMetricsMonitor(f.Inner.Create())
}

// NopMonitor discards all recorded changes.
type NopMonitor struct{}

// RecordAdded discards the change.
func (NopMonitor) RecordAdded(workspace, path string) {}

// RecordChanged discards the change.
func (NopMonitor) RecordChanged(workspace, path string) {}

// RecordRemoved discards the change.
func (NopMonitor) RecordRemoved(workspace, path string) {}

// NopMonitorFactory creates monitors that discard all changes.
type NopMonitorFactory struct{}

// Create returns a monitor that discards all changes.
func (NopMonitorFactory) Create() Monitor {
	return NopMonitor{}
}

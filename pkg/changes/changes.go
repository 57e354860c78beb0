// Package changes models the node change sets produced when a session's
// transient state is persisted, and the monitors that record them.
package changes

import (
	"time"

	"github.com/google/uuid"
)

// ChangeType identifies the kind of node change recorded in a change set.
type ChangeType string

// Change type constants
const (
	// NodeAdded records a node created by the session
	NodeAdded ChangeType = "node_added"
	// NodeChanged records a node whose properties or children changed
	NodeChanged ChangeType = "node_changed"
	// NodeRemoved records a node deleted by the session
	NodeRemoved ChangeType = "node_removed"
)

// Change is a single node change within a workspace.
type Change struct {
	// Type is the kind of change.
	Type ChangeType `json:"type"`

	// Path is the absolute path of the affected node.
	Path string `json:"path"`
}

// ChangeSet is an ordered collection of changes made to a single workspace,
// produced while persisting a session and delivered to workspace caches only
// after the enclosing transaction has durably committed.
type ChangeSet struct {
	// ID uniquely identifies the change set across the cluster.
	ID string `json:"id"`

	// Workspace is the name of the workspace the changes belong to.
	Workspace string `json:"workspace"`

	// SessionID identifies the session that produced the changes, when known.
	SessionID string `json:"session_id,omitempty"`

	// Timestamp is when the change set was created.
	Timestamp time.Time `json:"timestamp"`

	// Changes holds the individual changes in the order they were recorded.
	Changes []Change `json:"changes"`
}

// NewChangeSet creates an empty change set for the given workspace.
func NewChangeSet(workspace string) *ChangeSet {
	return &ChangeSet{
		ID:        uuid.NewString(),
		Workspace: workspace,
		Timestamp: time.Now().UTC(),
	}
}

// Add appends a change to the set, preserving recording order.
func (cs *ChangeSet) Add(changeType ChangeType, path string) {
	cs.Changes = append(cs.Changes, Change{Type: changeType, Path: path})
}

// IsEmpty reports whether the change set carries no changes.
// A nil change set is empty.
func (cs *ChangeSet) IsEmpty() bool {
	return cs == nil || len(cs.Changes) == 0
}

// Size returns the number of changes in the set. A nil change set has size zero.
func (cs *ChangeSet) Size() int {
	if cs == nil {
		return 0
	}
	return len(cs.Changes)
}

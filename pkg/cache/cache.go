// Package cache holds the workspace caches that commits notify. A workspace
// cache receives the change set produced by a committed transaction exactly
// once, after the commit is durable, and evicts or refreshes the affected
// entries. Listeners attached to a workspace observe the same change sets and
// can forward them to other subsystems, such as the Redis propagator that
// fans changes out to peer processes.
package cache

import (
	"github.com/cairnrepo/cairn/pkg/changes"
)

// Workspace is a named cache that reacts to committed change sets.
type Workspace interface {
	// Name returns the workspace name, matching ChangeSet.Workspace.
	Name() string

	// Changed applies a committed change set to the cache. Callers only
	// invoke Changed with non-empty change sets, and only after the
	// producing transaction has committed.
	Changed(cs *changes.ChangeSet)
}

// Listener observes change sets after a workspace has applied them.
type Listener func(cs *changes.ChangeSet)

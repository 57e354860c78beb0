package cache

import (
	"sync"

	"github.com/cairnrepo/cairn/pkg/changes"
)

// MemoryWorkspace is an in-process workspace cache. Entries are keyed by node
// path and invalidated when a committed change set touches them. It is safe
// for concurrent use.
type MemoryWorkspace struct {
	name string

	mu        sync.RWMutex
	entries   map[string][]byte
	listeners map[uint64]Listener
	nextID    uint64
	applied   int
}

// NewMemoryWorkspace creates an empty workspace cache with the given name.
func NewMemoryWorkspace(name string) *MemoryWorkspace {
	return &MemoryWorkspace{
		name:      name,
		entries:   make(map[string][]byte),
		listeners: make(map[uint64]Listener),
	}
}

// Name returns the workspace name.
func (w *MemoryWorkspace) Name() string {
	return w.name
}

// Put stores a cached entry for a node path.
func (w *MemoryWorkspace) Put(path string, value []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[path] = cloneBytes(value)
}

// Get returns the cached entry for a node path, if present.
func (w *MemoryWorkspace) Get(path string) ([]byte, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	value, ok := w.entries[path]
	if !ok {
		return nil, false
	}
	return cloneBytes(value), true
}

// Len returns the number of cached entries.
func (w *MemoryWorkspace) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// Applied returns how many change sets the workspace has applied.
func (w *MemoryWorkspace) Applied() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.applied
}

// AddListener registers a listener for applied change sets and returns a
// function that removes it.
func (w *MemoryWorkspace) AddListener(l Listener) func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextID
	w.nextID++
	w.listeners[id] = l

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.listeners, id)
	}
}

// Changed invalidates every entry the change set touches, then notifies
// listeners. Listeners run on the calling goroutine, outside the workspace
// lock.
func (w *MemoryWorkspace) Changed(cs *changes.ChangeSet) {
	if cs.IsEmpty() {
		return
	}

	w.mu.Lock()
	for _, change := range cs.Changes {
		delete(w.entries, change.Path)
	}
	w.applied++
	listeners := make([]Listener, 0, len(w.listeners))
	for _, l := range w.listeners {
		listeners = append(listeners, l)
	}
	w.mu.Unlock()

	for _, l := range listeners {
		l(cs)
	}
}

func cloneBytes(src []byte) []byte {
	if src == nil {
		return nil
	}
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

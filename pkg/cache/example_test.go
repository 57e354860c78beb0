package cache_test

import (
	"fmt"

	"github.com/cairnrepo/cairn/pkg/cache"
	"github.com/cairnrepo/cairn/pkg/changes"
)

func ExampleMemoryWorkspace() {
	ws := cache.NewMemoryWorkspace("default")
	ws.Put("/content/articles", []byte("rendered"))

	cs := changes.NewChangeSet("default")
	cs.Add(changes.NodeChanged, "/content/articles")
	ws.Changed(cs)

	_, ok := ws.Get("/content/articles")
	fmt.Println("cached after change:", ok)
	// Output: cached after change: false
}

func ExampleMemoryWorkspace_addListener() {
	ws := cache.NewMemoryWorkspace("default")
	ws.AddListener(func(cs *changes.ChangeSet) {
		fmt.Printf("observed %d changes in %s\n", cs.Size(), cs.Workspace)
	})

	cs := changes.NewChangeSet("default")
	cs.Add(changes.NodeAdded, "/content/articles/today")
	cs.Add(changes.NodeRemoved, "/content/articles/yesterday")
	ws.Changed(cs)
	// Output: observed 2 changes in default
}

package changes

import (
	"encoding/json"
	"testing"
)

func TestNewChangeSet(t *testing.T) {
	cs := NewChangeSet("default")

	if cs.ID == "" {
		t.Error("expected non-empty change set ID")
	}
	if cs.Workspace != "default" {
		t.Errorf("expected workspace 'default', got %q", cs.Workspace)
	}
	if cs.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
	if !cs.IsEmpty() {
		t.Error("expected new change set to be empty")
	}

	other := NewChangeSet("default")
	if other.ID == cs.ID {
		t.Error("expected distinct IDs for distinct change sets")
	}
}

func TestChangeSet_Add(t *testing.T) {
	cs := NewChangeSet("default")

	cs.Add(NodeAdded, "/content/a")
	cs.Add(NodeChanged, "/content/b")
	cs.Add(NodeRemoved, "/content/c")

	if cs.IsEmpty() {
		t.Error("expected change set with changes to be non-empty")
	}
	if cs.Size() != 3 {
		t.Errorf("expected size 3, got %d", cs.Size())
	}

	// Recording order is preserved
	expected := []Change{
		{Type: NodeAdded, Path: "/content/a"},
		{Type: NodeChanged, Path: "/content/b"},
		{Type: NodeRemoved, Path: "/content/c"},
	}
	for i, want := range expected {
		if cs.Changes[i] != want {
			t.Errorf("change %d: expected %+v, got %+v", i, want, cs.Changes[i])
		}
	}
}

func TestChangeSet_NilSafety(t *testing.T) {
	var cs *ChangeSet

	if !cs.IsEmpty() {
		t.Error("expected nil change set to be empty")
	}
	if cs.Size() != 0 {
		t.Errorf("expected nil change set size 0, got %d", cs.Size())
	}
}

func TestChangeSet_JSON(t *testing.T) {
	cs := NewChangeSet("content")
	cs.SessionID = "session-1"
	cs.Add(NodeAdded, "/a")
	cs.Add(NodeRemoved, "/b")

	data, err := json.Marshal(cs)
	if err != nil {
		t.Fatalf("failed to marshal change set: %v", err)
	}

	var decoded ChangeSet
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal change set: %v", err)
	}

	if decoded.ID != cs.ID {
		t.Errorf("expected ID %q, got %q", cs.ID, decoded.ID)
	}
	if decoded.Workspace != "content" {
		t.Errorf("expected workspace 'content', got %q", decoded.Workspace)
	}
	if decoded.SessionID != "session-1" {
		t.Errorf("expected session 'session-1', got %q", decoded.SessionID)
	}
	if decoded.Size() != 2 {
		t.Errorf("expected 2 changes, got %d", decoded.Size())
	}
	if decoded.Changes[0].Path != "/a" || decoded.Changes[0].Type != NodeAdded {
		t.Errorf("unexpected first change: %+v", decoded.Changes[0])
	}
}

package event_test

import (
	"testing"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
)

func TestDefaultRegistryCatalog(t *testing.T) {
	types := event.DefaultRegistry.Types()
	if len(types) != 17 {
		t.Fatalf("catalog has %d types, want 17", len(types))
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Fatalf("Types() not sorted at %d: %s >= %s", i, types[i-1], types[i])
		}
	}

	control := event.DefaultRegistry.ListByGroup(event.GroupControl)
	if len(control) != 4 {
		t.Errorf("control group has %d schemas, want 4", len(control))
	}
	for _, s := range control {
		if !s.Type.IsControl() {
			t.Errorf("%s registered as control but lacks control prefix", s.Type)
		}
	}
}

func TestRegistryRegister(t *testing.T) {
	r := event.NewRegistry()
	if err := r.Register(&event.Schema{Version: 1}); err == nil {
		t.Error("expected error for empty type")
	}
	if err := r.Register(&event.Schema{Type: "x", Version: 0}); err == nil {
		t.Error("expected error for non-positive version")
	}
	if err := r.Register(&event.Schema{Type: "x", Version: 1}); err == nil {
		t.Error("expected error for missing payload constructor")
	}

	v2 := &event.Schema{Type: "x", Version: 2, Description: "v2", New: func() event.Payload { return &event.CommentAdded{} }}
	v1 := &event.Schema{Type: "x", Version: 1, Description: "v1", New: func() event.Payload { return &event.CommentAdded{} }}
	if err := r.Register(v2); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(v1); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, ok := r.Get("x")
	if !ok || got.Description != "v2" {
		t.Errorf("Get returned %+v, want latest version", got)
	}
	if !r.Has("x") || r.Has("y") {
		t.Error("Has mismatch")
	}
}

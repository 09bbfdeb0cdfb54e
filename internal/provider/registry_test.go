package provider

import (
	"context"
	"testing"
)

// stubProvider is a minimal Provider for registry tests.
type stubProvider struct {
	id string
}

func (p *stubProvider) ID() string { return p.id }

func (p *stubProvider) Invoke(ctx context.Context, req Request) (*Result, error) {
	return &Result{Content: "stub"}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.Register(&stubProvider{id: "alpha"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&stubProvider{id: "beta"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	p, ok := r.Get("alpha")
	if !ok {
		t.Fatal("alpha not found")
	}
	if p.ID() != "alpha" {
		t.Errorf("ID = %q, want alpha", p.ID())
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("expected miss for unregistered provider")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRegistry_RejectsDuplicatesAndEmptyIDs(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.Register(&stubProvider{id: "alpha"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(&stubProvider{id: "alpha"}); err == nil {
		t.Error("expected error for duplicate ID")
	}
	if err := r.Register(&stubProvider{id: ""}); err == nil {
		t.Error("expected error for empty ID")
	}
}

func TestRegistry_IDsKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil)
	for _, id := range []string{"c", "a", "b"} {
		if err := r.Register(&stubProvider{id: id}); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}

	ids := r.IDs()
	want := []string{"c", "a", "b"}
	if len(ids) != len(want) {
		t.Fatalf("IDs = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("IDs[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

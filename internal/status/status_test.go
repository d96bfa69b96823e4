package status

import (
	"testing"

	"github.com/gridwire/agentmesh/internal/registry"
)

func TestNewBuilder_DefaultsToAvailableWithZeroLoad(t *testing.T) {
	b := NewBuilder("writer", []string{"email"}, 5)
	st := b.Build()
	if st.Status != registry.StatusAvailable {
		t.Fatalf("expected initial status Available, got %v", st.Status)
	}
	if st.CurrentLoad != 0 {
		t.Fatalf("expected zero initial load, got %d", st.CurrentLoad)
	}
	if st.MaxLoad != 5 {
		t.Fatalf("expected max load 5, got %d", st.MaxLoad)
	}
}

func TestNewBuilder_NonPositiveMaxLoadFallsBackToOne(t *testing.T) {
	b := NewBuilder("writer", nil, 0)
	if b.Build().MaxLoad != 1 {
		t.Fatalf("expected max load fallback of 1, got %d", b.Build().MaxLoad)
	}
}

func TestBuilder_SetLoadAndSetStateReflectInBuild(t *testing.T) {
	b := NewBuilder("writer", []string{"email"}, 10)
	b.SetLoad(4)
	b.SetState(registry.StatusBusy)

	st := b.Build()
	if st.CurrentLoad != 4 {
		t.Fatalf("expected load 4, got %d", st.CurrentLoad)
	}
	if st.Status != registry.StatusBusy {
		t.Fatalf("expected status Busy, got %v", st.Status)
	}
}

func TestBuilder_OfflineIgnoresCurrentStateAndLoad(t *testing.T) {
	b := NewBuilder("writer", []string{"email"}, 10)
	b.SetLoad(7)
	b.SetState(registry.StatusBusy)

	off := b.Offline()
	if off.Status != registry.StatusOffline {
		t.Fatalf("expected status Offline, got %v", off.Status)
	}
	if off.CurrentLoad != 0 {
		t.Fatalf("expected offline payload to report zero load, got %d", off.CurrentLoad)
	}

	// Offline must not mutate the builder's live state.
	st := b.Build()
	if st.Status != registry.StatusBusy || st.CurrentLoad != 7 {
		t.Fatalf("Offline() leaked into live state: %+v", st)
	}
}

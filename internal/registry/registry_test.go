package registry

import (
	"testing"
	"time"
)

func newTestRegistry(ttl time.Duration) (*Registry, *fakeClock) {
	r := New(ttl, 0)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.nowFn = clock.Now
	return r, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestRecordAndGet(t *testing.T) {
	r, _ := newTestRegistry(15 * time.Second)
	r.Record(AgentStatus{AgentID: "writer", Status: StatusAvailable, Capabilities: []string{"Email"}, CurrentLoad: 1, MaxLoad: 5})

	info, ok := r.Get("writer")
	if !ok {
		t.Fatal("expected writer to be present")
	}
	if info.Status != StatusAvailable {
		t.Fatalf("unexpected status: %v", info.Status)
	}
}

func TestRecord_OfflineEvictsImmediately(t *testing.T) {
	r, _ := newTestRegistry(15 * time.Second)
	r.Record(AgentStatus{AgentID: "writer", Status: StatusAvailable})
	r.Record(AgentStatus{AgentID: "writer", Status: StatusOffline})

	if _, ok := r.Get("writer"); ok {
		t.Fatal("expected writer to be evicted after Offline")
	}
}

func TestGet_TreatsExpiredAsUnknown(t *testing.T) {
	r, clock := newTestRegistry(15 * time.Second)
	r.Record(AgentStatus{AgentID: "writer", Status: StatusAvailable})

	clock.Advance(16 * time.Second)
	if _, ok := r.Get("writer"); ok {
		t.Fatal("expected expired entry to read as unknown")
	}
}

func TestSweep_EvictsExpiredEntries(t *testing.T) {
	r, clock := newTestRegistry(15 * time.Second)
	r.Record(AgentStatus{AgentID: "a", Status: StatusAvailable})
	r.Record(AgentStatus{AgentID: "b", Status: StatusAvailable})

	clock.Advance(20 * time.Second)
	if n := r.Sweep(); n != 2 {
		t.Fatalf("expected 2 evicted, got %d", n)
	}
	if len(r.List()) != 0 {
		t.Fatal("expected empty registry after sweep")
	}
}

func TestSelect_LeastLoadedWithLexicographicTieBreak(t *testing.T) {
	r, _ := newTestRegistry(15 * time.Second)
	r.Record(AgentStatus{AgentID: "zeta", Status: StatusAvailable, Capabilities: []string{"email"}, CurrentLoad: 1})
	r.Record(AgentStatus{AgentID: "alpha", Status: StatusAvailable, Capabilities: []string{"email"}, CurrentLoad: 1})
	r.Record(AgentStatus{AgentID: "beta", Status: StatusAvailable, Capabilities: []string{"email"}, CurrentLoad: 3})

	best, ok := r.Select([]string{"email"}, LeastLoaded)
	if !ok {
		t.Fatal("expected a selection")
	}
	if best.AgentID != "alpha" {
		t.Fatalf("expected alpha (tie-break), got %s", best.AgentID)
	}
}

func TestSelect_CapabilityMatchIsCaseInsensitive(t *testing.T) {
	r, _ := newTestRegistry(15 * time.Second)
	r.Record(AgentStatus{AgentID: "writer", Status: StatusAvailable, Capabilities: []string{"EMAIL"}})

	if _, ok := r.Select([]string{"email"}, LeastLoaded); !ok {
		t.Fatal("expected case-insensitive capability match")
	}
}

func TestSelect_NoQualifyingAgentReturnsFalse(t *testing.T) {
	r, _ := newTestRegistry(15 * time.Second)
	r.Record(AgentStatus{AgentID: "writer", Status: StatusAvailable, Capabilities: []string{"sms"}})

	if _, ok := r.Select([]string{"email"}, LeastLoaded); ok {
		t.Fatal("expected no qualifying agent")
	}
}

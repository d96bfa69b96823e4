package envelope

import (
	"testing"
	"time"
)

func TestDecode_NextAsSingleObject(t *testing.T) {
	raw := `{"task_id":"t","conversation_id":"c","pipeline_depth":0,"instruction":"i",
		"next":{"agent_id":"editor","instruction":"polish"},"created_at":"2026-01-01T00:00:00Z"}`

	w, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	next := w.Next()
	if next == nil || next.AgentID != "editor" || next.Instruction != "polish" {
		t.Fatalf("unexpected next: %+v", next)
	}
	if chain := w.RemainingChain(); chain != nil {
		t.Fatalf("single-object next must not leave a remaining chain, got %+v", chain)
	}
}

func TestDecode_NextAsOrderedList(t *testing.T) {
	raw := `{"task_id":"t","conversation_id":"c","pipeline_depth":0,"instruction":"i",
		"next":[{"agent_id":"editor"},{"agent_id":"publisher"},{"agent_id":"archiver"}],
		"created_at":"2026-01-01T00:00:00Z"}`

	w, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	next := w.Next()
	if next == nil || next.AgentID != "editor" {
		t.Fatalf("expected the list's head as next, got %+v", next)
	}
	chain := w.RemainingChain()
	if len(chain) != 2 || chain[0].AgentID != "publisher" || chain[1].AgentID != "archiver" {
		t.Fatalf("expected remaining chain [publisher archiver], got %+v", chain)
	}
}

func TestDecode_NextAsEmptyList(t *testing.T) {
	raw := `{"task_id":"t","conversation_id":"c","pipeline_depth":0,"instruction":"i",
		"next":[],"created_at":"2026-01-01T00:00:00Z"}`

	w, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Next() != nil {
		t.Fatalf("expected no next hop for an empty list, got %+v", w.Next())
	}
}

func TestWrapper_RemainingChain_NilWhenNoChain(t *testing.T) {
	w := &Wrapper{V1: &V1{
		TaskID: "t", ConversationID: "c", Instruction: "i",
		Next: &NextTask{AgentID: "editor"}, CreatedAt: time.Now(),
	}}
	if chain := w.RemainingChain(); chain != nil {
		t.Fatalf("expected nil remaining chain, got %+v", chain)
	}
}

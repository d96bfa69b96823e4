package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gridwire/agentmesh/internal/pipeline"
	"github.com/gridwire/agentmesh/internal/registry"
	"github.com/gridwire/agentmesh/internal/status"
	"github.com/gridwire/agentmesh/internal/transport"
)

// fakeTransport is an in-memory transport.Transport for exercising the
// lifecycle manager without a live broker.
type fakeTransport struct {
	mu            sync.Mutex
	connected     bool
	disconnected  bool
	subscriptions []string
	published     []publishedMsg
	incoming      chan transport.InboundMessage
}

type publishedMsg struct {
	topic  string
	retain bool
	body   []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{incoming: make(chan transport.InboundMessage, 16)}
}

func (f *fakeTransport) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Subscribe(filter string, _ byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, filter)
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, topic string, payload []byte, _ byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic: topic, retain: retain, body: payload})
	return nil
}

func (f *fakeTransport) Incoming() <-chan transport.InboundMessage { return f.incoming }

func (f *fakeTransport) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
	return nil
}

func (f *fakeTransport) lastPublish() (publishedMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return publishedMsg{}, false
	}
	return f.published[len(f.published)-1], true
}

type noopHandler struct{ received chan transport.InboundMessage }

func (h *noopHandler) Handle(_ context.Context, msg transport.InboundMessage) error {
	if h.received != nil {
		h.received <- msg
	}
	return nil
}

func newManager(t *testing.T, dynamic bool) (*Manager, *fakeTransport, *pipeline.Orchestrator, *registry.Registry) {
	t.Helper()
	ft := newFakeTransport()
	handler := &noopHandler{received: make(chan transport.InboundMessage, 4)}
	orch := pipeline.New(handler, ft, pipeline.Config{Workers: 1, SelfID: "writer"})
	var reg *registry.Registry
	if dynamic {
		reg = registry.New(15*time.Second, 0)
	}
	sb := status.NewBuilder("writer", []string{"email"}, 5)

	m := New(Config{
		SelfID:            "writer",
		DynamicRouting:    dynamic,
		Transport:         ft,
		Orchestrator:      orch,
		Registry:          reg,
		StatusBuilder:     sb,
		HeartbeatInterval: 10 * time.Millisecond,
	})
	return m, ft, orch, reg
}

func TestManager_StartPublishesAvailableAndSubscribes(t *testing.T) {
	m, ft, _, _ := newManager(t, false)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop(context.Background())

	ft.mu.Lock()
	subs := append([]string(nil), ft.subscriptions...)
	ft.mu.Unlock()
	if len(subs) != 1 || subs[0] != "/control/agents/writer/input" {
		t.Fatalf("unexpected subscriptions: %v", subs)
	}

	msg, ok := ft.lastPublish()
	if !ok {
		t.Fatal("expected an initial status publish")
	}
	if msg.topic != "/control/agents/writer/status" || !msg.retain {
		t.Fatalf("unexpected initial status publish: %+v", msg)
	}
	var st registry.AgentStatus
	if err := json.Unmarshal(msg.body, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Status != registry.StatusAvailable {
		t.Fatalf("expected initial status Available, got %v", st.Status)
	}
}

func TestManager_DynamicRoutingSubscribesWildcardAndFeedsRegistry(t *testing.T) {
	m, ft, _, reg := newManager(t, true)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop(context.Background())

	ft.mu.Lock()
	subs := append([]string(nil), ft.subscriptions...)
	ft.mu.Unlock()
	found := false
	for _, s := range subs {
		if s == "/control/agents/+/status" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected status wildcard subscription, got %v", subs)
	}

	body, _ := json.Marshal(registry.AgentStatus{AgentID: "editor", Status: registry.StatusAvailable, Capabilities: []string{"edit"}, MaxLoad: 1})
	ft.incoming <- transport.InboundMessage{Topic: "/control/agents/editor/status", Payload: body}

	deadline := time.After(time.Second)
	for {
		if _, ok := reg.Get("editor"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected status message to populate the registry")
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func TestManager_InputMessageReachesOrchestrator(t *testing.T) {
	ft := newFakeTransport()
	handler := &noopHandler{received: make(chan transport.InboundMessage, 1)}
	orch := pipeline.New(handler, ft, pipeline.Config{Workers: 1, SelfID: "writer"})
	sb := status.NewBuilder("writer", nil, 5)
	m := New(Config{SelfID: "writer", Transport: ft, Orchestrator: orch, StatusBuilder: sb, HeartbeatInterval: time.Hour})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop(context.Background())

	body, _ := json.Marshal(map[string]string{"task_id": "t1", "conversation_id": "c1"})
	ft.incoming <- transport.InboundMessage{Topic: "/control/agents/writer/input", Payload: body}

	select {
	case <-handler.received:
	case <-time.After(time.Second):
		t.Fatal("expected the inbound message to reach the processor")
	}
}

func TestManager_StopPublishesOfflineAndDisconnects(t *testing.T) {
	m, ft, _, _ := newManager(t, false)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	msg, ok := ft.lastPublish()
	if !ok {
		t.Fatal("expected an offline status publish")
	}
	var st registry.AgentStatus
	if err := json.Unmarshal(msg.body, &st); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if st.Status != registry.StatusOffline || !msg.retain {
		t.Fatalf("expected retained Offline publish, got %+v status=%v", msg, st.Status)
	}
	ft.mu.Lock()
	disconnected := ft.disconnected
	ft.mu.Unlock()
	if !disconnected {
		t.Fatal("expected transport to be disconnected")
	}
}

func TestManager_DoubleStartAndStopAreNoOps(t *testing.T) {
	m, _, _, _ := newManager(t, false)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second start should be a no-op, got: %v", err)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("second stop should be a no-op, got: %v", err)
	}
}

var _ pipeline.Publisher = (*fakeTransport)(nil)

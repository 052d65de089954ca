package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"conclave/internal/event"
	"conclave/internal/metrics"
	"conclave/internal/wire"
)

type fakeTransport struct {
	mu         sync.Mutex
	frames     []wire.Envelope
	failWrites bool
	failPings  bool
	pings      int
	closed     bool
}

func (t *fakeTransport) WriteJSON(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWrites {
		return errors.New("write refused")
	}
	if frame, ok := v.(wire.Envelope); ok {
		t.frames = append(t.frames, frame)
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) Ping(deadline time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
	if t.failPings {
		return errors.New("ping refused")
	}
	return nil
}

func (t *fakeTransport) sent() []wire.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wire.Envelope(nil), t.frames...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeLifecycle struct {
	mu            sync.Mutex
	connected     []string
	disconnected  []string
	releasedLocks []string
	paused        map[string]bool
}

func (f *fakeLifecycle) AgentConnected(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, agentID)
	return nil
}

func (f *fakeLifecycle) AgentDisconnected(ctx context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, agentID)
	return nil
}

func (f *fakeLifecycle) SetAgentPaused(ctx context.Context, agentID string, paused bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.paused == nil {
		f.paused = make(map[string]bool)
	}
	f.paused[agentID] = paused
	return true, nil
}

func (f *fakeLifecycle) ReleaseUserLocks(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releasedLocks = append(f.releasedLocks, userID)
	return nil
}

func newTestRegistry(t *testing.T, opts Options) (*Registry, *fakeLifecycle) {
	t.Helper()
	lifecycle := &fakeLifecycle{}
	if opts.Lifecycle == nil {
		opts.Lifecycle = lifecycle
	}
	registry := NewRegistry(opts)
	t.Cleanup(func() { registry.CloseAll(context.Background()) })
	return registry, lifecycle
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectIndexesAndNotifiesSession(t *testing.T) {
	registry, lifecycle := newTestRegistry(t, Options{})
	ctx := context.Background()

	first := &fakeTransport{}
	firstID, err := registry.Connect(ctx, first, "session-1", KindUser, "user-1", "")
	if err != nil {
		t.Fatalf("connect first: %v", err)
	}
	second := &fakeTransport{}
	secondID, err := registry.Connect(ctx, second, "session-1", KindAgent, "", "agent-1")
	if err != nil {
		t.Fatalf("connect second: %v", err)
	}
	if firstID == secondID {
		t.Fatal("connection ids must be unique")
	}
	if registry.SessionSize("session-1") != 2 {
		t.Fatalf("session size = %d, want 2", registry.SessionSize("session-1"))
	}

	lifecycle.mu.Lock()
	connected := append([]string(nil), lifecycle.connected...)
	lifecycle.mu.Unlock()
	if len(connected) != 1 || connected[0] != "agent-1" {
		t.Fatalf("agent lifecycle connected = %v, want [agent-1]", connected)
	}

	// The first member hears about the second's arrival; the second hears
	// nothing about itself.
	frames := first.sent()
	if len(frames) != 1 || frames[0].Type != wire.TypeConnectionJoined {
		t.Fatalf("first member frames = %+v, want one connection_joined", frames)
	}
	if len(second.sent()) != 0 {
		t.Fatalf("new member received %d frames, want 0", len(second.sent()))
	}
}

func TestSendFailureForcesDisconnect(t *testing.T) {
	registry, lifecycle := newTestRegistry(t, Options{})
	ctx := context.Background()

	transport := &fakeTransport{failWrites: true}
	id, err := registry.Connect(ctx, transport, "session-1", KindUser, "user-1", "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	if registry.Send(ctx, id, wire.NewFrame(wire.ChannelSystem, wire.TypePong, nil)) {
		t.Fatal("send to failing transport must report false")
	}
	if registry.Len() != 0 {
		t.Fatalf("connection survived send failure, len = %d", registry.Len())
	}
	if !transport.isClosed() {
		t.Fatal("transport not closed on forced disconnect")
	}

	lifecycle.mu.Lock()
	released := append([]string(nil), lifecycle.releasedLocks...)
	lifecycle.mu.Unlock()
	if len(released) != 1 || released[0] != "user-1" {
		t.Fatalf("released locks = %v, want [user-1]", released)
	}

	// Unknown id after cleanup.
	if registry.Send(ctx, id, wire.NewFrame(wire.ChannelSystem, wire.TypePong, nil)) {
		t.Fatal("send to removed connection must report false")
	}
}

func TestBroadcastToleratesMemberFailure(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	ctx := context.Background()

	healthy1 := &fakeTransport{}
	healthy2 := &fakeTransport{}
	failing := &fakeTransport{failWrites: true}
	id1, _ := registry.Connect(ctx, healthy1, "session-1", KindUser, "user-1", "")
	registry.Connect(ctx, healthy2, "session-1", KindUser, "user-2", "")
	registry.Connect(ctx, failing, "session-1", KindUser, "user-3", "")

	frame := wire.NewFrame(wire.ChannelConversation, wire.TypeAIMessage, wire.MessagePayload{Content: "hello"})
	registry.Broadcast(ctx, "session-1", frame, id1)

	if got := len(healthy2.sent()); got < 1 {
		t.Fatalf("healthy member missed broadcast, frames = %d", got)
	}
	if !failing.isClosed() {
		t.Fatal("failing member not disconnected")
	}
	// The excluded sender received joined notifications but not the broadcast.
	for _, f := range healthy1.sent() {
		if f.Type == wire.TypeAIMessage {
			t.Fatal("excluded connection received broadcast")
		}
	}
}

func TestDisconnectFlipsAgentState(t *testing.T) {
	registry, lifecycle := newTestRegistry(t, Options{})
	ctx := context.Background()

	transport := &fakeTransport{}
	id, err := registry.Connect(ctx, transport, "session-1", KindAgent, "", "agent-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	registry.Disconnect(ctx, id)

	lifecycle.mu.Lock()
	disconnected := append([]string(nil), lifecycle.disconnected...)
	lifecycle.mu.Unlock()
	if len(disconnected) != 1 || disconnected[0] != "agent-1" {
		t.Fatalf("agent lifecycle disconnected = %v, want [agent-1]", disconnected)
	}

	// Idempotent.
	registry.Disconnect(ctx, id)
}

func TestPauseQueueDrainsInOrder(t *testing.T) {
	registry, lifecycle := newTestRegistry(t, Options{})
	ctx := context.Background()

	transport := &fakeTransport{}
	if _, err := registry.Connect(ctx, transport, "session-1", KindAgent, "", "agent-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if known, err := registry.PauseAgent(ctx, "agent-1"); err != nil || !known {
		t.Fatalf("pause: known=%v err=%v", known, err)
	}
	lifecycle.mu.Lock()
	paused := lifecycle.paused["agent-1"]
	lifecycle.mu.Unlock()
	if !paused {
		t.Fatal("pause flag not propagated to shared state")
	}

	contents := []string{"first", "second", "third"}
	for _, content := range contents {
		ok, err := registry.SendToAgent(ctx, "agent-1", wire.NewFrame(wire.ChannelConversation, wire.TypeUserMessage, wire.MessagePayload{Content: content}))
		if err != nil || !ok {
			t.Fatalf("queue %q: ok=%v err=%v", content, ok, err)
		}
	}
	if got := len(transport.sent()); got != 0 {
		t.Fatalf("paused agent received %d frames directly", got)
	}

	if known, err := registry.ResumeAgent(ctx, "agent-1"); err != nil || !known {
		t.Fatalf("resume: known=%v err=%v", known, err)
	}

	frames := transport.sent()
	if len(frames) != len(contents) {
		t.Fatalf("drained %d frames, want %d", len(frames), len(contents))
	}
	for i, frame := range frames {
		var payload wire.MessagePayload
		if err := frame.DecodePayload(&payload); err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if payload.Content != contents[i] {
			t.Fatalf("frame %d content = %q, want %q", i, payload.Content, contents[i])
		}
	}

	// Post-resume sends go direct.
	ok, err := registry.SendToAgent(ctx, "agent-1", wire.NewFrame(wire.ChannelConversation, wire.TypeUserMessage, wire.MessagePayload{Content: "fourth"}))
	if err != nil || !ok {
		t.Fatalf("direct send after resume: ok=%v err=%v", ok, err)
	}
	if got := len(transport.sent()); got != len(contents)+1 {
		t.Fatalf("frames after resume = %d, want %d", got, len(contents)+1)
	}
}

func TestPauseQueueRejectsWhenFull(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{PauseQueueCap: 2})
	ctx := context.Background()

	transport := &fakeTransport{}
	if _, err := registry.Connect(ctx, transport, "session-1", KindAgent, "", "agent-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := registry.PauseAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	frame := wire.NewFrame(wire.ChannelConversation, wire.TypeUserMessage, nil)
	for i := range 2 {
		if ok, err := registry.SendToAgent(ctx, "agent-1", frame); err != nil || !ok {
			t.Fatalf("queue %d: ok=%v err=%v", i, ok, err)
		}
	}
	if _, err := registry.SendToAgent(ctx, "agent-1", frame); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestSendToAgentWithoutConnection(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	ok, err := registry.SendToAgent(context.Background(), "nobody", wire.NewFrame(wire.ChannelConversation, wire.TypeUserMessage, nil))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ok {
		t.Fatal("send to absent agent must report false")
	}
}

func TestHeartbeatFailureDisconnects(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{HeartbeatInterval: 10 * time.Millisecond})
	ctx := context.Background()

	transport := &fakeTransport{failPings: true}
	if _, err := registry.Connect(ctx, transport, "session-1", KindUser, "user-1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "heartbeat disconnect", func() bool { return registry.Len() == 0 })
}

func TestCloseAll(t *testing.T) {
	registry, _ := newTestRegistry(t, Options{})
	ctx := context.Background()
	for range 3 {
		if _, err := registry.Connect(ctx, &fakeTransport{}, "session-1", KindUser, "", ""); err != nil {
			t.Fatalf("connect: %v", err)
		}
	}
	registry.CloseAll(ctx)
	if registry.Len() != 0 {
		t.Fatalf("connections left after CloseAll: %d", registry.Len())
	}
}

func TestPauseResumePublishControlEvents(t *testing.T) {
	controlBus := event.NewBus[event.AgentControlEvent](context.Background(), event.BusOptions{Registry: &metrics.Registry{}})
	t.Cleanup(controlBus.Close)
	events, cancel := controlBus.Subscribe()
	t.Cleanup(cancel)

	registry, _ := newTestRegistry(t, Options{ControlBus: controlBus})
	transport := &fakeTransport{}
	if _, err := registry.Connect(context.Background(), transport, "s1", KindAgent, "", "agent-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if _, err := registry.PauseAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := registry.ResumeAgent(context.Background(), "agent-1"); err != nil {
		t.Fatalf("resume: %v", err)
	}

	want := []string{"agent_paused", "agent_resumed"}
	for _, expected := range want {
		select {
		case got := <-events:
			if got.EventType != expected || got.AgentID != "agent-1" {
				t.Fatalf("event = %+v, want %s for agent-1", got, expected)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", expected)
		}
	}
}

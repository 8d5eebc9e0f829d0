package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meathill/pvp-games/internal/engine"
	"github.com/meathill/pvp-games/internal/proto"
)

// stubChannel is an in-memory Channel for exercising the hybrid wiring.
type stubChannel struct {
	mu       sync.Mutex
	sent     []*proto.Envelope
	subs     subscribers
	down     bool
	disposed bool
}

func (s *stubChannel) Send(env *proto.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return ErrConnection
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *stubChannel) Subscribe(fn func(*proto.Envelope)) func() {
	return s.subs.add(fn)
}

func (s *stubChannel) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.down && !s.disposed
}

func (s *stubChannel) Dispose() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}

func (s *stubChannel) deliver(env *proto.Envelope) {
	s.subs.dispatch(env)
}

func (s *stubChannel) sentTypes() []proto.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]proto.Type, 0, len(s.sent))
	for _, env := range s.sent {
		types = append(types, env.Type)
	}
	return types
}

func (s *stubChannel) hasSent(typ proto.Type) bool {
	for _, sent := range s.sentTypes() {
		if sent == typ {
			return true
		}
	}
	return false
}

// stubListener hands out a pre-arranged direct channel.
type stubListener struct {
	candidates []string
	accepted   chan Channel
}

func (l *stubListener) Candidates() []string { return l.candidates }

func (l *stubListener) Accept(ctx context.Context) (Channel, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ch := <-l.accepted:
		return ch, nil
	}
}

func (l *stubListener) Close() error { return nil }

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

type hybridHarness struct {
	relay    *stubChannel
	direct   *stubChannel
	listener *stubListener
	signals  func(*proto.Envelope)
	hybrid   *Hybrid

	mu      sync.Mutex
	onClose func(error)
}

func newOffererHarness(t *testing.T, onError func(error)) *hybridHarness {
	t.Helper()
	h := &hybridHarness{
		relay:  &stubChannel{},
		direct: &stubChannel{},
	}
	h.listener = &stubListener{
		candidates: []string{"ws://10.0.0.5:4231/direct"},
		accepted:   make(chan Channel, 1),
	}

	hybrid, err := Connect(context.Background(), HybridConfig{
		Relay: RelayConfig{
			URL:  "ws://coordinator/ws",
			Room: "r1",
			Slot: engine.SlotFirst,
		},
		NegotiationTimeout: 250 * time.Millisecond,
		OnError:            onError,
		dialRelay: func(_ context.Context, rc RelayConfig) (Channel, error) {
			h.signals = rc.OnSignal
			return h.relay, nil
		},
		listenDirect: func(dc DirectConfig) (directListener, error) {
			h.mu.Lock()
			h.onClose = dc.OnClose
			h.mu.Unlock()
			return h.listener, nil
		},
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	h.hybrid = hybrid
	t.Cleanup(hybrid.Dispose)
	return h
}

func (h *hybridHarness) peersPresent() {
	h.signals(&proto.Envelope{Ver: proto.Version, Type: proto.TypePeersPresent})
}

func TestHybridPrefersDirectAfterNegotiation(t *testing.T) {
	h := newOffererHarness(t, nil)

	var received []*proto.Envelope
	var receivedMu sync.Mutex
	h.hybrid.Subscribe(func(env *proto.Envelope) {
		receivedMu.Lock()
		received = append(received, env)
		receivedMu.Unlock()
	})

	h.listener.accepted <- h.direct
	h.peersPresent()

	waitFor(t, func() bool { return h.relay.hasSent(proto.TypeDirectReady) }, "directReady on relay")
	if !h.relay.hasSent(proto.TypeOffer) {
		t.Fatalf("expected offer to ride the relay, sent %v", h.relay.sentTypes())
	}
	if got := h.hybrid.State(); got != StateDirectConnected {
		t.Fatalf("expected direct-connected state, got %s", got)
	}

	// Game sends go down the direct path only.
	h.hybrid.Send(proto.New(engine.SlotFirst, proto.TypeState))
	if !h.direct.hasSent(proto.TypeState) {
		t.Fatalf("expected state on direct channel, sent %v", h.direct.sentTypes())
	}
	if h.relay.hasSent(proto.TypeState) {
		t.Fatalf("state leaked onto the relay")
	}

	// Game frames still arriving via the relay are suppressed to avoid
	// duplicate delivery; direct frames flow through.
	h.relay.deliver(proto.New(engine.SlotSecond, proto.TypeInput))
	h.direct.deliver(proto.New(engine.SlotSecond, proto.TypeInput))
	receivedMu.Lock()
	count := len(received)
	receivedMu.Unlock()
	if count != 1 {
		t.Fatalf("expected exactly one delivered envelope, got %d", count)
	}
}

func TestHybridFallsBackToRelayWhenDirectBreaks(t *testing.T) {
	h := newOffererHarness(t, nil)
	h.listener.accepted <- h.direct
	h.peersPresent()
	waitFor(t, func() bool { return h.relay.hasSent(proto.TypeDirectReady) }, "direct establishment")

	var received int
	var receivedMu sync.Mutex
	h.hybrid.Subscribe(func(*proto.Envelope) {
		receivedMu.Lock()
		received++
		receivedMu.Unlock()
	})

	h.mu.Lock()
	onClose := h.onClose
	h.mu.Unlock()
	onClose(errors.New("connection reset"))

	if got := h.hybrid.State(); got != StateRelayConnected {
		t.Fatalf("expected relay-connected after fallback, got %s", got)
	}
	if !h.relay.hasSent(proto.TypeDirectFailed) {
		t.Fatalf("expected directFailed notice on relay, sent %v", h.relay.sentTypes())
	}

	h.hybrid.Send(proto.New(engine.SlotFirst, proto.TypeState))
	if !h.relay.hasSent(proto.TypeState) {
		t.Fatalf("expected sends to use the relay after fallback")
	}

	h.relay.deliver(proto.New(engine.SlotSecond, proto.TypeInput))
	receivedMu.Lock()
	count := received
	receivedMu.Unlock()
	if count != 1 {
		t.Fatalf("expected relay delivery to resume after fallback, got %d", count)
	}
}

func TestHybridPeerLeaveDetachesDirectChannel(t *testing.T) {
	h := newOffererHarness(t, nil)
	h.listener.accepted <- h.direct
	h.peersPresent()
	waitFor(t, func() bool { return h.relay.hasSent(proto.TypeDirectReady) }, "direct establishment")

	var received int
	var receivedMu sync.Mutex
	h.hybrid.Subscribe(func(*proto.Envelope) {
		receivedMu.Lock()
		received++
		receivedMu.Unlock()
	})

	h.signals(&proto.Envelope{Ver: proto.Version, Type: proto.TypeLeave})

	if got := h.hybrid.State(); got != StateSignaling {
		t.Fatalf("expected signaling state after the peer left, got %s", got)
	}

	// Nothing from the torn-down direct channel may reach subscribers.
	h.direct.deliver(proto.New(engine.SlotSecond, proto.TypeInput))
	receivedMu.Lock()
	count := received
	receivedMu.Unlock()
	if count != 0 {
		t.Fatalf("stale direct subscription still delivering, got %d envelopes", count)
	}

	// Relay game traffic flows again once the direct path is gone.
	h.relay.deliver(proto.New(engine.SlotSecond, proto.TypeInput))
	receivedMu.Lock()
	count = received
	receivedMu.Unlock()
	if count != 1 {
		t.Fatalf("expected relay delivery to resume, got %d", count)
	}
}

func TestHybridNegotiationTimeoutStaysOnRelay(t *testing.T) {
	var reported error
	var reportedMu sync.Mutex
	h := newOffererHarness(t, func(err error) {
		reportedMu.Lock()
		reported = err
		reportedMu.Unlock()
	})

	// Nobody ever connects to the listener, so the window must expire.
	h.peersPresent()

	waitFor(t, func() bool { return h.relay.hasSent(proto.TypeDirectFailed) }, "directFailed after timeout")
	waitFor(t, func() bool { return h.hybrid.State() == StateRelayConnected }, "relay-connected state")

	reportedMu.Lock()
	err := reported
	reportedMu.Unlock()
	if !errors.Is(err, ErrNegotiationTimeout) {
		t.Fatalf("expected ErrNegotiationTimeout, got %v", err)
	}

	h.hybrid.Send(proto.New(engine.SlotFirst, proto.TypeState))
	if !h.relay.hasSent(proto.TypeState) {
		t.Fatalf("expected relay to carry traffic after failed negotiation")
	}
}

func TestHybridAnswererDialsOfferedCandidates(t *testing.T) {
	relay := &stubChannel{}
	direct := &stubChannel{}
	var signals func(*proto.Envelope)
	var dialed []string
	var dialedMu sync.Mutex

	hybrid, err := Connect(context.Background(), HybridConfig{
		Relay: RelayConfig{
			URL:  "ws://coordinator/ws",
			Room: "r1",
			Slot: engine.SlotSecond,
		},
		NegotiationTimeout: 250 * time.Millisecond,
		dialRelay: func(_ context.Context, rc RelayConfig) (Channel, error) {
			signals = rc.OnSignal
			return relay, nil
		},
		dialDirect: func(_ context.Context, candidates []string, _ DirectConfig) (Channel, string, error) {
			dialedMu.Lock()
			dialed = candidates
			dialedMu.Unlock()
			return direct, candidates[0], nil
		},
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer hybrid.Dispose()

	signals(&proto.Envelope{
		Ver:    proto.Version,
		From:   engine.SlotFirst,
		Type:   proto.TypeOffer,
		Signal: &proto.SignalPayload{Candidates: []string{"ws://10.0.0.5:4231/direct"}},
	})

	waitFor(t, func() bool { return relay.hasSent(proto.TypeDirectReady) }, "directReady on relay")
	if !relay.hasSent(proto.TypeAnswer) {
		t.Fatalf("expected answer on relay, sent %v", relay.sentTypes())
	}
	dialedMu.Lock()
	got := append([]string(nil), dialed...)
	dialedMu.Unlock()
	if len(got) != 1 || got[0] != "ws://10.0.0.5:4231/direct" {
		t.Fatalf("unexpected dialed candidates %v", got)
	}
	if hybrid.State() != StateDirectConnected {
		t.Fatalf("expected direct-connected, got %s", hybrid.State())
	}
}

func TestHybridRelayFlapTransitions(t *testing.T) {
	var states []ConnState
	var statesMu sync.Mutex
	relay := &stubChannel{}

	hybrid, err := Connect(context.Background(), HybridConfig{
		Relay: RelayConfig{URL: "ws://coordinator/ws", Room: "r1", Slot: engine.SlotFirst},
		OnState: func(state ConnState) {
			statesMu.Lock()
			states = append(states, state)
			statesMu.Unlock()
		},
		dialRelay: func(_ context.Context, rc RelayConfig) (Channel, error) {
			return relay, nil
		},
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer hybrid.Dispose()

	hybrid.handleRelayDown()
	if got := hybrid.State(); got != StateRelayConnecting {
		t.Fatalf("expected relay-connecting during reconnect, got %s", got)
	}
	hybrid.handleRelayUp()
	if got := hybrid.State(); got != StateRelayConnected {
		t.Fatalf("expected relay-connected after reconnect, got %s", got)
	}

	statesMu.Lock()
	defer statesMu.Unlock()
	want := []ConnState{StateConnecting, StateSignaling, StateRelayConnecting, StateRelayConnected}
	if len(states) != len(want) {
		t.Fatalf("unexpected state transitions %v", states)
	}
	for i, state := range want {
		if states[i] != state {
			t.Fatalf("expected transition %d to be %s, got %v", i, state, states)
		}
	}
}

func TestHybridSendAfterDisposeFails(t *testing.T) {
	relay := &stubChannel{}
	hybrid, err := Connect(context.Background(), HybridConfig{
		Relay: RelayConfig{URL: "ws://coordinator/ws", Room: "r1", Slot: engine.SlotFirst},
		dialRelay: func(_ context.Context, rc RelayConfig) (Channel, error) {
			return relay, nil
		},
	})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	hybrid.Dispose()
	hybrid.Dispose()
	if err := hybrid.Send(proto.New(engine.SlotFirst, proto.TypePing)); !errors.Is(err, ErrDisposed) {
		t.Fatalf("expected ErrDisposed, got %v", err)
	}
}

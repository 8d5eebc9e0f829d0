package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/meathill/pvp-games/internal/engine"
	"github.com/meathill/pvp-games/internal/proto"
	"github.com/meathill/pvp-games/internal/telemetry"
)

const (
	defaultNegotiationTimeout = 5 * time.Second

	hybridFallbackMetric   = "transport_hybrid_fallbacks_total"
	hybridSuppressedMetric = "transport_hybrid_relay_suppressed_total"
	hybridDirectUpMetric   = "transport_hybrid_direct_established_total"
)

// HybridConfig configures a hybrid transport session.
type HybridConfig struct {
	Relay RelayConfig

	// NegotiationTimeout bounds how long the direct channel may take to open
	// once both peers are present. Zero means 5 seconds.
	NegotiationTimeout time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	// OnError receives ErrNegotiationTimeout (session continues on relay) and
	// ErrReconnectExhausted (terminal).
	OnError func(error)
	// OnState observes connection state transitions.
	OnState func(ConnState)

	// Test seams; production code leaves these nil.
	dialRelay    func(context.Context, RelayConfig) (Channel, error)
	listenDirect func(DirectConfig) (directListener, error)
	dialDirect   func(context.Context, []string, DirectConfig) (Channel, string, error)
}

type directListener interface {
	Candidates() []string
	Accept(context.Context) (Channel, error)
	Close() error
}

// Hybrid composes the relayed and direct channels. It opens the relay first
// (the only way peers can find each other), negotiates a direct channel once
// both peers are present, prefers it when open, and falls back to the relay
// when it breaks. While the direct channel is up, game traffic arriving over
// the relay is suppressed so no logical send is delivered twice.
type Hybrid struct {
	cfg   HybridConfig
	relay Channel

	mu        sync.Mutex
	state     ConnState
	direct    Channel
	listener  directListener
	directUp  bool
	disposed  bool
	negCancel context.CancelFunc

	directUnsub func()
	relayUnsub  func()

	subs subscribers
}

// Connect dials the relay and returns a live hybrid transport. Direct
// negotiation starts on its own once the coordinator reports both peers
// present.
func Connect(ctx context.Context, cfg HybridConfig) (*Hybrid, error) {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = defaultNegotiationTimeout
	}
	if cfg.dialRelay == nil {
		cfg.dialRelay = func(ctx context.Context, rc RelayConfig) (Channel, error) {
			return DialRelay(ctx, rc)
		}
	}
	if cfg.listenDirect == nil {
		cfg.listenDirect = func(dc DirectConfig) (directListener, error) {
			l, err := ListenDirect(dc)
			if err != nil {
				return nil, err
			}
			return realListener{l}, nil
		}
	}
	if cfg.dialDirect == nil {
		cfg.dialDirect = func(ctx context.Context, candidates []string, dc DirectConfig) (Channel, string, error) {
			return DialDirect(ctx, candidates, dc)
		}
	}

	h := &Hybrid{cfg: cfg, state: StateConnecting}
	h.notifyState(StateConnecting)

	relayCfg := cfg.Relay
	relayCfg.Logger = cfg.Logger
	relayCfg.Metrics = cfg.Metrics
	relayCfg.OnSignal = h.handleSignal
	relayCfg.OnError = h.handleRelayFatal
	relayCfg.OnDown = h.handleRelayDown
	relayCfg.OnUp = h.handleRelayUp

	relay, err := cfg.dialRelay(ctx, relayCfg)
	if err != nil {
		h.setState(StateFailed)
		return nil, err
	}
	h.relay = relay
	h.relayUnsub = relay.Subscribe(h.handleRelayGame)
	h.setState(StateSignaling)
	return h, nil
}

type realListener struct {
	l *DirectListener
}

func (r realListener) Candidates() []string { return r.l.Candidates() }
func (r realListener) Close() error         { return r.l.Close() }
func (r realListener) Accept(ctx context.Context) (Channel, error) {
	return r.l.Accept(ctx)
}

// Send routes the envelope to the preferred path: direct when established,
// relay otherwise. A failed direct write falls back to the relay without
// losing the envelope.
func (h *Hybrid) Send(env *proto.Envelope) error {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return ErrDisposed
	}
	direct := h.direct
	useDirect := h.directUp && direct != nil && direct.Ready()
	h.mu.Unlock()

	if useDirect {
		if err := direct.Send(env); err != nil {
			h.fallback(err)
			return h.relay.Send(env)
		}
		return nil
	}
	return h.relay.Send(env)
}

// Subscribe registers a listener for game envelopes from whichever path is
// currently authoritative.
func (h *Hybrid) Subscribe(fn func(*proto.Envelope)) func() {
	return h.subs.add(fn)
}

// Ready reports whether any path can carry traffic.
func (h *Hybrid) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return false
	}
	if h.directUp && h.direct != nil && h.direct.Ready() {
		return true
	}
	return h.relay != nil && h.relay.Ready()
}

// State returns the current connection state.
func (h *Hybrid) State() ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Dispose tears down both paths. Idempotent, safe mid-negotiation.
func (h *Hybrid) Dispose() {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.disposed = true
	if h.negCancel != nil {
		h.negCancel()
		h.negCancel = nil
	}
	listener := h.listener
	direct := h.direct
	h.listener = nil
	h.direct = nil
	h.directUp = false
	h.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	if direct != nil {
		direct.Dispose()
	}
	if h.relayUnsub != nil {
		h.relayUnsub()
	}
	if h.relay != nil {
		h.relay.Dispose()
	}
	h.setState(StateDisconnected)
}

func (h *Hybrid) slot() engine.Slot {
	return h.cfg.Relay.Slot
}

func (h *Hybrid) handleRelayGame(env *proto.Envelope) {
	h.mu.Lock()
	suppressed := h.directUp
	h.mu.Unlock()
	if suppressed {
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.Add(hybridSuppressedMetric, 1)
		}
		return
	}
	h.subs.dispatch(env)
}

func (h *Hybrid) handleDirectGame(env *proto.Envelope) {
	h.subs.dispatch(env)
}

func (h *Hybrid) handleSignal(env *proto.Envelope) {
	switch env.Type {
	case proto.TypePeersPresent:
		var assist *proto.AssistConfig
		if env.Room != nil {
			assist = env.Room.Assist
		}
		if h.slot() == engine.SlotFirst {
			go h.negotiateAsOfferer(assist)
		}
	case proto.TypeOffer:
		if env.Signal == nil || h.slot() == engine.SlotFirst {
			return
		}
		go h.negotiateAsAnswerer(env.Signal.Candidates)
	case proto.TypeAnswer:
		if env.Signal != nil {
			h.cfg.Logger.Printf("direct answer via candidate %s", env.Signal.Candidate)
		}
	case proto.TypeICECandidate:
		// Late candidates only matter while the answerer is still dialing;
		// the bounded negotiation window makes retry loops not worth it.
	case proto.TypeDirectFailed:
		h.abortNegotiation()
	case proto.TypeLeave:
		h.peerLeft()
	case proto.TypeDirectReady, proto.TypeJoined:
		// Informational.
	}
}

func (h *Hybrid) directConfig(assist *proto.AssistConfig) DirectConfig {
	dc := DirectConfig{
		Logger:  h.cfg.Logger,
		Metrics: h.cfg.Metrics,
		OnClose: h.fallback,
	}
	if assist != nil {
		dc.AdvertiseHost = assist.DirectHost
	}
	return dc
}

func (h *Hybrid) negotiationContext() (context.Context, context.CancelFunc, bool) {
	h.mu.Lock()
	if h.disposed || h.directUp || h.negCancel != nil {
		h.mu.Unlock()
		return nil, nil, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.NegotiationTimeout)
	h.negCancel = cancel
	h.state = StateDirectConnecting
	h.mu.Unlock()
	h.notifyState(StateDirectConnecting)
	return ctx, cancel, true
}

func (h *Hybrid) negotiateAsOfferer(assist *proto.AssistConfig) {
	ctx, cancel, ok := h.negotiationContext()
	if !ok {
		return
	}
	defer cancel()

	listener, err := h.cfg.listenDirect(h.directConfig(assist))
	if err != nil {
		h.failNegotiation(err)
		return
	}
	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	offer := proto.New(h.slot(), proto.TypeOffer)
	offer.Signal = &proto.SignalPayload{Candidates: listener.Candidates()}
	h.relay.Send(offer)

	direct, err := listener.Accept(ctx)
	listener.Close()
	h.mu.Lock()
	h.listener = nil
	h.mu.Unlock()
	if err != nil {
		h.failNegotiation(ErrNegotiationTimeout)
		return
	}
	h.adoptDirect(direct)
}

func (h *Hybrid) negotiateAsAnswerer(candidates []string) {
	ctx, cancel, ok := h.negotiationContext()
	if !ok {
		return
	}
	defer cancel()

	direct, candidate, err := h.cfg.dialDirect(ctx, candidates, h.directConfig(nil))
	if err != nil {
		if errors.Is(err, ErrNegotiationTimeout) {
			h.failNegotiation(ErrNegotiationTimeout)
		} else {
			h.failNegotiation(err)
		}
		return
	}
	answer := proto.New(h.slot(), proto.TypeAnswer)
	answer.Signal = &proto.SignalPayload{Candidate: candidate}
	h.relay.Send(answer)
	h.adoptDirect(direct)
}

func (h *Hybrid) adoptDirect(direct Channel) {
	h.mu.Lock()
	if h.disposed || h.directUp {
		h.mu.Unlock()
		direct.Dispose()
		return
	}
	h.direct = direct
	h.directUp = true
	h.negCancel = nil
	h.directUnsub = direct.Subscribe(h.handleDirectGame)
	h.state = StateDirectConnected
	h.mu.Unlock()

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.Add(hybridDirectUpMetric, 1)
	}
	h.relay.Send(proto.New(h.slot(), proto.TypeDirectReady))
	h.notifyState(StateDirectConnected)
	h.cfg.Logger.Printf("direct channel established, relay on standby")
}

func (h *Hybrid) failNegotiation(err error) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return
	}
	h.negCancel = nil
	h.state = StateRelayConnected
	h.mu.Unlock()

	failed := proto.New(h.slot(), proto.TypeDirectFailed)
	failed.Signal = &proto.SignalPayload{Reason: err.Error()}
	h.relay.Send(failed)
	h.notifyState(StateRelayConnected)
	h.cfg.Logger.Printf("direct negotiation failed, staying on relay: %v", err)
	if errors.Is(err, ErrNegotiationTimeout) && h.cfg.OnError != nil {
		h.cfg.OnError(ErrNegotiationTimeout)
	}
}

func (h *Hybrid) abortNegotiation() {
	h.mu.Lock()
	cancel := h.negCancel
	h.negCancel = nil
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// fallback demotes the session onto the relay after a direct channel breaks.
// Buffered and future sends are redirected; the logical session survives.
func (h *Hybrid) fallback(err error) {
	h.mu.Lock()
	if h.disposed || !h.directUp {
		h.mu.Unlock()
		return
	}
	h.directUp = false
	direct := h.direct
	h.direct = nil
	unsub := h.directUnsub
	h.directUnsub = nil
	h.state = StateRelayConnected
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if direct != nil {
		direct.Dispose()
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.Add(hybridFallbackMetric, 1)
	}
	h.relay.Send(proto.New(h.slot(), proto.TypeDirectFailed))
	h.notifyState(StateRelayConnected)
	h.cfg.Logger.Printf("direct channel lost, falling back to relay: %v", err)
}

func (h *Hybrid) peerLeft() {
	h.mu.Lock()
	wasUp := h.directUp
	h.directUp = false
	direct := h.direct
	h.direct = nil
	unsub := h.directUnsub
	h.directUnsub = nil
	h.state = StateSignaling
	h.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if direct != nil {
		direct.Dispose()
	}
	if wasUp && h.cfg.Metrics != nil {
		h.cfg.Metrics.Add(hybridFallbackMetric, 1)
	}
	h.notifyState(StateSignaling)
	h.cfg.Logger.Printf("peer left, awaiting rejoin")
}

func (h *Hybrid) handleRelayDown() {
	h.mu.Lock()
	demote := !h.directUp && !h.disposed
	if demote {
		h.state = StateRelayConnecting
	}
	h.mu.Unlock()
	if demote {
		h.notifyState(StateRelayConnecting)
	}
}

func (h *Hybrid) handleRelayUp() {
	h.mu.Lock()
	promote := !h.directUp && !h.disposed
	if promote {
		h.state = StateRelayConnected
	}
	h.mu.Unlock()
	if promote {
		h.notifyState(StateRelayConnected)
	}
}

func (h *Hybrid) handleRelayFatal(err error) {
	h.setState(StateFailed)
	if h.cfg.OnError != nil {
		h.cfg.OnError(err)
	}
}

func (h *Hybrid) setState(state ConnState) {
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
	h.notifyState(state)
}

func (h *Hybrid) notifyState(state ConnState) {
	if h.cfg.OnState != nil {
		h.cfg.OnState(state)
	}
}

var _ Channel = (*Hybrid)(nil)

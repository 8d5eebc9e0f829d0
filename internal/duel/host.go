// Package duel implements the authority protocol that synchronizes one
// authoritative peer (the Host, which owns the simulation engine) with one
// observing peer (the Client, which mirrors broadcast state).
package duel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meathill/pvp-games/internal/engine"
	"github.com/meathill/pvp-games/internal/logging"
	"github.com/meathill/pvp-games/internal/proto"
	"github.com/meathill/pvp-games/internal/telemetry"
	"github.com/meathill/pvp-games/internal/transport"
)

// HostConfig wires a Host to its engine and transport.
type HostConfig struct {
	Engine  *engine.Engine
	Channel transport.Channel

	// Slot is the host's own actor slot. Defaults to first.
	Slot engine.Slot

	// InputCapacity bounds the buffered client inputs. Defaults to 8; the
	// oldest pending input is evicted on overflow.
	InputCapacity int

	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Publisher logging.Publisher
	Clock     logging.Clock
	// OnError receives non-fatal protocol faults (malformed payloads).
	OnError func(error)
}

// Host drives the only live engine in a session. It applies at most one
// buffered client input per tick, ticks the engine, and broadcasts the
// resulting snapshot. Losing the transport pauses broadcasting only; the
// engine keeps ticking and a sync-request catches the client back up.
type Host struct {
	cfg    HostConfig
	inputs *inputRing
	unsub  func()

	mu      sync.Mutex
	started bool
}

// NewHost constructs a host and attaches it to the channel.
func NewHost(cfg HostConfig) *Host {
	if cfg.Slot == "" {
		cfg.Slot = engine.SlotFirst
	}
	if cfg.InputCapacity <= 0 {
		cfg.InputCapacity = defaultInputCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	h := &Host{
		cfg:    cfg,
		inputs: newInputRing(cfg.InputCapacity, cfg.Metrics),
	}
	h.unsub = cfg.Channel.Subscribe(h.handle)
	return h
}

// Ready marks the host's own actor ready and starts the duel if the client
// already signalled readiness.
func (h *Host) Ready() {
	h.mu.Lock()
	h.cfg.Engine.Ready(h.cfg.Slot)
	start := h.maybeStartLocked()
	h.mu.Unlock()
	if start {
		h.broadcast(h.snapshot())
	}
}

// QueueIntent stages a heading change for the host's own actor.
func (h *Host) QueueIntent(dir engine.Direction) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.Engine.QueueIntent(h.cfg.Slot, dir)
}

// Step applies at most one buffered client input, advances the engine one
// tick, and broadcasts the result. Tests call it directly; production uses
// Run.
func (h *Host) Step(now time.Time) engine.State {
	h.mu.Lock()
	if in, ok := h.inputs.PopOne(); ok {
		h.cfg.Engine.QueueIntent(h.clientSlot(), in.Direction)
	}
	state := h.cfg.Engine.Tick()
	h.mu.Unlock()

	if state.Status == engine.StatusRunning || state.Status == engine.StatusFinished {
		h.broadcast(state)
	}
	if state.Status == engine.StatusFinished && state.Winner != nil {
		h.cfg.Publisher.Publish(context.Background(), logging.Event{
			Type:     "duel_finished",
			Severity: logging.SeverityInfo,
			Category: logging.CategorySimulation,
			Slot:     string(*state.Winner),
			Tick:     state.Tick,
		})
	}
	return state
}

// Run drives the tick loop at the engine's configured period until the stop
// channel closes. Ticks never overlap; each broadcast completes before the
// next tick fires.
func (h *Host) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(h.cfg.Engine.Config().TickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			state := h.Step(now)
			if state.Status == engine.StatusFinished {
				return
			}
		}
	}
}

// Close detaches the host from its channel.
func (h *Host) Close() {
	if h.unsub != nil {
		h.unsub()
		h.unsub = nil
	}
}

// Snapshot exposes the current authoritative state.
func (h *Host) Snapshot() engine.State {
	return h.snapshot()
}

func (h *Host) snapshot() engine.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.Engine.Snapshot()
}

func (h *Host) clientSlot() engine.Slot {
	return h.cfg.Slot.Other()
}

func (h *Host) handle(env *proto.Envelope) {
	switch env.Type {
	case proto.TypeReady:
		if env.From != h.clientSlot() {
			h.reportProtocol(fmt.Sprintf("ready from unexpected slot %q", env.From))
			return
		}
		h.mu.Lock()
		h.cfg.Engine.Ready(env.From)
		start := h.maybeStartLocked()
		h.mu.Unlock()
		if start {
			h.broadcast(h.snapshot())
		}
	case proto.TypeInput:
		if env.Input == nil {
			h.reportProtocol("input envelope without payload")
			return
		}
		if env.From != h.clientSlot() {
			h.reportProtocol(fmt.Sprintf("input from unexpected slot %q", env.From))
			return
		}
		dir, ok := engine.ParseDirection(string(env.Input.Direction))
		if !ok {
			h.reportProtocol(fmt.Sprintf("input with invalid direction %q", env.Input.Direction))
			return
		}
		if h.inputs.Push(intent{Direction: dir, Seq: env.Input.Seq}) {
			h.cfg.Logger.Printf("input buffer full, evicted oldest (client seq %d arrived)", env.Input.Seq)
		}
	case proto.TypeSyncRequest:
		h.broadcast(h.snapshot())
	case proto.TypePing:
		if env.Ping == nil {
			h.reportProtocol("ping envelope without payload")
			return
		}
		pong := proto.New(h.cfg.Slot, proto.TypePong)
		pong.Pong = &proto.PongPayload{
			Echo:       env.Ping.At,
			ServerTime: h.cfg.Clock.Now().UnixMilli(),
		}
		h.cfg.Channel.Send(pong)
	case proto.TypePong, proto.TypeState:
		// A host never consumes these; a confused peer is not fatal.
	default:
		h.reportProtocol(fmt.Sprintf("unexpected envelope type %q", env.Type))
	}
}

func (h *Host) maybeStartLocked() bool {
	if h.started || !h.cfg.Engine.BothReady() {
		return false
	}
	h.cfg.Engine.Start()
	h.started = true
	h.cfg.Publisher.Publish(context.Background(), logging.Event{
		Type:     "duel_started",
		Severity: logging.SeverityInfo,
		Category: logging.CategorySimulation,
	})
	return true
}

// broadcast sends a state snapshot. While the transport is down the frame is
// skipped rather than buffered: the next tick supersedes it anyway, and a
// reconnecting client re-syncs explicitly.
func (h *Host) broadcast(state engine.State) {
	if !h.cfg.Channel.Ready() {
		return
	}
	env := proto.New(h.cfg.Slot, proto.TypeState)
	env.State = &proto.StatePayload{
		Snapshot:   state,
		TickSeq:    state.Tick,
		ServerTime: h.cfg.Clock.Now().UnixMilli(),
	}
	if err := h.cfg.Channel.Send(env); err != nil {
		h.cfg.Logger.Printf("state broadcast failed: %v", err)
	}
}

func (h *Host) reportProtocol(detail string) {
	err := fmt.Errorf("%w: %s", proto.ErrProtocol, detail)
	h.cfg.Logger.Printf("host: %v", err)
	if h.cfg.OnError != nil {
		h.cfg.OnError(err)
	}
}

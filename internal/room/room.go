// Package room implements the per-session coordinator actor that pairs
// exactly two peers, relays signaling between them, forwards game traffic
// while no direct channel exists, and owns room lifecycle.
package room

import (
	"context"
	"time"

	"github.com/meathill/pvp-games/internal/engine"
	"github.com/meathill/pvp-games/internal/logging"
	"github.com/meathill/pvp-games/internal/proto"
	"github.com/meathill/pvp-games/internal/telemetry"
)

// Conn is one peer's live connection handle. The coordinator never persists
// these; the transport layer re-attaches them on reconnect.
type Conn interface {
	Send(env *proto.Envelope) error
	Close(code int, reason string) error
}

// Config describes one room.
type Config struct {
	ID     string
	Store  Store
	Assist *proto.AssistConfig

	Logger    telemetry.Logger
	Publisher logging.Publisher
	Clock     logging.Clock
}

type joinEvent struct {
	slot  engine.Slot
	conn  Conn
	reply chan error
}

type frameEvent struct {
	from engine.Slot
	env  *proto.Envelope
}

type leaveEvent struct {
	slot engine.Slot
	conn Conn
}

type queryEvent struct {
	reply chan Record
}

// Room is a single-threaded actor: one goroutine consumes inbound events to
// completion, so its state needs no locking. All durable state is written
// through the Store on every mutating event, which lets the room survive
// suspension by its host environment.
type Room struct {
	cfg    Config
	events chan any
	done   chan struct{}

	// Owned exclusively by the run goroutine.
	conns       [2]Conn
	directReady [2]bool
	established bool
	created     time.Time
	lastActive  time.Time
}

// New constructs a room, restoring its creation time from the store when a
// record exists (the actor may have been suspended and resumed).
func New(cfg Config) *Room {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	now := cfg.Clock.Now()
	r := &Room{
		cfg:        cfg,
		events:     make(chan any, 32),
		done:       make(chan struct{}),
		created:    now,
		lastActive: now,
	}
	if cfg.Store != nil {
		if record, ok, err := cfg.Store.Load(context.Background(), cfg.ID); err == nil && ok {
			// Occupancy and the established flag never survive resumption:
			// live handles are gone until peers reconnect.
			r.created = record.CreatedAt
		}
	}
	go r.run()
	return r
}

// Join claims a slot for the given connection. A second occupant of the same
// slot is rejected with ErrSlotTaken.
func (r *Room) Join(slot engine.Slot, conn Conn) error {
	reply := make(chan error, 1)
	select {
	case r.events <- joinEvent{slot: slot, conn: conn, reply: reply}:
		return <-reply
	case <-r.done:
		return ErrSlotTaken
	}
}

// Deliver routes one inbound envelope from a peer into the actor.
func (r *Room) Deliver(from engine.Slot, env *proto.Envelope) {
	select {
	case r.events <- frameEvent{from: from, env: env}:
	case <-r.done:
	}
}

// Leave vacates a slot. The conn is matched so a stale disconnect cannot
// evict a peer that already reconnected on the same slot.
func (r *Room) Leave(slot engine.Slot, conn Conn) {
	select {
	case r.events <- leaveEvent{slot: slot, conn: conn}:
	case <-r.done:
	}
}

// Snapshot reports current occupancy for the HTTP query surface and the
// idle sweeper.
func (r *Room) Snapshot() Record {
	reply := make(chan Record, 1)
	select {
	case r.events <- queryEvent{reply: reply}:
		return <-reply
	case <-r.done:
		return Record{ID: r.cfg.ID}
	}
}

// Close drains the actor and closes any remaining connections. Idempotent.
func (r *Room) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *Room) run() {
	for {
		select {
		case <-r.done:
			for _, conn := range r.conns {
				if conn != nil {
					conn.Close(proto.CloseNormal, "room closed")
				}
			}
			return
		case ev := <-r.events:
			switch ev := ev.(type) {
			case joinEvent:
				ev.reply <- r.handleJoin(ev.slot, ev.conn)
			case frameEvent:
				r.handleFrame(ev.from, ev.env)
			case leaveEvent:
				r.handleLeave(ev.slot, ev.conn)
			case queryEvent:
				ev.reply <- r.record()
			}
		}
	}
}

func (r *Room) handleJoin(slot engine.Slot, conn Conn) error {
	idx := slotIndex(slot)
	if r.conns[idx] != nil {
		return ErrSlotTaken
	}
	r.conns[idx] = conn
	r.touch()
	r.persist()

	joined := proto.New("", proto.TypeJoined)
	joined.Room = &proto.RoomPayload{Slot: slot}
	r.send(slot, joined)

	r.publish("peer_joined", logging.SeverityInfo, string(slot))

	if r.conns[0] != nil && r.conns[1] != nil {
		present := proto.New("", proto.TypePeersPresent)
		present.Room = &proto.RoomPayload{Assist: r.cfg.Assist}
		r.send(engine.SlotFirst, present)
		r.send(engine.SlotSecond, present)
	}
	return nil
}

func (r *Room) handleFrame(from engine.Slot, env *proto.Envelope) {
	r.touch()
	if env.Type.IsSignal() {
		r.handleSignal(from, env)
		r.persist()
		return
	}
	// Opaque game payloads are relayed only while no direct channel is
	// established for both occupants.
	if r.established {
		return
	}
	r.send(from.Other(), env)
}

// handleSignal forwards negotiation messages verbatim, tracking only the
// direct-ready handshake needed to flip the established flag.
func (r *Room) handleSignal(from engine.Slot, env *proto.Envelope) {
	switch env.Type {
	case proto.TypeDirectReady:
		r.directReady[slotIndex(from)] = true
		if r.directReady[0] && r.directReady[1] && !r.established {
			r.established = true
			r.publish("direct_established", logging.SeverityInfo, "")
		}
	case proto.TypeDirectFailed:
		// A failed or collapsed direct channel puts game traffic back on the
		// relay, so the flag must clear here as well as on disconnect.
		r.directReady[0], r.directReady[1] = false, false
		if r.established {
			r.established = false
			r.publish("direct_lost", logging.SeverityWarn, string(from))
		}
	}
	r.send(from.Other(), env)
}

func (r *Room) handleLeave(slot engine.Slot, conn Conn) {
	idx := slotIndex(slot)
	if r.conns[idx] == nil || (conn != nil && r.conns[idx] != conn) {
		return
	}
	r.conns[idx] = nil
	r.directReady[0], r.directReady[1] = false, false
	r.established = false
	r.touch()
	r.persist()

	leave := proto.New("", proto.TypeLeave)
	leave.Room = &proto.RoomPayload{Slot: slot}
	r.send(slot.Other(), leave)
	r.publish("peer_left", logging.SeverityInfo, string(slot))
}

func (r *Room) send(to engine.Slot, env *proto.Envelope) {
	conn := r.conns[slotIndex(to)]
	if conn == nil {
		return
	}
	if err := conn.Send(env); err != nil {
		r.cfg.Logger.Printf("room %s: send to %s failed, dropping peer: %v", r.cfg.ID, to, err)
		r.handleLeave(to, conn)
	}
}

func (r *Room) record() Record {
	return Record{
		ID:             r.cfg.ID,
		FirstOccupied:  r.conns[0] != nil,
		SecondOccupied: r.conns[1] != nil,
		Established:    r.established,
		CreatedAt:      r.created,
		LastActive:     r.lastActive,
	}
}

func (r *Room) touch() {
	r.lastActive = r.cfg.Clock.Now()
}

func (r *Room) persist() {
	if r.cfg.Store == nil {
		return
	}
	if err := r.cfg.Store.Save(context.Background(), r.record()); err != nil {
		r.cfg.Logger.Printf("room %s: persist failed: %v", r.cfg.ID, err)
	}
}

func (r *Room) publish(eventType logging.EventType, severity logging.Severity, slot string) {
	r.cfg.Publisher.Publish(context.Background(), logging.Event{
		Type:     eventType,
		Severity: severity,
		Category: logging.CategoryRoom,
		Room:     r.cfg.ID,
		Slot:     slot,
	})
}

func slotIndex(slot engine.Slot) int {
	if slot == engine.SlotSecond {
		return 1
	}
	return 0
}

// Package proto defines the JSON envelopes exchanged between peers and the
// room coordinator. Envelopes are immutable once created; they are the unit
// of transport for both game traffic and direct-channel signaling.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/meathill/pvp-games/internal/engine"
)

// Version tracks the wire-protocol revision expected by peers.
const Version = 1

// ErrProtocol marks malformed or version-mismatched payloads. Such frames
// are dropped and reported, never fatal to a session.
var ErrProtocol = errors.New("protocol error")

// Type identifies an envelope payload variant.
type Type string

// Game message types.
const (
	TypeReady       Type = "ready"
	TypeInput       Type = "input"
	TypeState       Type = "state"
	TypeSyncRequest Type = "syncRequest"
	TypePing        Type = "ping"
	TypePong        Type = "pong"
)

// Coordinator and signaling message types. These never ride the direct
// channel; they bootstrap and supervise it.
const (
	TypeJoined       Type = "joined"
	TypePeersPresent Type = "peersPresent"
	TypeLeave        Type = "leave"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "iceCandidate"
	TypeDirectReady  Type = "directReady"
	TypeDirectFailed Type = "directFailed"
)

// IsSignal reports whether the type belongs to the coordinator/signaling
// plane rather than the game plane.
func (t Type) IsSignal() bool {
	switch t {
	case TypeJoined, TypePeersPresent, TypeLeave, TypeOffer, TypeAnswer,
		TypeICECandidate, TypeDirectReady, TypeDirectFailed:
		return true
	default:
		return false
	}
}

// IsGame reports whether the type carries authoritative game traffic.
func (t Type) IsGame() bool {
	switch t {
	case TypeReady, TypeInput, TypeState, TypeSyncRequest, TypePing, TypePong:
		return true
	default:
		return false
	}
}

// InputPayload carries one directional intent from the client. Seq is a
// client-local monotonically increasing counter used for diagnostics only;
// the host processes inputs in arrival order.
type InputPayload struct {
	Direction engine.Direction `json:"direction"`
	Seq       uint64           `json:"seq"`
}

// StatePayload carries a full authoritative snapshot.
type StatePayload struct {
	Snapshot   engine.State `json:"snapshot"`
	TickSeq    uint64       `json:"tickSeq"`
	ServerTime int64        `json:"serverTime"`
}

// PingPayload carries the sender's clock reading.
type PingPayload struct {
	At int64 `json:"at"`
}

// PongPayload echoes a ping timestamp alongside the responder's clock.
type PongPayload struct {
	Echo       int64 `json:"echo"`
	ServerTime int64 `json:"serverTime"`
}

// RoomPayload carries coordinator lifecycle details for joined, peersPresent
// and leave envelopes.
type RoomPayload struct {
	Slot   engine.Slot   `json:"slot,omitempty"`
	Assist *AssistConfig `json:"assist,omitempty"`
}

// AssistConfig is the relay-assist configuration handed to both peers when a
// room fills up, hinting how the direct channel should be negotiated.
type AssistConfig struct {
	DirectHost string   `json:"directHost,omitempty"`
	PortMin    int      `json:"portMin,omitempty"`
	PortMax    int      `json:"portMax,omitempty"`
	Relays     []string `json:"relays,omitempty"`
}

// SignalPayload carries direct-channel negotiation data. Offer candidates
// are dialable URLs; the answer names the candidate that connected.
type SignalPayload struct {
	Candidates []string `json:"candidates,omitempty"`
	Candidate  string   `json:"candidate,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// Envelope is the sender-tagged, timestamped wrapper around every wire
// message. Exactly one payload pointer is set, matching Type.
type Envelope struct {
	Ver    int           `json:"ver"`
	From   engine.Slot   `json:"from,omitempty"`
	Type   Type          `json:"type"`
	At     int64         `json:"at"`
	Input  *InputPayload `json:"input,omitempty"`
	State  *StatePayload `json:"state,omitempty"`
	Ping   *PingPayload  `json:"ping,omitempty"`
	Pong   *PongPayload  `json:"pong,omitempty"`
	Room   *RoomPayload  `json:"room,omitempty"`
	Signal *SignalPayload `json:"signal,omitempty"`
}

// New constructs an envelope stamped with the current protocol version and
// wall-clock time.
func New(from engine.Slot, t Type) *Envelope {
	return &Envelope{
		Ver:  Version,
		From: from,
		Type: t,
		At:   time.Now().UnixMilli(),
	}
}

// Encode renders the envelope as JSON.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a wire frame and validates its protocol version and type.
func Decode(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrProtocol, err)
	}
	if env.Ver == 0 {
		env.Ver = Version
	}
	if env.Ver != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrProtocol, env.Ver)
	}
	if !env.Type.IsSignal() && !env.Type.IsGame() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrProtocol, env.Type)
	}
	return &env, nil
}

// Package transport provides the envelope channels a duel session runs over:
// a relayed channel through the room coordinator, a negotiated direct
// peer-to-peer channel, and a hybrid that races the two and fails over
// between them.
package transport

import (
	"errors"
	"sync"

	"github.com/meathill/pvp-games/internal/proto"
)

// Channel is a bidirectional, envelope-based message path. Envelopes sent
// before the channel is ready are buffered in send order and flushed exactly
// once, in order, when the channel becomes ready. Dispose is idempotent and
// safe to call from any state.
type Channel interface {
	Send(env *proto.Envelope) error
	Subscribe(fn func(*proto.Envelope)) (unsubscribe func())
	Ready() bool
	Dispose()
}

var (
	// ErrConnection marks an underlying socket failure. It triggers
	// reconnection or fallback, never session teardown by itself.
	ErrConnection = errors.New("transport: connection failed")
	// ErrNegotiationTimeout reports that the direct channel did not open
	// within the negotiation window; the session continues on the relay.
	ErrNegotiationTimeout = errors.New("transport: direct negotiation timed out")
	// ErrReconnectExhausted is terminal: the relay could not be re-established
	// within the configured attempt budget.
	ErrReconnectExhausted = errors.New("transport: relay reconnection exhausted")
	// ErrDisposed is returned by operations on a disposed channel.
	ErrDisposed = errors.New("transport: channel disposed")
)

// ConnState is the observable connection state machine of a session
// transport.
type ConnState string

const (
	StateDisconnected     ConnState = "disconnected"
	StateConnecting       ConnState = "connecting"
	StateSignaling        ConnState = "signaling"
	StateDirectConnecting ConnState = "direct-connecting"
	StateDirectConnected  ConnState = "direct-connected"
	StateRelayConnecting  ConnState = "relay-connecting"
	StateRelayConnected   ConnState = "relay-connected"
	StateFailed           ConnState = "failed"
)

// subscribers is a listener registry handing out unsubscribe closures.
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(*proto.Envelope)
}

func (s *subscribers) add(fn func(*proto.Envelope)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(*proto.Envelope))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *subscribers) dispatch(env *proto.Envelope) {
	s.mu.Lock()
	fns := make([]func(*proto.Envelope), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

// sendQueue buffers envelopes until a channel becomes ready.
type sendQueue struct {
	mu      sync.Mutex
	pending []*proto.Envelope
}

func (q *sendQueue) push(env *proto.Envelope) {
	q.mu.Lock()
	q.pending = append(q.pending, env)
	q.mu.Unlock()
}

// pushFront restores envelopes ahead of anything queued meanwhile, used when
// a flush stalls partway through.
func (q *sendQueue) pushFront(envs []*proto.Envelope) {
	if len(envs) == 0 {
		return
	}
	q.mu.Lock()
	restored := make([]*proto.Envelope, 0, len(envs)+len(q.pending))
	restored = append(restored, envs...)
	q.pending = append(restored, q.pending...)
	q.mu.Unlock()
}

func (q *sendQueue) drain() []*proto.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := q.pending
	q.pending = nil
	return pending
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

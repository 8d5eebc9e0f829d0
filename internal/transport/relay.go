package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/meathill/pvp-games/internal/engine"
	"github.com/meathill/pvp-games/internal/proto"
	"github.com/meathill/pvp-games/internal/telemetry"
)

const (
	relayWriteWait          = 10 * time.Second
	defaultMaxDialAttempts  = 5
	defaultMaxBackoffPause  = 5 * time.Second
	relayDisconnectMetric   = "transport_relay_disconnects_total"
	relayReconnectMetric    = "transport_relay_reconnects_total"
	relayDropMetric         = "transport_relay_malformed_dropped_total"
	relayFlushPendingMetric = "transport_relay_flushed_pending_total"
)

// RelayConfig describes how to reach the coordinator and how the relay
// reports events upward.
type RelayConfig struct {
	// URL is the coordinator websocket endpoint, e.g. ws://host:8080/ws.
	URL  string
	Room string
	Slot engine.Slot

	// MaxAttempts bounds reconnection tries after a drop. Zero means the
	// default of 5.
	MaxAttempts uint64

	Dialer  *websocket.Dialer
	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	// OnSignal receives coordinator/signaling envelopes. Game envelopes go to
	// subscribers instead.
	OnSignal func(*proto.Envelope)
	// OnError receives terminal failures (reconnection exhausted).
	OnError func(error)
	// OnDown and OnUp observe connectivity flaps around reconnection.
	OnDown func()
	OnUp   func()
}

// Relay is the duplex channel through the room coordinator. It survives
// network blips with capped exponential backoff and surfaces a terminal
// error once the attempt budget is spent.
type Relay struct {
	cfg      RelayConfig
	endpoint string

	// sendMu orders Send against adopt's flush so buffered envelopes always
	// hit the wire before anything sent after the channel turned ready.
	sendMu sync.Mutex

	writeMu sync.Mutex
	conn    *websocket.Conn

	// writeFrame overrides the socket write in tests; production leaves it nil.
	writeFrame func(data []byte) error

	ready    atomic.Bool
	disposed atomic.Bool

	subs  subscribers
	queue sendQueue
}

// DialRelay connects to the coordinator and starts the read loop. The
// returned channel is ready immediately.
func DialRelay(ctx context.Context, cfg RelayConfig) (*Relay, error) {
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxDialAttempts
	}
	endpoint, err := relayEndpoint(cfg)
	if err != nil {
		return nil, err
	}
	r := &Relay{cfg: cfg, endpoint: endpoint}
	conn, _, err := cfg.Dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial relay: %v", ErrConnection, err)
	}
	r.adopt(conn)
	go r.readLoop(conn)
	return r, nil
}

func relayEndpoint(cfg RelayConfig) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("%w: parse relay url: %v", ErrConnection, err)
	}
	q := u.Query()
	q.Set("room", cfg.Room)
	q.Set("slot", string(cfg.Slot))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Send writes the envelope, buffering it while the relay is down.
func (r *Relay) Send(env *proto.Envelope) error {
	if r.disposed.Load() {
		return ErrDisposed
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if !r.ready.Load() {
		r.queue.push(env)
		return nil
	}
	if err := r.write(env); err != nil {
		// The read loop notices the broken socket and reconnects; keep the
		// envelope so the flush replays it.
		r.queue.push(env)
	}
	return nil
}

func (r *Relay) write(env *proto.Envelope) error {
	data, err := proto.Encode(env)
	if err != nil {
		return err
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if r.writeFrame != nil {
		return r.writeFrame(data)
	}
	if r.conn == nil {
		return ErrConnection
	}
	r.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
	return r.conn.WriteMessage(websocket.TextMessage, data)
}

// Subscribe registers a listener for game envelopes.
func (r *Relay) Subscribe(fn func(*proto.Envelope)) func() {
	return r.subs.add(fn)
}

// Ready reports whether the relay socket is currently usable.
func (r *Relay) Ready() bool {
	return r.ready.Load() && !r.disposed.Load()
}

// Dispose closes the relay. Safe to call repeatedly and from any state.
func (r *Relay) Dispose() {
	if !r.disposed.CompareAndSwap(false, true) {
		return
	}
	r.ready.Store(false)
	r.writeMu.Lock()
	if r.conn != nil {
		r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(proto.CloseNormal, ""), time.Now().Add(time.Second))
		r.conn.Close()
		r.conn = nil
	}
	r.writeMu.Unlock()
}

// adopt installs a fresh socket, replays the buffered envelopes, and only
// then marks the relay ready. Holding sendMu keeps concurrent Sends queued
// behind the flush so the buffered envelopes cannot be overtaken.
func (r *Relay) adopt(conn *websocket.Conn) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	r.writeMu.Lock()
	r.conn = conn
	r.writeMu.Unlock()
	if r.flushLocked() {
		r.ready.Store(true)
	}
}

// flushLocked replays the queue in order. On a write failure the unsent
// remainder goes back to the front of the queue intact; the relay stays
// not-ready so the next reconnect replays it. Caller holds sendMu.
func (r *Relay) flushLocked() bool {
	pending := r.queue.drain()
	for i, env := range pending {
		if err := r.write(env); err != nil {
			r.cfg.Logger.Printf("relay flush stalled, requeueing %d envelopes: %v", len(pending)-i, err)
			r.queue.pushFront(pending[i:])
			return false
		}
	}
	if len(pending) > 0 && r.cfg.Metrics != nil {
		r.cfg.Metrics.Add(relayFlushPendingMetric, uint64(len(pending)))
	}
	return true
}

func (r *Relay) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if r.disposed.Load() {
				return
			}
			r.ready.Store(false)
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.Add(relayDisconnectMetric, 1)
			}
			if r.cfg.OnDown != nil {
				r.cfg.OnDown()
			}
			next, rerr := r.reconnect()
			if rerr != nil {
				r.Dispose()
				if r.cfg.OnError != nil {
					r.cfg.OnError(rerr)
				}
				return
			}
			conn = next
			continue
		}

		env, err := proto.Decode(payload)
		if err != nil {
			r.cfg.Logger.Printf("relay: dropping malformed frame: %v", err)
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.Add(relayDropMetric, 1)
			}
			continue
		}
		if env.Type.IsSignal() {
			if r.cfg.OnSignal != nil {
				r.cfg.OnSignal(env)
			}
			continue
		}
		r.subs.dispatch(env)
	}
}

// reconnect re-dials the coordinator with capped exponential backoff. The
// attempt budget is fixed; once spent the relay is done for good.
func (r *Relay) reconnect() (*websocket.Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = defaultMaxBackoffPause
	policy.MaxElapsedTime = 0

	var conn *websocket.Conn
	attempt := 0
	operation := func() error {
		if r.disposed.Load() {
			return backoff.Permanent(ErrDisposed)
		}
		attempt++
		next, _, err := r.cfg.Dialer.Dial(r.endpoint, nil)
		if err != nil {
			r.cfg.Logger.Printf("relay reconnect attempt %d failed: %v", attempt, err)
			return err
		}
		conn = next
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithMaxRetries(policy, r.cfg.MaxAttempts)); err != nil {
		if err == ErrDisposed {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err)
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.Add(relayReconnectMetric, 1)
	}
	r.adopt(conn)
	if r.cfg.OnUp != nil {
		r.cfg.OnUp()
	}
	return conn, nil
}

var _ Channel = (*Relay)(nil)

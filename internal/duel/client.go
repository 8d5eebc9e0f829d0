package duel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meathill/pvp-games/internal/engine"
	"github.com/meathill/pvp-games/internal/logging"
	"github.com/meathill/pvp-games/internal/proto"
	"github.com/meathill/pvp-games/internal/telemetry"
	"github.com/meathill/pvp-games/internal/transport"
)

const defaultPingEvery = 2 * time.Second

// ClientConfig wires a Client to its transport.
type ClientConfig struct {
	Channel transport.Channel

	// Slot is the client's own actor slot. Defaults to second.
	Slot engine.Slot

	// PingEvery sets the latency probe cadence for RunPinger.
	PingEvery time.Duration

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Clock   logging.Clock
	// OnError receives non-fatal protocol faults.
	OnError func(error)
}

// Client mirrors host-broadcast state and submits inputs. It never runs the
// engine; the mirror is read-only and updated only by state envelopes whose
// sequence number is at least the last applied one, which makes duplicate
// and reordered delivery from the relay path harmless.
type Client struct {
	cfg   ClientConfig
	unsub func()

	mu       sync.Mutex
	mirror   engine.State
	applied  bool
	lastSeq  uint64
	watchers map[int]func(engine.State)
	nextID   int

	localSeq  atomic.Uint64
	readyOnce sync.Once
	latency   latencyEstimator
}

// NewClient constructs a client and attaches it to the channel.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Slot == "" {
		cfg.Slot = engine.SlotSecond
	}
	if cfg.PingEvery <= 0 {
		cfg.PingEvery = defaultPingEvery
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if cfg.Clock == nil {
		cfg.Clock = logging.SystemClock{}
	}
	c := &Client{
		cfg:      cfg,
		watchers: make(map[int]func(engine.State)),
	}
	c.unsub = cfg.Channel.Subscribe(c.handle)
	return c
}

// Ready announces readiness exactly once.
func (c *Client) Ready() {
	c.readyOnce.Do(func() {
		c.cfg.Channel.Send(proto.New(c.cfg.Slot, proto.TypeReady))
	})
}

// SendInput submits a directional intent tagged with a local sequence number
// used only for diagnostics; the host applies inputs in arrival order.
func (c *Client) SendInput(dir engine.Direction) error {
	env := proto.New(c.cfg.Slot, proto.TypeInput)
	env.Input = &proto.InputPayload{
		Direction: dir,
		Seq:       c.localSeq.Add(1),
	}
	return c.cfg.Channel.Send(env)
}

// RequestSync asks the host to re-broadcast its current state, typically
// after a reconnect.
func (c *Client) RequestSync() error {
	return c.cfg.Channel.Send(proto.New(c.cfg.Slot, proto.TypeSyncRequest))
}

// PingNow sends one latency probe.
func (c *Client) PingNow() error {
	env := proto.New(c.cfg.Slot, proto.TypePing)
	env.Ping = &proto.PingPayload{At: c.cfg.Clock.Now().UnixMilli()}
	return c.cfg.Channel.Send(env)
}

// RunPinger probes latency on a fixed cadence until stop closes.
func (c *Client) RunPinger(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.PingNow()
		}
	}
}

// Latency returns the smoothed one-way latency estimate.
func (c *Client) Latency() (time.Duration, bool) {
	return c.latency.estimate()
}

// Mirror returns a copy of the last applied snapshot.
func (c *Client) Mirror() engine.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mirror.Clone()
}

// LastSequence reports the sequence number of the last applied state.
func (c *Client) LastSequence() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq, c.applied
}

// SubscribeState registers a listener for applied snapshots.
func (c *Client) SubscribeState(fn func(engine.State)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// Close detaches the client from its channel.
func (c *Client) Close() {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
}

func (c *Client) handle(env *proto.Envelope) {
	switch env.Type {
	case proto.TypeState:
		if env.State == nil {
			c.reportProtocol("state envelope without payload")
			return
		}
		c.applyState(env.State)
	case proto.TypePong:
		if env.Pong == nil {
			c.reportProtocol("pong envelope without payload")
			return
		}
		rtt := time.Duration(c.cfg.Clock.Now().UnixMilli()-env.Pong.Echo) * time.Millisecond
		c.latency.observe(rtt)
	case proto.TypePing:
		if env.Ping == nil {
			return
		}
		pong := proto.New(c.cfg.Slot, proto.TypePong)
		pong.Pong = &proto.PongPayload{
			Echo:       env.Ping.At,
			ServerTime: c.cfg.Clock.Now().UnixMilli(),
		}
		c.cfg.Channel.Send(pong)
	case proto.TypeReady:
		// The host's readiness shows up in the first state broadcast.
	default:
		c.reportProtocol(fmt.Sprintf("unexpected envelope type %q", env.Type))
	}
}

func (c *Client) applyState(payload *proto.StatePayload) {
	c.mu.Lock()
	if c.applied && payload.TickSeq < c.lastSeq {
		c.mu.Unlock()
		return
	}
	c.mirror = payload.Snapshot.Clone()
	c.lastSeq = payload.TickSeq
	c.applied = true
	watchers := make([]func(engine.State), 0, len(c.watchers))
	for _, fn := range c.watchers {
		watchers = append(watchers, fn)
	}
	snapshot := c.mirror.Clone()
	c.mu.Unlock()

	for _, fn := range watchers {
		fn(snapshot)
	}
}

func (c *Client) reportProtocol(detail string) {
	err := fmt.Errorf("%w: %s", proto.ErrProtocol, detail)
	c.cfg.Logger.Printf("client: %v", err)
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

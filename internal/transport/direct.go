package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meathill/pvp-games/internal/proto"
	"github.com/meathill/pvp-games/internal/telemetry"
)

const (
	directPath            = "/direct"
	directWriteWait       = 10 * time.Second
	directDialTimeout     = 2 * time.Second
	directDropMetric      = "transport_direct_malformed_dropped_total"
	directSignalLeakCount = "transport_direct_unexpected_signal_total"
)

// DirectConfig tunes a direct channel endpoint.
type DirectConfig struct {
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// OnClose fires once when an established channel breaks. The hybrid
	// transport uses it to fall back to the relay.
	OnClose func(error)
	// AdvertiseHost, when set, overrides interface discovery for offer
	// candidates (relay-assist configuration from the coordinator).
	AdvertiseHost string
}

// Direct is a point-to-point data channel between the two peers. It is born
// ready: construction only succeeds with a live connection, so there is no
// pre-ready buffering window.
type Direct struct {
	cfg     DirectConfig
	conn    *websocket.Conn
	writeMu sync.Mutex

	closed atomic.Bool
	subs   subscribers
}

func newDirect(conn *websocket.Conn, cfg DirectConfig) *Direct {
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	d := &Direct{cfg: cfg, conn: conn}
	go d.readLoop()
	return d
}

// Send writes a game envelope to the peer.
func (d *Direct) Send(env *proto.Envelope) error {
	if d.closed.Load() {
		return ErrDisposed
	}
	data, err := proto.Encode(env)
	if err != nil {
		return err
	}
	d.writeMu.Lock()
	d.conn.SetWriteDeadline(time.Now().Add(directWriteWait))
	err = d.conn.WriteMessage(websocket.TextMessage, data)
	d.writeMu.Unlock()
	if err != nil {
		d.teardown(fmt.Errorf("%w: direct write: %v", ErrConnection, err))
		return fmt.Errorf("%w: direct write: %v", ErrConnection, err)
	}
	return nil
}

// Subscribe registers a listener for inbound envelopes.
func (d *Direct) Subscribe(fn func(*proto.Envelope)) func() {
	return d.subs.add(fn)
}

// Ready reports whether the channel is still usable.
func (d *Direct) Ready() bool {
	return !d.closed.Load()
}

// Dispose closes the channel without invoking the OnClose callback.
func (d *Direct) Dispose() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(proto.CloseNormal, ""), time.Now().Add(time.Second))
	d.conn.Close()
}

func (d *Direct) teardown(err error) {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.conn.Close()
	if d.cfg.OnClose != nil {
		d.cfg.OnClose(err)
	}
}

func (d *Direct) readLoop() {
	for {
		_, payload, err := d.conn.ReadMessage()
		if err != nil {
			if !d.closed.Load() {
				d.teardown(fmt.Errorf("%w: direct read: %v", ErrConnection, err))
			}
			return
		}
		env, derr := proto.Decode(payload)
		if derr != nil {
			d.cfg.Logger.Printf("direct: dropping malformed frame: %v", derr)
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.Add(directDropMetric, 1)
			}
			continue
		}
		if env.Type.IsSignal() {
			// Signaling is relay-only traffic; a signal frame here is a peer bug.
			d.cfg.Logger.Printf("direct: dropping unexpected signal frame %q", env.Type)
			if d.cfg.Metrics != nil {
				d.cfg.Metrics.Add(directSignalLeakCount, 1)
			}
			continue
		}
		d.subs.dispatch(env)
	}
}

var _ Channel = (*Direct)(nil)

// DirectListener accepts exactly one inbound direct connection. The offering
// peer listens on an ephemeral port and advertises its candidates through
// the relay.
type DirectListener struct {
	cfg      DirectConfig
	srv      *http.Server
	listener net.Listener
	accepted chan *Direct
	closed   atomic.Bool
}

// ListenDirect opens an ephemeral listener for the direct channel.
func ListenDirect(cfg DirectConfig) (*DirectListener, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: direct listen: %v", ErrConnection, err)
	}
	l := &DirectListener{
		cfg:      cfg,
		listener: ln,
		accepted: make(chan *Direct, 1),
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(directPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		d := newDirect(conn, cfg)
		select {
		case l.accepted <- d:
		default:
			// A peer is already attached; a second dial is a stray candidate.
			d.Dispose()
		}
	})
	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(ln)
	return l, nil
}

// Candidates returns the dialable URLs for this listener, one per local
// unicast address, loopback last.
func (l *DirectListener) Candidates() []string {
	port := l.listener.Addr().(*net.TCPAddr).Port
	if l.cfg.AdvertiseHost != "" {
		return []string{candidateURL(l.cfg.AdvertiseHost, port)}
	}
	var candidates []string
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
				continue
			}
			candidates = append(candidates, candidateURL(ipNet.IP.String(), port))
		}
	}
	candidates = append(candidates, candidateURL("127.0.0.1", port))
	return candidates
}

func candidateURL(host string, port int) string {
	return fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, fmt.Sprintf("%d", port)), directPath)
}

// Accept waits for the peer to connect or for the context to expire.
func (l *DirectListener) Accept(ctx context.Context) (*Direct, error) {
	select {
	case d := <-l.accepted:
		return d, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrNegotiationTimeout, ctx.Err())
	}
}

// Close stops the listener. Idempotent.
func (l *DirectListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.srv.Close()
}

// DialDirect tries each candidate in order until one answers or the context
// expires. The returned string is the candidate that connected.
func DialDirect(ctx context.Context, candidates []string, cfg DirectConfig) (*Direct, string, error) {
	dialer := websocket.Dialer{HandshakeTimeout: directDialTimeout}
	var lastErr error
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrNegotiationTimeout, ctx.Err())
		}
		conn, _, err := dialer.DialContext(ctx, candidate, nil)
		if err != nil {
			lastErr = err
			continue
		}
		return newDirect(conn, cfg), candidate, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidates offered")
	}
	return nil, "", fmt.Errorf("%w: dial direct: %v", ErrConnection, lastErr)
}

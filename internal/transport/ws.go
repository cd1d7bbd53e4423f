package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"
)

const wsReadLimit = 1 << 20 // 1 MiB; envelopes are small control/status frames

// wsPeer adapts a nhooyr.io/websocket connection to the Peer interface.
// A WebSocket carries no SDP negotiation, so AcceptOffer/CreateOffer/
// SetRemoteDescription are no-ops: the connection is already open by the
// time a wsPeer exists.
type wsPeer struct {
	conn *websocket.Conn

	mu      sync.Mutex
	onMsg   func([]byte)
	onClose func()

	closeOnce sync.Once
	closed    chan struct{}
	closedSet atomic.Bool
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	p := &wsPeer{conn: conn, closed: make(chan struct{})}
	go p.readLoop()
	return p
}

func (p *wsPeer) readLoop() {
	defer p.fireClose()
	ctx := context.Background()
	for {
		msgType, data, err := p.conn.Read(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageBinary {
			continue
		}
		p.mu.Lock()
		handler := p.onMsg
		p.mu.Unlock()
		if handler != nil {
			handler(data)
		}
	}
}

func (p *wsPeer) fireClose() {
	if !p.closedSet.CompareAndSwap(false, true) {
		return
	}
	close(p.closed)
	p.mu.Lock()
	handler := p.onClose
	p.mu.Unlock()
	if handler != nil {
		handler()
	}
}

func (p *wsPeer) Kind() Kind { return KindWebSocket }

func (p *wsPeer) AcceptOffer(ctx context.Context, offerSDP string) (string, error) {
	return "", nil
}

func (p *wsPeer) CreateOffer(ctx context.Context) (string, error) {
	return "", nil
}

func (p *wsPeer) SetRemoteDescription(ctx context.Context, answerSDP string) error {
	return nil
}

// WaitConnected returns immediately: by construction a wsPeer wraps a
// connection that has already completed its WebSocket handshake.
func (p *wsPeer) WaitConnected(ctx context.Context) error {
	select {
	case <-p.closed:
		return fmt.Errorf("transport: peer closed before connect observed")
	default:
		return nil
	}
}

func (p *wsPeer) Send(ctx context.Context, data []byte) error {
	return p.conn.Write(ctx, websocket.MessageBinary, data)
}

func (p *wsPeer) OnMessage(handler func([]byte)) {
	p.mu.Lock()
	p.onMsg = handler
	p.mu.Unlock()
}

func (p *wsPeer) OnClose(handler func()) {
	p.mu.Lock()
	p.onClose = handler
	p.mu.Unlock()
}

func (p *wsPeer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.conn.Close(websocket.StatusNormalClosure, "peer closed")
	})
	p.fireClose()
	return err
}

// WSFactory dials LAN WebSocket peers and, via its AcceptPeer method,
// also accepts them from an inbound HTTP request — so it satisfies both
// Factory and AcceptingFactory.
type WSFactory struct{}

var _ AcceptingFactory = (*WSFactory)(nil)

// NewFactory returns a Factory for the LAN WebSocket transport.
func NewFactory() *WSFactory { return &WSFactory{} }

func (f *WSFactory) Kind() Kind { return KindWebSocket }

// NewPeer dials cfg.Addr and wraps the resulting connection as a Peer.
func (f *WSFactory) NewPeer(ctx context.Context, cfg Config) (Peer, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	dialOpts := &websocket.DialOptions{
		HTTPClient: httpClientFor(cfg.TLSConfig),
	}
	conn, _, err := websocket.Dial(ctx, cfg.Addr, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	return newWSPeer(conn), nil
}

// AcceptPeer upgrades an incoming HTTP request to a WebSocket connection
// and wraps it as a Peer. Used by the signaling HTTP surface's listener
// side, which already owns the http.ResponseWriter/*http.Request pair.
func AcceptPeer(w http.ResponseWriter, r *http.Request) (Peer, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket accept: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)
	return newWSPeer(conn), nil
}

// AcceptPeer implements transport.AcceptingFactory: the signaling
// handler's own request/response pair carries the WebSocket upgrade, so
// the factory need not (and cannot) dial anywhere.
func (f *WSFactory) AcceptPeer(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg Config) (Peer, error) {
	return AcceptPeer(w, r)
}

func httpClientFor(tlsConfig *tls.Config) *http.Client {
	if tlsConfig == nil {
		return nil
	}
	return &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}
}

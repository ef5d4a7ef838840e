// Package proxy exposes one multiplexed session to external tools as a
// flat, single-session websocket endpoint. Peers speak the plain protocol
// with their own request ids and never see a sessionId: the proxy
// re-issues their requests scoped to the wrapped session and forwards back
// only that session's events.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dbgmux/dbgmux/internal/wire"
	"github.com/dbgmux/dbgmux/mux"
	"github.com/dbgmux/dbgmux/portcoord"
)

// ListenPath is the fixed websocket path the proxy serves on.
const ListenPath = "/session"

// LocalMethodPrefix is a reserved, proxy-local method namespace with no
// remote backing. Calls into it are answered locally with a not-found
// error instead of being forwarded.
const LocalMethodPrefix = "DbgProxy."

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the proxy's logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Proxy) { p.log = log }
}

// Proxy is a running exposure listener for one session.
type Proxy struct {
	session *mux.Session
	log     *slog.Logger

	listener net.Listener
	server   *http.Server
	addr     string
	port     int

	unsub func()

	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
}

type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (pr *peer) write(frame []byte) error {
	pr.writeMu.Lock()
	defer pr.writeMu.Unlock()
	return pr.conn.WriteMessage(websocket.TextMessage, frame)
}

// Expose starts a loopback listener on an OS-assigned port, registers the
// port with the coordinator so concurrent instances see it as taken, and
// returns the running proxy. Its Addr is handed to the external tool.
func Expose(ctx context.Context, session *mux.Session, coord *portcoord.Coordinator, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		session: session,
		log:     slog.Default(),
		peers:   make(map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("proxy listen: %w", err)
	}
	p.listener = ln
	p.port = ln.Addr().(*net.TCPAddr).Port
	if err := coord.Register(p.port); err != nil {
		_ = ln.Close()
		return nil, err
	}
	p.addr = fmt.Sprintf("ws://127.0.0.1:%d%s", p.port, ListenPath)

	// Forward the wrapped session's events (and only that session's) to
	// every connected peer, with no session scoping visible.
	p.unsub = session.Subscribe(mux.AllEvents, func(method string, params json.RawMessage) {
		frame, err := buildEventFrame(method, params)
		if err != nil {
			p.log.Warn("dropping unforwardable event", "method", method, "err", err)
			return
		}
		p.broadcast(frame)
	})

	srvMux := http.NewServeMux()
	srvMux.HandleFunc(ListenPath, p.handleUpgrade)
	p.server = &http.Server{Handler: srvMux}
	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.log.Debug("proxy server stopped", "err", err)
		}
	}()

	p.log.Info("session exposed", "addr", p.addr, "session", session.ID())
	return p, nil
}

// Addr returns the websocket URL peers connect to.
func (p *Proxy) Addr() string { return p.addr }

// Port returns the listener's coordinated port.
func (p *Proxy) Port() int { return p.port }

// Close stops the listener, disconnects peers, and stops forwarding. The
// TCP port becomes free immediately; the registry entry is reclaimed by
// the coordinator's sweep.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	peers := make([]*peer, 0, len(p.peers))
	for pr := range p.peers {
		peers = append(peers, pr)
	}
	p.peers = nil
	p.mu.Unlock()

	p.unsub()
	for _, pr := range peers {
		_ = pr.conn.Close()
	}
	return p.server.Close()
}

var upgrader = websocket.Upgrader{
	// The listener is loopback-only and the channel is trusted.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (p *Proxy) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.Debug("proxy upgrade failed", "err", err)
		return
	}
	pr := &peer{conn: conn}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.peers[pr] = struct{}{}
	p.mu.Unlock()

	p.log.Debug("proxy peer connected", "remote", conn.RemoteAddr().String())
	go p.readPeer(pr)
}

func (p *Proxy) readPeer(pr *peer) {
	defer func() {
		p.mu.Lock()
		if p.peers != nil {
			delete(p.peers, pr)
		}
		p.mu.Unlock()
		_ = pr.conn.Close()
	}()

	for {
		_, frame, err := pr.conn.ReadMessage()
		if err != nil {
			return
		}
		p.handlePeerFrame(pr, frame)
	}
}

// handlePeerFrame translates one flat-peer request into a session-scoped
// call. The peer's id is echoed back; the multiplexed id the session uses
// underneath is never visible to the peer.
func (p *Proxy) handlePeerFrame(pr *peer, frame []byte) {
	if !gjson.ValidBytes(frame) {
		_ = pr.write(errorFrame(0, wire.ErrorCodeParseError, "invalid JSON"))
		return
	}
	id := gjson.GetBytes(frame, "id").Int()
	method := gjson.GetBytes(frame, "method").String()
	if method == "" {
		_ = pr.write(errorFrame(id, wire.ErrorCodeInvalidRequest, "method is required"))
		return
	}

	if len(method) > len(LocalMethodPrefix) && method[:len(LocalMethodPrefix)] == LocalMethodPrefix {
		_ = pr.write(errorFrame(id, wire.ErrorCodeMethodNotFound,
			fmt.Sprintf("%q wasn't found", method)))
		return
	}

	var params any
	if raw := gjson.GetBytes(frame, "params"); raw.Exists() {
		params = json.RawMessage(raw.Raw)
	}

	go func() {
		result, err := p.session.Call(context.Background(), method, params)
		var out []byte
		switch {
		case err == nil:
			out = resultFrame(id, result)
		default:
			var pe *mux.ProtocolError
			if errors.As(err, &pe) {
				out = errorFrame(id, pe.Code, pe.Message)
			} else {
				out = errorFrame(id, wire.ErrorCodeInternalError, err.Error())
			}
		}
		_ = pr.write(out)
	}()
}

func (p *Proxy) broadcast(frame []byte) {
	p.mu.Lock()
	peers := make([]*peer, 0, len(p.peers))
	for pr := range p.peers {
		peers = append(peers, pr)
	}
	p.mu.Unlock()

	for _, pr := range peers {
		if err := pr.write(frame); err != nil {
			p.log.Debug("proxy peer write failed", "err", err)
		}
	}
}

// Frames headed to flat peers are assembled from raw fragments so opaque
// payloads pass through byte for byte.

func buildEventFrame(method string, params json.RawMessage) ([]byte, error) {
	frame, err := sjson.SetBytes([]byte(`{}`), "method", method)
	if err != nil {
		return nil, err
	}
	if len(params) > 0 {
		frame, err = sjson.SetRawBytes(frame, "params", params)
		if err != nil {
			return nil, err
		}
	}
	return frame, nil
}

func resultFrame(id int64, result json.RawMessage) []byte {
	frame, _ := sjson.SetBytes([]byte(`{}`), "id", id)
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	frame, _ = sjson.SetRawBytes(frame, "result", result)
	return frame
}

func errorFrame(id int64, code wire.ErrorCode, message string) []byte {
	frame, _ := sjson.SetBytes([]byte(`{}`), "id", id)
	frame, _ = sjson.SetBytes(frame, "error.code", int(code))
	frame, _ = sjson.SetBytes(frame, "error.message", message)
	return frame
}

// Package mux implements the multiplexed debug-protocol connection: one
// transport carrying many logical sessions, each with its own
// request/response correlation and event fan-out. Frames are opaque
// envelopes; the only methods the connection itself understands are the
// reserved session-lifecycle events.
package mux

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dbgmux/dbgmux/internal/wire"
)

// Reserved lifecycle events. They both drive the session tree and are still
// delivered to subscribers on the parent session.
const (
	MethodSessionAttached = "Target.attachedToTarget"
	MethodSessionDetached = "Target.detachedFromTarget"
)

type lifecycleParams struct {
	SessionID string `json:"sessionId"`
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the connection's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Connection) { c.log = log }
}

// WithReplayCap overrides the per-domain replay buffer size.
func WithReplayCap(n int) Option {
	return func(c *Connection) { c.replayCap = n }
}

// WithTrackedDomains selects the event domains whose recent events are
// buffered for late subscribers. Which domains to track is configuration;
// nothing is tracked by default.
func WithTrackedDomains(domains ...string) Option {
	return func(c *Connection) {
		for _, d := range domains {
			c.tracked[d] = true
		}
	}
}

// Connection multiplexes sessions over one Transport. It owns the request
// id counter and the outgoing write; everything else is per-session state.
type Connection struct {
	transport Transport
	log       *slog.Logger
	replayCap int
	tracked   map[string]bool

	reqID   atomic.Int64
	writeMu sync.Mutex

	root *Session

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	closeErr error

	done chan struct{}
}

// NewConnection starts reading frames from the transport immediately.
func NewConnection(t Transport, opts ...Option) *Connection {
	c := &Connection{
		transport: t,
		log:       slog.Default(),
		replayCap: DefaultReplayCap,
		tracked:   make(map[string]bool),
		sessions:  make(map[string]*Session),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.root = newSession(c, "", "")
	c.sessions[""] = c.root
	go c.readLoop()
	return c
}

// RootSession returns the implicit top-level session. It stays resolvable
// after the connection closes; calls on it then fail with
// ErrConnectionClosed rather than forcing every caller to re-check
// liveness first.
func (c *Connection) RootSession() *Session {
	return c.root
}

// Session looks up a live session by wire id.
func (c *Connection) Session(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Done is closed when the connection stops, whatever the cause.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err reports why the connection stopped, nil while it is live and after a
// clean local Close.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close disposes the connection: every session's outstanding calls reject
// with ErrConnectionClosed and the transport is closed. Idempotent.
func (c *Connection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Connection) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[string]*Session)
	c.mu.Unlock()

	for _, s := range sessions {
		s.close(ErrConnectionClosed)
	}
	_ = c.transport.Close()
	close(c.done)
}

func (c *Connection) nextRequestID() int64 {
	return c.reqID.Add(1)
}

func (c *Connection) write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Send(ctx, frame)
}

func (c *Connection) readLoop() {
	ctx := context.Background()
	for {
		frame, err := c.transport.Receive(ctx)
		if err != nil {
			c.log.Debug("transport closed", "err", err)
			c.shutdown(err)
			return
		}

		env, err := wire.Decode(frame)
		if err != nil {
			// Malformed frames are logged and dropped; the channel is
			// assumed trusted so this is a peer bug, not an attack.
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}

		c.mu.Lock()
		s := c.sessions[env.SessionID]
		c.mu.Unlock()
		if s == nil {
			// A frame for a session torn down moments ago. Ignore.
			c.log.Debug("frame for unknown session ignored",
				"session", env.SessionID, "method", env.Method)
			continue
		}

		switch env.Kind() {
		case wire.KindResponse:
			s.resolve(env)
		case wire.KindEvent:
			c.handleLifecycle(s, env)
			s.dispatchEvent(env.Method, env.Params)
		case wire.KindRequest:
			c.log.Debug("ignoring request-shaped inbound frame",
				"method", env.Method, "id", env.ID)
		}
	}
}

// handleLifecycle maintains the session tree from reserved events arriving
// on a parent session.
func (c *Connection) handleLifecycle(parent *Session, env *wire.Envelope) {
	switch env.Method {
	case MethodSessionAttached:
		var p lifecycleParams
		if err := json.Unmarshal(env.Params, &p); err != nil || p.SessionID == "" {
			c.log.Warn("attach event without session id", "err", err)
			return
		}
		c.mu.Lock()
		if _, exists := c.sessions[p.SessionID]; !exists && !c.closed {
			child := newSession(c, p.SessionID, parent.id)
			c.sessions[p.SessionID] = child
			parent.mu.Lock()
			parent.childIDs = append(parent.childIDs, p.SessionID)
			parent.mu.Unlock()
		}
		c.mu.Unlock()
		c.log.Debug("session attached", "session", p.SessionID, "parent", parent.id)
	case MethodSessionDetached:
		var p lifecycleParams
		if err := json.Unmarshal(env.Params, &p); err != nil || p.SessionID == "" {
			return
		}
		c.detachSession(p.SessionID)
	}
}

// detachSession unlinks the subtree rooted at id and rejects its
// outstanding calls.
func (c *Connection) detachSession(id string) {
	c.mu.Lock()
	doomed := c.collectSubtree(id)
	for _, s := range doomed {
		delete(c.sessions, s.id)
	}
	if len(doomed) > 0 {
		if parent, ok := c.sessions[doomed[0].parentID]; ok {
			parent.mu.Lock()
			for i, cid := range parent.childIDs {
				if cid == id {
					parent.childIDs = append(parent.childIDs[:i], parent.childIDs[i+1:]...)
					break
				}
			}
			parent.mu.Unlock()
		}
	}
	c.mu.Unlock()

	for _, s := range doomed {
		s.close(ErrSessionClosed)
		c.log.Debug("session detached", "session", s.id)
	}
}

// collectSubtree gathers id and its descendants. Caller holds c.mu.
func (c *Connection) collectSubtree(id string) []*Session {
	s, ok := c.sessions[id]
	if !ok {
		return nil
	}
	out := []*Session{s}
	s.mu.Lock()
	children := append([]string(nil), s.childIDs...)
	s.mu.Unlock()
	for _, cid := range children {
		out = append(out, c.collectSubtree(cid)...)
	}
	return out
}

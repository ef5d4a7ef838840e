package mux

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/dbgmux/dbgmux/internal/logctx"
	"github.com/dbgmux/dbgmux/internal/wire"
)

// AllEvents subscribes a handler to every event of a session.
const AllEvents = "*"

// EventHandler receives one event. Handlers for the same session run in
// registration order, synchronously with frame arrival.
type EventHandler func(method string, params json.RawMessage)

type callOutcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method string
	ch     chan callOutcome
}

type subscription struct {
	method string
	fn     EventHandler
}

// Session is one independently addressable conversation multiplexed over a
// Connection: a tab, a frame, a worker, a process. Each session owns its
// pending-request table and subscriber registry; parent/child links live in
// the connection's arena as ids, never as pointers, so detaching a subtree
// cannot leave cycles.
type Session struct {
	conn     *Connection
	id       string
	parentID string

	// eventMu serializes event delivery against subscription: a subscriber
	// must see its replay backlog before any live event. Held across
	// handler invocation, so handlers must not subscribe from inside a
	// handler.
	eventMu sync.Mutex

	mu       sync.Mutex
	pending  map[int64]*pendingCall
	subs     []*subscription
	replay   map[string]*replayRing
	childIDs []string
	detached bool
	closeErr error
}

func newSession(conn *Connection, id, parentID string) *Session {
	return &Session{
		conn:     conn,
		id:       id,
		parentID: parentID,
		pending:  make(map[int64]*pendingCall),
		replay:   make(map[string]*replayRing),
	}
}

// ID returns the wire session id. Empty for the root session.
func (s *Session) ID() string { return s.id }

// Call sends a request scoped to this session and waits for its response.
// The returned error is a *ProtocolError for an error response, ctx.Err()
// if ctx wins, ErrSessionClosed if the session detaches first, or
// ErrConnectionClosed if the transport dies or was already disposed.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := s.conn.nextRequestID()
	pc := &pendingCall{method: method, ch: make(chan callOutcome, 1)}

	s.mu.Lock()
	if s.detached {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	s.pending[id] = pc
	s.mu.Unlock()

	env, err := wire.NewRequest(id, s.id, method, params)
	if err != nil {
		s.removePending(id)
		return nil, err
	}
	frame, err := env.Encode()
	if err != nil {
		s.removePending(id)
		return nil, err
	}
	if err := s.conn.write(ctx, frame); err != nil {
		s.removePending(id)
		return nil, err
	}
	s.conn.log.DebugContext(
		logctx.WithRPCData(ctx, &logctx.RPCData{Method: method, SessionID: s.id}),
		"request sent", "id", id)

	select {
	case out := <-pc.ch:
		return out.result, out.err
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	}
}

// Subscribe registers fn for events with the given method, or every event
// when method is AllEvents. If the method's domain is replay-tracked,
// buffered events are delivered to fn before any live one, even while
// events keep arriving during the call. The returned function removes the
// subscription. Must not be called from inside an event handler.
func (s *Session) Subscribe(method string, fn EventHandler) func() {
	sub := &subscription{method: method, fn: fn}

	s.eventMu.Lock()
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	var backlog []replayEvent
	if method == AllEvents {
		for _, ring := range s.replay {
			backlog = append(backlog, ring.snapshot()...)
		}
	} else if ring, ok := s.replay[domainOf(method)]; ok {
		for _, ev := range ring.snapshot() {
			if ev.method == method {
				backlog = append(backlog, ev)
			}
		}
	}
	s.mu.Unlock()

	for _, ev := range backlog {
		fn(ev.method, ev.params)
	}
	s.eventMu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cur := range s.subs {
			if cur == sub {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Detach removes this session (and any children) from the connection,
// rejecting all outstanding calls with ErrSessionClosed. The root session
// cannot be detached; dispose the connection instead.
func (s *Session) Detach() {
	if s.id == "" {
		return
	}
	s.conn.detachSession(s.id)
}

func (s *Session) removePending(id int64) *pendingCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc := s.pending[id]
	delete(s.pending, id)
	return pc
}

// resolve completes the pending call matching a response envelope. Unknown
// ids are ignored: a late reply racing teardown is not an error.
func (s *Session) resolve(env *wire.Envelope) {
	pc := s.removePending(env.ID)
	if pc == nil {
		s.conn.log.Debug("response for unknown request id ignored",
			"id", env.ID, "session", s.id)
		return
	}
	if env.Error != nil {
		pc.ch <- callOutcome{err: &ProtocolError{
			Method:  pc.method,
			Code:    env.Error.Code,
			Message: env.Error.Message,
		}}
		return
	}
	pc.ch <- callOutcome{result: env.Result}
}

// dispatchEvent records the event into its domain's replay ring when
// tracked, then invokes matching subscribers in registration order. The
// record and the invocation happen atomically with respect to Subscribe.
func (s *Session) dispatchEvent(method string, params json.RawMessage) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	s.mu.Lock()
	if s.conn.tracked[domainOf(method)] {
		ring, ok := s.replay[domainOf(method)]
		if !ok {
			ring = newReplayRing(s.conn.replayCap)
			s.replay[domainOf(method)] = ring
		}
		ring.record(method, params)
	}
	handlers := make([]EventHandler, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.method == AllEvents || sub.method == method {
			handlers = append(handlers, sub.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range handlers {
		fn(method, params)
	}
}

// close rejects outstanding work. Tree unlinking is the connection's job.
func (s *Session) close(err error) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.detached = true
	s.closeErr = err
	pending := s.pending
	s.pending = make(map[int64]*pendingCall)
	s.subs = nil
	s.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- callOutcome{err: err}
	}
}

func domainOf(method string) string {
	if i := strings.IndexByte(method, '.'); i >= 0 {
		return method[:i]
	}
	return method
}

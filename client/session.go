// Package client is the Go SDK for the chatline realtime protocol. It owns a
// single WebSocket connection to the broker (using gobwas/ws, the same library
// the broker uses) and builds the realtime session features on top of it:
// presence tracking, typing coordination, room membership, and cache
// invalidation for the REST-sourced read models.
//
// A Session is an explicitly owned object: create it with NewSession, pass it
// to the components that need it, and Close it on teardown. There is no
// package-level shared connection.
package client

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/chatline/chatline/internal/protocol"
)

// ConnState describes the lifecycle state of a Session's connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

// String returns a human-readable state name for logging.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Dialer establishes the underlying transport connection. The default dialer
// performs a WebSocket handshake against the broker URL; tests substitute a
// dialer backed by net.Pipe.
type Dialer func(ctx context.Context, url string) (net.Conn, error)

// Handler receives a validated, typed inbound event. The concrete type of msg
// depends on the event name it was registered for (see internal/protocol).
type Handler func(msg interface{})

// Subscription represents one registered handler. Callers must pair every On
// with an Off so that handlers do not accumulate across view remounts and
// fire twice for one event.
type Subscription struct {
	session *Session
	event   string
	id      uint64
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// URL is the broker WebSocket endpoint, e.g. "ws://localhost:5000/ws".
	URL string

	// UserID is the local user's durable identifier. Used to join the
	// personal room and to discard self-echoed typing events.
	UserID string

	// Username is the local user's display name, carried in typing events.
	Username string

	// Dial overrides the transport dialer. Nil means WebSocket dial to URL.
	Dial Dialer

	// MaxRetries bounds ConnectWithRetry. Zero means DefaultMaxRetries.
	MaxRetries int

	// RetryBaseDelay is the first backoff interval for ConnectWithRetry.
	// Zero means DefaultRetryBaseDelay.
	RetryBaseDelay time.Duration
}

// Retry defaults for ConnectWithRetry.
const (
	DefaultMaxRetries     = 5
	DefaultRetryBaseDelay = 250 * time.Millisecond
	maxRetryDelay         = 10 * time.Second
)

// Session owns one connection to the broker and multiplexes typed events over
// it. All exported methods are safe for concurrent use.
type Session struct {
	config SessionConfig

	mu    sync.Mutex
	state ConnState
	conn  net.Conn
	// connGen increments on every successful connect so a read loop from a
	// previous connection cannot tear down its successor.
	connGen uint64

	// writeMu serializes frame writes. It is separate from mu so a stalled
	// write cannot block State, Connect, or Disconnect on other goroutines.
	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string]map[uint64]Handler
	nextSubID uint64

	// rooms holds the conversation rooms this session has joined. Membership
	// is re-asserted after a reconnect so the broker's view matches ours.
	roomMu     sync.Mutex
	rooms      map[string]struct{}
	joinedSelf bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession creates a Session for the given configuration. The session starts
// disconnected; call Connect or ConnectWithRetry to establish the connection.
func NewSession(config SessionConfig) (*Session, error) {
	if config.UserID == "" {
		return nil, fmt.Errorf("client: user ID is required")
	}
	if config.Dial == nil {
		if config.URL == "" {
			return nil, fmt.Errorf("client: broker URL is required")
		}
		config.Dial = func(ctx context.Context, url string) (net.Conn, error) {
			conn, _, _, err := ws.Dial(ctx, url)
			return conn, err
		}
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = DefaultRetryBaseDelay
	}

	return &Session{
		config:   config,
		handlers: make(map[string]map[uint64]Handler),
		rooms:    make(map[string]struct{}),
		closed:   make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the local user's durable identifier.
func (s *Session) UserID() string { return s.config.UserID }

// Username returns the local user's display name.
func (s *Session) Username() string { return s.config.Username }

// Connect establishes the connection if the session is disconnected. Calling
// Connect while already connected or connecting is a no-op. On network error
// the session remains disconnected and the error is returned; the caller
// decides whether to retry (or use ConnectWithRetry).
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	select {
	case <-s.closed:
		s.mu.Unlock()
		return fmt.Errorf("client: session is closed")
	default:
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.config.Dial(ctx, s.config.URL)
	if err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("client: dial %s: %w", s.config.URL, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connGen++
	gen := s.connGen
	s.state = StateConnected
	s.mu.Unlock()

	go s.readLoop(conn, gen)

	// Re-assert room membership so the broker's view matches ours after a
	// reconnect. The personal room is joined first so user-addressed events
	// are not missed while conversation joins are in flight.
	s.roomMu.Lock()
	joinedSelf := s.joinedSelf
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.roomMu.Unlock()

	if joinedSelf {
		_ = s.emitJoinSelf()
	}
	for _, id := range rooms {
		_ = s.emitJoinConversation(id)
	}
	return nil
}

// ConnectWithRetry calls Connect with bounded exponential backoff until it
// succeeds, the retry budget is exhausted, or the context is cancelled.
func (s *Session) ConnectWithRetry(ctx context.Context) error {
	delay := s.config.RetryBaseDelay
	var lastErr error
	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Jittered backoff so a fleet of clients does not reconnect in
			// lockstep after a broker restart.
			sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.closed:
				return fmt.Errorf("client: session is closed")
			case <-time.After(sleep):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}
		if lastErr = s.Connect(ctx); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("client: connect failed after %d attempts: %w", s.config.MaxRetries, lastErr)
}

// Disconnect releases the connection and clears all room membership. It is
// safe to call while disconnected and safe to call multiple times. The
// session can be reconnected afterwards with Connect.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.connGen++ // invalidate the running read loop
	wasConnected := s.state == StateConnected
	s.state = StateDisconnected
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	s.roomMu.Lock()
	s.rooms = make(map[string]struct{})
	s.joinedSelf = false
	s.roomMu.Unlock()

	if wasConnected {
		s.notifyDisconnect()
	}
}

// Close disconnects and permanently shuts the session down. A closed session
// cannot be reconnected.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.Disconnect()
}

// Done returns a channel closed when the session is permanently closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// ---------------------------------------------------------------------------
// Publish
// ---------------------------------------------------------------------------

// Emit publishes an event to the broker. Delivery is fire-and-forget: the
// protocol is at-most-once from the client's perspective and no acknowledgment
// is awaited. Emitting while disconnected returns an error without side
// effects.
func (s *Session) Emit(event string, payload interface{}) error {
	data, err := protocol.NewEvent(event, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	connected := s.state == StateConnected
	s.mu.Unlock()
	if !connected || conn == nil {
		return fmt.Errorf("client: not connected")
	}

	// Writing outside mu means a concurrent Disconnect can close conn under
	// us; the write then fails and the error is reported, which is the same
	// outcome the caller would see racing the disconnect anyway.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("client: write %s: %w", event, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Subscribe
// ---------------------------------------------------------------------------

// On registers a handler for an inbound event name. Handlers run on the read
// loop goroutine and must not block. The returned Subscription must be
// released with Off when the owning component is torn down; otherwise the
// handler keeps firing across remounts.
func (s *Session) On(event string, h Handler) *Subscription {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	if s.handlers[event] == nil {
		s.handlers[event] = make(map[uint64]Handler)
	}
	s.handlers[event][id] = h
	return &Subscription{session: s, event: event, id: id}
}

// Off removes the subscription. It is safe to call multiple times.
func (sub *Subscription) Off() {
	if sub == nil || sub.session == nil {
		return
	}
	s := sub.session
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if hs, ok := s.handlers[sub.event]; ok {
		delete(hs, sub.id)
		if len(hs) == 0 {
			delete(s.handlers, sub.event)
		}
	}
}

// ---------------------------------------------------------------------------
// Room membership
// ---------------------------------------------------------------------------

// JoinUserRoom joins the room addressed by the local user's own identifier so
// that user-scoped events (new conversations, deletions) reach this session
// regardless of which conversation is open. Idempotent.
func (s *Session) JoinUserRoom() error {
	s.roomMu.Lock()
	already := s.joinedSelf
	s.joinedSelf = true
	s.roomMu.Unlock()
	if already {
		return nil
	}
	return s.emitJoinSelf()
}

// JoinRoom joins a conversation room. Joining the same room twice is a no-op;
// the broker sees at most one join per room per connection.
func (s *Session) JoinRoom(conversationID string) error {
	if conversationID == "" {
		return fmt.Errorf("client: conversation ID is required")
	}
	s.roomMu.Lock()
	if _, ok := s.rooms[conversationID]; ok {
		s.roomMu.Unlock()
		return nil
	}
	s.rooms[conversationID] = struct{}{}
	s.roomMu.Unlock()
	return s.emitJoinConversation(conversationID)
}

// LeaveRoom leaves a conversation room so the broker does not retain stale
// membership. Leaving a room that was never joined is a no-op.
func (s *Session) LeaveRoom(conversationID string) error {
	s.roomMu.Lock()
	if _, ok := s.rooms[conversationID]; !ok {
		s.roomMu.Unlock()
		return nil
	}
	delete(s.rooms, conversationID)
	s.roomMu.Unlock()
	return s.Emit(protocol.EventLeaveConversation, protocol.LeaveConversationEvent{
		ConversationID: conversationID,
	})
}

// Rooms returns the conversation rooms this session has joined.
func (s *Session) Rooms() []string {
	s.roomMu.Lock()
	defer s.roomMu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		out = append(out, id)
	}
	return out
}

func (s *Session) emitJoinSelf() error {
	return s.Emit(protocol.EventJoin, protocol.JoinEvent{UserID: s.config.UserID})
}

func (s *Session) emitJoinConversation(conversationID string) error {
	return s.Emit(protocol.EventJoinConversation, protocol.JoinConversationEvent{
		ConversationID: conversationID,
	})
}

// ---------------------------------------------------------------------------
// Read loop
// ---------------------------------------------------------------------------

// disconnectEvent is the pseudo-event name internal components subscribe to
// for disconnect notifications (presence clears its set, timers stand down).
const disconnectEvent = "__disconnected"

// OnDisconnect registers a handler invoked whenever the connection is lost,
// either by an explicit Disconnect or by a transport failure. The msg argument
// is always nil.
func (s *Session) OnDisconnect(h Handler) *Subscription {
	return s.On(disconnectEvent, h)
}

func (s *Session) notifyDisconnect() {
	s.dispatch(disconnectEvent, nil)
}

func (s *Session) readLoop(conn net.Conn, gen uint64) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			s.mu.Lock()
			stale := gen != s.connGen
			if !stale {
				s.conn = nil
				s.state = StateDisconnected
			}
			s.mu.Unlock()
			if stale {
				// A newer connection has replaced this one; nothing to do.
				return
			}
			conn.Close()
			select {
			case <-s.closed:
			default:
				log.Printf("client: connection lost: %v", err)
			}
			s.notifyDisconnect()
			return
		}

		event, msg, err := protocol.ParseServerEvent(data)
		if err != nil {
			// Malformed or unknown events are dropped at the boundary so
			// handlers only see validated payloads.
			log.Printf("client: dropping inbound event: %v", err)
			continue
		}
		s.dispatch(event, msg)
	}
}

// dispatch invokes all handlers registered for the event. Each handler runs
// under its own recover so one failing handler cannot take down the read loop
// or starve the handlers after it.
func (s *Session) dispatch(event string, msg interface{}) {
	s.handlerMu.RLock()
	hs := make([]Handler, 0, len(s.handlers[event]))
	for _, h := range s.handlers[event] {
		hs = append(hs, h)
	}
	s.handlerMu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("client: handler panic on %s: %v", event, r)
				}
			}()
			h(msg)
		}()
	}
}

package client

import (
	"sync"
	"time"

	"github.com/chatline/chatline/internal/protocol"
)

// Typing timer defaults. Both timers are restartable and are cancelled when
// the owning component is closed, so a late fire is always a guarded no-op.
const (
	// DefaultStopAfter is how long the notifier waits after the last
	// keystroke before emitting stop_typing.
	DefaultStopAfter = 1 * time.Second

	// DefaultClearAfter is how long the indicator displays a remote typer
	// with no refreshing user_typing event before clearing automatically.
	DefaultClearAfter = 3 * time.Second
)

// ---------------------------------------------------------------------------
// Outbound: TypingNotifier
// ---------------------------------------------------------------------------

// TypingNotifier converts raw keystrokes into rate-limited typing and
// stop_typing events for one input box. Only the idle to typing transition
// emits typing; further keystrokes just reset the inactivity timer. The
// typing to idle transition emits stop_typing exactly once, whether it was
// triggered by the timer, by the input becoming empty, or by the message
// being sent.
type TypingNotifier struct {
	session        *Session
	conversationID string
	stopAfter      time.Duration

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	// gen guards against a timer firing after it was superseded or the
	// notifier was closed.
	gen    uint64
	closed bool
}

// NewTypingNotifier creates a notifier for one conversation's input box.
// stopAfter <= 0 selects DefaultStopAfter.
func NewTypingNotifier(session *Session, conversationID string, stopAfter time.Duration) *TypingNotifier {
	if stopAfter <= 0 {
		stopAfter = DefaultStopAfter
	}
	return &TypingNotifier{
		session:        session,
		conversationID: conversationID,
		stopAfter:      stopAfter,
	}
}

// InputChanged reports the current text of the input box after a keystroke.
// An empty input transitions to idle immediately, even if the inactivity
// timer has not elapsed, so a user deleting all their text never leaves a
// stale indicator on the remote side.
func (n *TypingNotifier) InputChanged(text string) {
	if text == "" {
		n.stop()
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	first := !n.typing
	n.typing = true
	n.gen++
	gen := n.gen
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.stopAfter, func() { n.timerFired(gen) })
	n.mu.Unlock()

	if first {
		_ = n.session.Emit(protocol.EventTyping, protocol.TypingEvent{
			ConversationID: n.conversationID,
			UserID:         n.session.UserID(),
			Username:       n.session.Username(),
		})
	}
}

// MessageSent transitions to idle, emitting stop_typing if the user was
// typing. Called when the message is submitted.
func (n *TypingNotifier) MessageSent() {
	n.stop()
}

// Close cancels the inactivity timer and emits a final stop_typing if the
// user was mid-typing. Every notifier must be closed in its view's teardown
// path so no timer fires against a disposed view.
func (n *TypingNotifier) Close() {
	n.stop()
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

func (n *TypingNotifier) timerFired(gen uint64) {
	n.mu.Lock()
	if n.closed || gen != n.gen || !n.typing {
		n.mu.Unlock()
		return
	}
	n.typing = false
	n.timer = nil
	n.mu.Unlock()
	n.emitStop()
}

func (n *TypingNotifier) stop() {
	n.mu.Lock()
	wasTyping := n.typing
	n.typing = false
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	n.mu.Unlock()
	if wasTyping {
		n.emitStop()
	}
}

func (n *TypingNotifier) emitStop() {
	_ = n.session.Emit(protocol.EventStopTyping, protocol.StopTypingEvent{
		ConversationID: n.conversationID,
		UserID:         n.session.UserID(),
	})
}

// ---------------------------------------------------------------------------
// Inbound: TypingIndicator
// ---------------------------------------------------------------------------

// TypingIndicator tracks the remote typer displayed for one conversation
// view. At most one remote typer is shown at a time (last writer wins). The
// displayed name clears automatically after the auto-clear timeout if no
// refreshing user_typing event arrives, or immediately on an explicit
// user_stopped_typing. Events echoed back for the local user are ignored so a
// client never sees its own typing indicator.
type TypingIndicator struct {
	session    *Session
	clearAfter time.Duration

	mu    sync.Mutex
	typer string // display name, empty when nobody is typing
	timer *time.Timer
	gen   uint64

	subs []*Subscription
}

// NewTypingIndicator creates an indicator for one conversation view and
// subscribes it to the session's typing events. clearAfter <= 0 selects
// DefaultClearAfter. Call Close on view teardown.
func NewTypingIndicator(session *Session, clearAfter time.Duration) *TypingIndicator {
	if clearAfter <= 0 {
		clearAfter = DefaultClearAfter
	}
	ind := &TypingIndicator{
		session:    session,
		clearAfter: clearAfter,
	}
	ind.subs = append(ind.subs,
		session.On(protocol.EventUserTyping, ind.onTyping),
		session.On(protocol.EventUserStoppedTyping, ind.onStopped),
		session.OnDisconnect(func(interface{}) { ind.clear() }),
	)
	return ind
}

// Typer returns the display name of the remote user currently typing, or an
// empty string when nobody is.
func (ind *TypingIndicator) Typer() string {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	return ind.typer
}

// Close removes the indicator's subscriptions and cancels its timer.
func (ind *TypingIndicator) Close() {
	for _, sub := range ind.subs {
		sub.Off()
	}
	ind.clear()
}

func (ind *TypingIndicator) onTyping(msg interface{}) {
	evt, ok := msg.(protocol.UserTypingEvent)
	if !ok || evt.UserID == ind.session.UserID() {
		return
	}

	ind.mu.Lock()
	ind.typer = evt.Username
	ind.gen++
	gen := ind.gen
	if ind.timer != nil {
		ind.timer.Stop()
	}
	ind.timer = time.AfterFunc(ind.clearAfter, func() { ind.timerFired(gen) })
	ind.mu.Unlock()
}

func (ind *TypingIndicator) onStopped(msg interface{}) {
	evt, ok := msg.(protocol.UserStoppedTypingEvent)
	if !ok || evt.UserID == ind.session.UserID() {
		return
	}
	ind.clear()
}

func (ind *TypingIndicator) timerFired(gen uint64) {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	if gen != ind.gen {
		return
	}
	ind.typer = ""
	ind.timer = nil
}

func (ind *TypingIndicator) clear() {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	ind.typer = ""
	ind.gen++
	if ind.timer != nil {
		ind.timer.Stop()
		ind.timer = nil
	}
}

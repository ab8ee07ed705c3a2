package client

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatline/chatline/internal/protocol"
)

// Timers are shortened in tests; the production defaults are exercised only
// for their values.

func TestTypingDefaults(t *testing.T) {
	if DefaultStopAfter != 1*time.Second {
		t.Errorf("stop timer default changed: %v", DefaultStopAfter)
	}
	if DefaultClearAfter != 3*time.Second {
		t.Errorf("auto-clear default changed: %v", DefaultClearAfter)
	}
}

// ---------------------------------------------------------------------------
// Outbound: TypingNotifier
// ---------------------------------------------------------------------------

func TestNotifierEmitsTypingOncePerBurst(t *testing.T) {
	s, broker := newTestSession(t)
	n := NewTypingNotifier(s, "conv-1", 60*time.Millisecond)
	defer n.Close()

	n.InputChanged("h")
	n.InputChanged("he")
	n.InputChanged("hel")

	data := broker.next(t)
	if got := eventName(t, data); got != protocol.EventTyping {
		t.Fatalf("expected typing, got %s", got)
	}
	var evt protocol.TypingEvent
	json.Unmarshal(data, &evt)
	if evt.ConversationID != "conv-1" || evt.UserID != "user-local" || evt.Username != "local" {
		t.Errorf("unexpected typing payload: %+v", evt)
	}

	// Keystrokes after the first must not re-emit typing; the next event on
	// the wire is the automatic stop.
	if got := eventName(t, broker.next(t)); got != protocol.EventStopTyping {
		t.Fatalf("expected stop_typing after inactivity, got %s", got)
	}
	broker.expectNone(t, 100*time.Millisecond)
}

func TestNotifierStopsAfterInactivityExactlyOnce(t *testing.T) {
	s, broker := newTestSession(t)
	n := NewTypingNotifier(s, "conv-1", 40*time.Millisecond)
	defer n.Close()

	n.InputChanged("h")
	broker.next(t) // typing

	if got := eventName(t, broker.next(t)); got != protocol.EventStopTyping {
		t.Fatalf("expected stop_typing, got %s", got)
	}
	// Neither the timer nor Close may produce a second stop without an
	// intervening start.
	n.Close()
	broker.expectNone(t, 80*time.Millisecond)
}

func TestNotifierKeystrokesResetInactivityTimer(t *testing.T) {
	s, broker := newTestSession(t)
	n := NewTypingNotifier(s, "conv-1", 70*time.Millisecond)
	defer n.Close()

	n.InputChanged("h")
	broker.next(t) // typing

	// Keep typing faster than the timeout; no stop may fire meanwhile.
	for i := 0; i < 3; i++ {
		time.Sleep(40 * time.Millisecond)
		n.InputChanged("hello")
	}
	broker.expectNone(t, 40*time.Millisecond)

	if got := eventName(t, broker.next(t)); got != protocol.EventStopTyping {
		t.Fatalf("expected stop_typing after last keystroke, got %s", got)
	}
}

func TestNotifierEmptyInputStopsImmediately(t *testing.T) {
	s, broker := newTestSession(t)
	n := NewTypingNotifier(s, "conv-1", 5*time.Second)
	defer n.Close()

	n.InputChanged("h")
	broker.next(t) // typing

	n.InputChanged("")
	if got := eventName(t, broker.next(t)); got != protocol.EventStopTyping {
		t.Fatalf("expected immediate stop_typing on empty input, got %s", got)
	}
	// Empty input while already idle emits nothing.
	n.InputChanged("")
	broker.expectNone(t, 50*time.Millisecond)
}

func TestNotifierMessageSentStopsOnce(t *testing.T) {
	s, broker := newTestSession(t)
	n := NewTypingNotifier(s, "conv-1", 40*time.Millisecond)
	defer n.Close()

	n.InputChanged("h")
	broker.next(t) // typing

	n.MessageSent()
	if got := eventName(t, broker.next(t)); got != protocol.EventStopTyping {
		t.Fatalf("expected stop_typing on send, got %s", got)
	}
	// The stale inactivity timer must not fire a duplicate stop.
	broker.expectNone(t, 80*time.Millisecond)
}

func TestNotifierStartStopStartEmitsAgain(t *testing.T) {
	s, broker := newTestSession(t)
	n := NewTypingNotifier(s, "conv-1", 5*time.Second)
	defer n.Close()

	n.InputChanged("a")
	broker.next(t) // typing
	n.MessageSent()
	broker.next(t) // stop_typing

	n.InputChanged("b")
	if got := eventName(t, broker.next(t)); got != protocol.EventTyping {
		t.Fatalf("expected typing on fresh burst, got %s", got)
	}
}

func TestNotifierCloseEmitsFinalStop(t *testing.T) {
	s, broker := newTestSession(t)
	n := NewTypingNotifier(s, "conv-1", 5*time.Second)

	n.InputChanged("h")
	broker.next(t) // typing

	n.Close()
	if got := eventName(t, broker.next(t)); got != protocol.EventStopTyping {
		t.Fatalf("expected stop_typing on close, got %s", got)
	}
	// A closed notifier ignores further input.
	n.InputChanged("again")
	broker.expectNone(t, 50*time.Millisecond)
}

// ---------------------------------------------------------------------------
// Inbound: TypingIndicator
// ---------------------------------------------------------------------------

func TestIndicatorShowsRemoteTyper(t *testing.T) {
	s, broker := newTestSession(t)
	ind := NewTypingIndicator(s, 5*time.Second)
	defer ind.Close()

	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-b","username":"bob"}`))
	waitFor(t, "typer shown", func() bool { return ind.Typer() == "bob" })
}

func TestIndicatorIgnoresSelfEcho(t *testing.T) {
	s, broker := newTestSession(t)
	ind := NewTypingIndicator(s, 5*time.Second)
	defer ind.Close()

	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-local","username":"local"}`))
	// Deliver a remote event afterwards to prove the echo was processed and
	// ignored rather than still in flight.
	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-b","username":"bob"}`))
	waitFor(t, "remote typer", func() bool { return ind.Typer() == "bob" })

	// A self-echoed stop must not clear a remote typer either.
	broker.push(t, []byte(`{"event":"user_stopped_typing","user_id":"user-local"}`))
	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-b","username":"bob"}`))
	waitFor(t, "typer still shown", func() bool { return ind.Typer() == "bob" })
}

func TestIndicatorAutoClearsAfterTimeout(t *testing.T) {
	s, broker := newTestSession(t)
	ind := NewTypingIndicator(s, 50*time.Millisecond)
	defer ind.Close()

	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-b","username":"bob"}`))
	waitFor(t, "typer shown", func() bool { return ind.Typer() == "bob" })
	waitFor(t, "auto-clear", func() bool { return ind.Typer() == "" })
}

func TestIndicatorRefreshRestartsTimer(t *testing.T) {
	s, broker := newTestSession(t)
	ind := NewTypingIndicator(s, 80*time.Millisecond)
	defer ind.Close()

	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-b","username":"bob"}`))
	waitFor(t, "typer shown", func() bool { return ind.Typer() == "bob" })

	time.Sleep(50 * time.Millisecond)
	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-b","username":"bob"}`))

	// 50ms after the refresh the original timer would already have fired.
	time.Sleep(50 * time.Millisecond)
	if ind.Typer() != "bob" {
		t.Fatal("refresh did not restart the auto-clear timer")
	}
	waitFor(t, "auto-clear after refresh", func() bool { return ind.Typer() == "" })
}

func TestIndicatorStopClearsImmediately(t *testing.T) {
	s, broker := newTestSession(t)
	ind := NewTypingIndicator(s, 5*time.Second)
	defer ind.Close()

	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-b","username":"bob"}`))
	waitFor(t, "typer shown", func() bool { return ind.Typer() == "bob" })

	broker.push(t, []byte(`{"event":"user_stopped_typing","user_id":"user-b"}`))
	waitFor(t, "cleared on stop", func() bool { return ind.Typer() == "" })
}

func TestIndicatorLastWriterWins(t *testing.T) {
	s, broker := newTestSession(t)
	ind := NewTypingIndicator(s, 5*time.Second)
	defer ind.Close()

	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-b","username":"bob"}`))
	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-c","username":"carol"}`))
	waitFor(t, "last writer shown", func() bool { return ind.Typer() == "carol" })
}

func TestIndicatorClearsOnDisconnect(t *testing.T) {
	s, broker := newTestSession(t)
	ind := NewTypingIndicator(s, 5*time.Second)
	defer ind.Close()

	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-b","username":"bob"}`))
	waitFor(t, "typer shown", func() bool { return ind.Typer() == "bob" })

	s.Disconnect()
	waitFor(t, "cleared on disconnect", func() bool { return ind.Typer() == "" })
}

func TestIndicatorCloseStopsUpdates(t *testing.T) {
	s, broker := newTestSession(t)
	ind := NewTypingIndicator(s, 5*time.Second)

	ind.Close()
	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-b","username":"bob"}`))

	// Prove delivery completed by observing an unrelated live handler.
	var seen int32
	sub := s.On(protocol.EventUserTyping, func(interface{}) { atomic.StoreInt32(&seen, 1) })
	defer sub.Off()
	broker.push(t, []byte(`{"event":"user_typing","user_id":"user-b","username":"bob"}`))
	waitFor(t, "marker handler", func() bool { return atomic.LoadInt32(&seen) == 1 })

	if ind.Typer() != "" {
		t.Error("closed indicator must not update")
	}
}

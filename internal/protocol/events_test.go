package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid join_conversation event
// ---------------------------------------------------------------------------

func TestParseClientEvent_JoinConversation(t *testing.T) {
	input := []byte(`{"event":"join_conversation","conversation_id":"conv-42"}`)

	event, msg, err := ParseClientEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != EventJoinConversation {
		t.Fatalf("expected event %q, got %q", EventJoinConversation, event)
	}

	jc, ok := msg.(JoinConversationEvent)
	if !ok {
		t.Fatalf("expected JoinConversationEvent, got %T", msg)
	}
	if jc.ConversationID != "conv-42" {
		t.Errorf("expected conversation_id %q, got %q", "conv-42", jc.ConversationID)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a valid typing event
// ---------------------------------------------------------------------------

func TestParseClientEvent_Typing(t *testing.T) {
	input := []byte(`{"event":"typing","conversation_id":"conv-1","user_id":"u-1","username":"alice"}`)

	event, msg, err := ParseClientEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != EventTyping {
		t.Fatalf("expected event %q, got %q", EventTyping, event)
	}

	te, ok := msg.(TypingEvent)
	if !ok {
		t.Fatalf("expected TypingEvent, got %T", msg)
	}
	if te.ConversationID != "conv-1" || te.UserID != "u-1" || te.Username != "alice" {
		t.Errorf("unexpected payload: %+v", te)
	}
}

// ---------------------------------------------------------------------------
// Test: Payloads missing required fields are rejected at the boundary
// ---------------------------------------------------------------------------

func TestParseClientEvent_MissingFields(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"join without user_id", `{"event":"join"}`},
		{"join_conversation without id", `{"event":"join_conversation"}`},
		{"typing without username", `{"event":"typing","conversation_id":"c","user_id":"u"}`},
		{"stop_typing without user_id", `{"event":"stop_typing","conversation_id":"c"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseClientEvent([]byte(tc.input))
			if err == nil {
				t.Fatalf("expected validation error for %s", tc.input)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Unknown and malformed events are rejected
// ---------------------------------------------------------------------------

func TestParseClientEvent_Unknown(t *testing.T) {
	_, _, err := ParseClientEvent([]byte(`{"event":"frobnicate"}`))
	if err == nil {
		t.Fatal("expected error for unknown event")
	}

	// Broker-only events must not parse as client events.
	_, _, err = ParseClientEvent([]byte(`{"event":"users_online","users":[]}`))
	if err == nil {
		t.Fatal("expected error for broker-only event on client path")
	}
}

func TestParseClientEvent_Malformed(t *testing.T) {
	for _, input := range []string{``, `{`, `{"no_event":true}`, `"just a string"`} {
		if _, _, err := ParseClientEvent([]byte(input)); err == nil {
			t.Errorf("expected error for input %q", input)
		}
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing broker->client events
// ---------------------------------------------------------------------------

func TestParseServerEvent_UsersOnline(t *testing.T) {
	input := []byte(`{"event":"users_online","users":["u-1","u-2"]}`)

	event, msg, err := ParseServerEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != EventUsersOnline {
		t.Fatalf("expected event %q, got %q", EventUsersOnline, event)
	}

	uo, ok := msg.(UsersOnlineEvent)
	if !ok {
		t.Fatalf("expected UsersOnlineEvent, got %T", msg)
	}
	if len(uo.Users) != 2 || uo.Users[0] != "u-1" || uo.Users[1] != "u-2" {
		t.Errorf("unexpected users: %v", uo.Users)
	}
}

func TestParseServerEvent_NewMessage(t *testing.T) {
	input := []byte(`{"event":"new_message","message":{"id":"m-1","conversation_id":"conv-1","sender_id":"u-2","sender_name":"bob","content":"hi","message_type":"text","timestamp":1700000000000}}`)

	event, msg, err := ParseServerEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != EventNewMessage {
		t.Fatalf("expected event %q, got %q", EventNewMessage, event)
	}

	nm, ok := msg.(NewMessageEvent)
	if !ok {
		t.Fatalf("expected NewMessageEvent, got %T", msg)
	}
	if nm.Message.ConversationID != "conv-1" {
		t.Errorf("expected conversation_id %q, got %q", "conv-1", nm.Message.ConversationID)
	}
	if nm.Message.SenderName != "bob" {
		t.Errorf("expected sender_name %q, got %q", "bob", nm.Message.SenderName)
	}
}

func TestParseServerEvent_RejectsMessageWithoutConversation(t *testing.T) {
	input := []byte(`{"event":"new_message","message":{"id":"m-1"}}`)
	if _, _, err := ParseServerEvent(input); err == nil {
		t.Fatal("expected validation error for message without conversation_id")
	}
}

// ---------------------------------------------------------------------------
// Test: NewEvent stamps the event name into the payload
// ---------------------------------------------------------------------------

func TestNewEvent_StampsEventName(t *testing.T) {
	data, err := NewEvent(EventUserTyping, UserTypingEvent{
		UserID:   "u-9",
		Username: "carol",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["event"] != EventUserTyping {
		t.Errorf("expected event %q, got %v", EventUserTyping, decoded["event"])
	}
	if decoded["user_id"] != "u-9" {
		t.Errorf("expected user_id %q, got %v", "u-9", decoded["user_id"])
	}
}

// ---------------------------------------------------------------------------
// Test: Round trip through NewEvent and ParseServerEvent
// ---------------------------------------------------------------------------

func TestNewEvent_RoundTrip(t *testing.T) {
	data, err := NewEvent(EventConversationDeleted, ConversationDeletedEvent{
		ConversationID: "conv-7",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event, msg, err := ParseServerEvent(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event != EventConversationDeleted {
		t.Fatalf("expected event %q, got %q", EventConversationDeleted, event)
	}
	cd := msg.(ConversationDeletedEvent)
	if cd.ConversationID != "conv-7" {
		t.Errorf("expected conversation_id %q, got %q", "conv-7", cd.ConversationID)
	}
}

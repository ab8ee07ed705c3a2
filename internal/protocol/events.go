// Package protocol defines the realtime event types exchanged between chat
// clients and the broker. All events are serialized as JSON and follow a
// consistent envelope format with an "event" name discriminator. Inbound
// payloads are validated at the transport boundary so that handlers only ever
// see well-formed events.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event name constants
// ---------------------------------------------------------------------------

// Client -> Broker event names.
const (
	EventJoin              = "join"
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventTyping            = "typing"
	EventStopTyping        = "stop_typing"
	EventPing              = "ping"
)

// Broker -> Client event names.
const (
	EventNewMessage          = "new_message"
	EventUserTyping          = "user_typing"
	EventUserStoppedTyping   = "user_stopped_typing"
	EventUsersOnline         = "users_online"
	EventNewConversation     = "new-conversation"
	EventConversationDeleted = "conversation-deleted"
	EventError               = "error"
	EventPong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the event discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event name and the raw JSON payload for deferred parsing
// into a concrete struct.
type Envelope struct {
	Event string          `json:"event"`
	Raw   json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "event" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the event field.
	var partial struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Event == "" {
		return fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	e.Event = partial.Event
	return nil
}

// ---------------------------------------------------------------------------
// Shared wire models
// ---------------------------------------------------------------------------

// Message is the wire representation of a persisted chat message. The content
// carried over the realtime channel is advisory only — clients re-fetch the
// conversation over REST rather than appending it locally, so racing events
// cannot produce duplicate or out-of-order entries.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"` // "text", "image", "file"
	FileURL        string `json:"file_url,omitempty"`
	Timestamp      int64  `json:"timestamp"` // unix milliseconds
}

// Conversation is the wire representation of a conversation.
type Conversation struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"` // "direct" or "group"
	Participants []string `json:"participants"`
	GroupName    string   `json:"group_name,omitempty"`
	CreatedAt    int64    `json:"created_at"` // unix milliseconds
}

// ---------------------------------------------------------------------------
// Client -> Broker event structs
// ---------------------------------------------------------------------------

// JoinEvent is sent by the client to join its personal room so that events
// addressed to the user (new conversations, deletions) reach it regardless of
// which conversation view is open.
type JoinEvent struct {
	Event  string `json:"event"`
	UserID string `json:"user_id"`
}

// JoinConversationEvent is sent by the client to join a conversation room.
// Joining is idempotent per room.
type JoinConversationEvent struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
}

// LeaveConversationEvent is sent by the client to leave a conversation room,
// so the broker does not retain stale membership across reconnects.
type LeaveConversationEvent struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
}

// TypingEvent announces that the user started typing in a conversation.
type TypingEvent struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Username       string `json:"username"`
}

// StopTypingEvent announces that the user stopped typing in a conversation.
type StopTypingEvent struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// PingEvent is a client-initiated keepalive ping.
type PingEvent struct {
	Event string `json:"event"`
}

// ---------------------------------------------------------------------------
// Broker -> Client event structs
// ---------------------------------------------------------------------------

// NewMessageEvent signals that a new message arrived in a conversation the
// client has joined.
type NewMessageEvent struct {
	Event   string  `json:"event"`
	Message Message `json:"message"`
}

// UserTypingEvent relays a remote user's typing-start to the conversation room.
type UserTypingEvent struct {
	Event    string `json:"event"`
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// UserStoppedTypingEvent relays a remote user's typing-stop to the room.
type UserStoppedTypingEvent struct {
	Event  string `json:"event"`
	UserID string `json:"user_id"`
}

// UsersOnlineEvent carries a full presence snapshot. Every snapshot is
// authoritative and total: the client replaces its entire online set, it never
// merges.
type UsersOnlineEvent struct {
	Event string   `json:"event"`
	Users []string `json:"users"`
}

// NewConversationEvent signals that a conversation involving the user was
// created.
type NewConversationEvent struct {
	Event        string       `json:"event"`
	Conversation Conversation `json:"conversation"`
}

// ConversationDeletedEvent signals that a conversation was removed.
type ConversationDeletedEvent struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
}

// ErrorEvent communicates an error condition to the client.
type ErrorEvent struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongEvent is the broker's response to a client ping.
type PongEvent struct {
	Event string `json:"event"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client->broker
// event. It returns the event name, the decoded struct, and any error
// encountered during parsing. Unknown or broker-only event names and payloads
// missing required fields are rejected here, before any handler runs.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Event {
	case EventJoin:
		var m JoinEvent
		err = decode(env.Raw, &m, func() error { return requireFields(env.Event, field{"user_id", m.UserID}) })
		msg = m
	case EventJoinConversation:
		var m JoinConversationEvent
		err = decode(env.Raw, &m, func() error { return requireFields(env.Event, field{"conversation_id", m.ConversationID}) })
		msg = m
	case EventLeaveConversation:
		var m LeaveConversationEvent
		err = decode(env.Raw, &m, func() error { return requireFields(env.Event, field{"conversation_id", m.ConversationID}) })
		msg = m
	case EventTyping:
		var m TypingEvent
		err = decode(env.Raw, &m, func() error {
			return requireFields(env.Event,
				field{"conversation_id", m.ConversationID},
				field{"user_id", m.UserID},
				field{"username", m.Username})
		})
		msg = m
	case EventStopTyping:
		var m StopTypingEvent
		err = decode(env.Raw, &m, func() error {
			return requireFields(env.Event,
				field{"conversation_id", m.ConversationID},
				field{"user_id", m.UserID})
		})
		msg = m
	case EventPing:
		var m PingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown client event %q", env.Event)
	}

	if err != nil {
		return env.Event, nil, err
	}
	return env.Event, msg, nil
}

// ParseServerEvent parses raw WebSocket bytes into a typed broker->client
// event. The client SDK uses this to validate inbound payloads before handing
// them to typed handlers.
func ParseServerEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Event {
	case EventNewMessage:
		var m NewMessageEvent
		err = decode(env.Raw, &m, func() error {
			return requireFields(env.Event, field{"message.conversation_id", m.Message.ConversationID})
		})
		msg = m
	case EventUserTyping:
		var m UserTypingEvent
		err = decode(env.Raw, &m, func() error {
			return requireFields(env.Event,
				field{"user_id", m.UserID},
				field{"username", m.Username})
		})
		msg = m
	case EventUserStoppedTyping:
		var m UserStoppedTypingEvent
		err = decode(env.Raw, &m, func() error { return requireFields(env.Event, field{"user_id", m.UserID}) })
		msg = m
	case EventUsersOnline:
		var m UsersOnlineEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventNewConversation:
		var m NewConversationEvent
		err = decode(env.Raw, &m, func() error { return requireFields(env.Event, field{"conversation.id", m.Conversation.ID}) })
		msg = m
	case EventConversationDeleted:
		var m ConversationDeletedEvent
		err = decode(env.Raw, &m, func() error { return requireFields(env.Event, field{"conversation_id", m.ConversationID}) })
		msg = m
	case EventError:
		var m ErrorEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case EventPong:
		var m PongEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Event, nil, fmt.Errorf("protocol: unknown server event %q", env.Event)
	}

	if err != nil {
		return env.Event, nil, err
	}
	return env.Event, msg, nil
}

// NewEvent serializes a payload struct after stamping the given event name
// into its "event" field. The payload must be a struct with an Event field
// tagged `json:"event"` — the stamp is done by marshalling through a map to
// avoid requiring every caller to set the field manually.
func NewEvent(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s payload: %w", event, err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: %s payload is not an object: %w", event, err)
	}
	m["event"] = event

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %s event: %w", event, err)
	}
	return data, nil
}

// field pairs a payload field name with its value for validation errors.
type field struct {
	name  string
	value string
}

// requireFields returns an error naming the first empty required field.
func requireFields(event string, fields ...field) error {
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("protocol: %s event missing required field %q", event, f.name)
		}
	}
	return nil
}

// decode unmarshals raw into dst and then runs the validation closure. The
// closure is evaluated after unmarshalling so it sees the populated struct.
func decode(raw json.RawMessage, dst interface{}, validate func() error) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("protocol: failed to decode event: %w", err)
	}
	return validate()
}

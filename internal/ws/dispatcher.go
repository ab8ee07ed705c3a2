package ws

import (
	"log"

	"github.com/chatline/chatline/internal/protocol"
)

// EventHandler is the callback signature for handling a parsed client event.
// The msg parameter is the concrete struct returned by
// protocol.ParseClientEvent (e.g., protocol.JoinEvent, protocol.TypingEvent).
type EventHandler func(conn *Connection, msg interface{})

// EventDispatcher routes incoming WebSocket events to registered handlers
// based on the event name. It handles the built-in ping/pong keepalive
// internally and sends structured error events for malformed or unsupported
// payloads. A panic inside a handler is contained to that one event so a bad
// payload cannot take the broker down.
type EventDispatcher struct {
	handlers map[string]EventHandler
	server   *Server
}

// NewEventDispatcher creates an EventDispatcher bound to the given server.
// The server reference is used to send responses back to clients.
func NewEventDispatcher(server *Server) *EventDispatcher {
	return &EventDispatcher{
		handlers: make(map[string]EventHandler),
		server:   server,
	}
}

// SetServer assigns the Server reference on the dispatcher. This supports the
// initialization pattern where the dispatcher is created before the server
// (since NewServer requires the Dispatch callback).
func (d *EventDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates an EventHandler with an event name. If a handler was
// already registered for the given event, it is silently replaced.
func (d *EventDispatcher) Register(event string, handler EventHandler) {
	d.handlers[event] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed event, handles ping internally, and routes all other events to
// the registered handler. Parse and validation errors and unregistered events
// result in an error event sent back to the client.
func (d *EventDispatcher) Dispatch(conn *Connection, data []byte) {
	event, msg, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid event payload")
		return
	}

	// Built-in ping handler — respond immediately without requiring registration.
	if event == protocol.EventPing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[event]
	if !ok {
		log.Printf("ws: unsupported event=%q conn=%s", event, conn.ID)
		d.sendError(conn, "unsupported_event", "unsupported event")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("ws: handler panic event=%q conn=%s: %v", event, conn.ID, r)
		}
	}()
	handler(conn, msg)
}

// sendError sends a structured error event back to the client. Errors during
// event construction or transmission are logged but not propagated.
func (d *EventDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewEvent(protocol.EventError, protocol.ErrorEvent{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error event conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong event and records the
// keepalive as client activity.
func (d *EventDispatcher) sendPong(conn *Connection) {
	conn.MarkAlive()

	data, err := protocol.NewEvent(protocol.EventPong, protocol.PongEvent{})
	if err != nil {
		log.Printf("ws: failed to build pong event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong event conn=%s: %v", conn.ID, err)
	}
}

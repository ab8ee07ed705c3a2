// Package messaging provides a NATS client wrapper for pub/sub fan-out
// between the REST API server and the realtime brokers. REST writes are
// published to per-conversation and per-user subjects; each broker relays
// them to the WebSocket connections that joined the matching rooms.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across Chatline services.
const (
	SubjectRoom            = "room"             // + .<conversation_id>
	SubjectUser            = "user"             // + .<user_id>
	SubjectPresenceRefresh = "presence.refresh" // ask brokers to rebroadcast snapshots
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "chatline",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishToRoom publishes data to the room.<conversationID> subject.
func (c *NATSClient) PublishToRoom(conversationID string, data []byte) error {
	return c.Publish(SubjectRoom+"."+conversationID, data)
}

// PublishToUser publishes data to the user.<userID> subject.
func (c *NATSClient) PublishToUser(userID string, data []byte) error {
	return c.Publish(SubjectUser+"."+userID, data)
}

// PublishPresenceRefresh asks all brokers to rebroadcast a presence snapshot.
func (c *NATSClient) PublishPresenceRefresh() error {
	return c.Publish(SubjectPresenceRefresh, nil)
}

// SubscribeRoom subscribes this broker to the room.<conversationID> subject.
// The subscription is created once per room on the first local join; repeated
// calls for the same room are no-ops, so joining is idempotent all the way
// down to the fan-out layer.
func (c *NATSClient) SubscribeRoom(conversationID string, handler func(data []byte)) error {
	subject := SubjectRoom + "." + conversationID

	c.mu.Lock()
	_, exists := c.subs[subject]
	c.mu.Unlock()
	if exists {
		return nil
	}

	return c.subscribe(subject, handler)
}

// UnsubscribeRoom drops the room.<conversationID> subscription once no local
// connection is a member of the room anymore.
func (c *NATSClient) UnsubscribeRoom(conversationID string) error {
	return c.unsubscribe(SubjectRoom + "." + conversationID)
}

// SubscribeUser subscribes this broker to the user.<userID> subject. Like
// SubscribeRoom, repeated calls for the same user are no-ops.
func (c *NATSClient) SubscribeUser(userID string, handler func(data []byte)) error {
	subject := SubjectUser + "." + userID

	c.mu.Lock()
	_, exists := c.subs[subject]
	c.mu.Unlock()
	if exists {
		return nil
	}

	return c.subscribe(subject, handler)
}

// UnsubscribeUser drops the user.<userID> subscription.
func (c *NATSClient) UnsubscribeUser(userID string) error {
	return c.unsubscribe(SubjectUser + "." + userID)
}

// SubscribePresenceRefresh subscribes to presence refresh requests.
func (c *NATSClient) SubscribePresenceRefresh(handler func()) error {
	return c.subscribe(SubjectPresenceRefresh, func([]byte) { handler() })
}

// subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) subscribe(subject string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// Package presence tracks which users are currently online. It stores one
// ephemeral session hash per WebSocket connection and a shared online-user
// set, both backed by Redis so that every broker instance sees the same
// authoritative state. Presence is exposed to clients only as full snapshots,
// never as incremental diffs.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for per-connection session hashes.
	SessionPrefix = "conn:"

	// RefsPrefix is the Redis key prefix for per-user connection counters.
	// A user is online while at least one connection references them.
	RefsPrefix = "presence:refs:"

	// OnlineKey is the Redis set holding the IDs of all online users.
	OnlineKey = "presence:online"

	// ConnsKey is the Redis hash mapping connection ID to user ID. Unlike
	// the session hashes it carries no TTL, so Disconnect can still unwind
	// the ref counter for a connection whose session key expired.
	ConnsKey = "presence:conns"

	// LastSeenKey is the Redis hash mapping user ID to last-seen unix time.
	LastSeenKey = "presence:lastseen"

	// SessionTTL is the time-to-live for connection session keys. Sessions
	// are refreshed by broker heartbeat activity; a key that expires belongs
	// to a broker that died without cleaning up.
	SessionTTL = 1 * time.Hour
)

// Session represents one WebSocket connection's state stored in Redis.
type Session struct {
	ID          string `redis:"id"`
	UserID      string `redis:"user_id"` // empty until the client sends join
	Server      string `redis:"server"`  // which broker instance owns it
	ConnectedAt int64  `redis:"connected_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store manages connection sessions and the online-user set in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this broker instance
}

// NewStore creates a new presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client. Used by the API server,
// which reads presence but never owns connections.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Connect records a new WebSocket connection. The session starts without a
// user ID; the user becomes known (and online) once Identify is called.
func (s *Store) Connect(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	now := time.Now().Unix()

	sess := map[string]interface{}{
		"id":           connID,
		"user_id":      "",
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, sess)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Identify binds a user ID to a connection and marks the user online. Calling
// it again with the same pair is harmless: the ref counter is only bumped on
// the first bind for that connection.
func (s *Store) Identify(ctx context.Context, connID, userID string) error {
	key := SessionPrefix + connID

	current, err := s.client.HGet(ctx, key, "user_id").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("presence: read session %s: %w", connID, err)
	}
	if current == userID {
		return nil // already identified as this user
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "user_id", userID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	pipe.HSet(ctx, ConnsKey, connID, userID)
	pipe.Incr(ctx, RefsPrefix+userID)
	pipe.SAdd(ctx, OnlineKey, userID)
	_, err = pipe.Exec(ctx)
	return err
}

// Disconnect tears down a connection's session. When the last connection for
// the user goes away, the user is removed from the online set and their
// last-seen timestamp is recorded. It returns the user ID that went offline,
// or an empty string if the user still has other connections (or was never
// identified).
func (s *Store) Disconnect(ctx context.Context, connID string) (string, error) {
	key := SessionPrefix + connID

	userID, err := s.client.HGet(ctx, key, "user_id").Result()
	if err == redis.Nil {
		// The session key expired while the connection was still up. Fall
		// back to the conns index so the ref counter still unwinds and the
		// user cannot linger in the online set forever.
		userID, err = s.client.HGet(ctx, ConnsKey, connID).Result()
		if err == redis.Nil {
			return "", nil
		}
	}
	if err != nil {
		return "", fmt.Errorf("presence: read session %s: %w", connID, err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, key)
	pipe.HDel(ctx, ConnsKey, connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("presence: delete session %s: %w", connID, err)
	}
	if userID == "" {
		return "", nil
	}

	refs, err := s.client.Decr(ctx, RefsPrefix+userID).Result()
	if err != nil {
		return "", fmt.Errorf("presence: decr refs for %s: %w", userID, err)
	}
	if refs > 0 {
		return "", nil
	}

	pipe = s.client.Pipeline()
	pipe.Del(ctx, RefsPrefix+userID)
	pipe.SRem(ctx, OnlineKey, userID)
	pipe.HSet(ctx, LastSeenKey, userID, time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("presence: mark %s offline: %w", userID, err)
	}
	return userID, nil
}

// Snapshot returns the full, authoritative set of online user IDs. Clients
// must treat every snapshot as a total replacement of their local set.
func (s *Store) Snapshot(ctx context.Context) ([]string, error) {
	users, err := s.client.SMembers(ctx, OnlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: snapshot: %w", err)
	}
	return users, nil
}

// IsOnline reports whether the user is in the online set.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	online, err := s.client.SIsMember(ctx, OnlineKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: is online: %w", err)
	}
	return online, nil
}

// LastSeen returns the last-seen unix timestamp for a user, or zero if the
// user has never been seen going offline.
func (s *Store) LastSeen(ctx context.Context, userID string) (int64, error) {
	v, err := s.client.HGet(ctx, LastSeenKey, userID).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("presence: last seen: %w", err)
	}
	ts, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("presence: malformed last seen %q: %w", v, err)
	}
	return ts, nil
}

// Touch refreshes a connection session's TTL and last-active timestamp.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var sess Session
	err := s.client.HGetAll(ctx, key).Scan(&sess)
	if err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

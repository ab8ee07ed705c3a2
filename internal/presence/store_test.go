package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestStore creates a Store connected to a local Redis instance and wipes
// presence keys before returning. Tests that call this helper require a
// running Redis on localhost:6379.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	cleanup := func() {
		client.Del(ctx, OnlineKey, LastSeenKey, ConnsKey)
		for _, pattern := range []string{SessionPrefix + "test_*", RefsPrefix + "test_*"} {
			iter := client.Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewStoreWithClient(client, "broker-test")
}

func TestIdentifyMarksOnline(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Connect(ctx, "test_conn1"); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if err := store.Identify(ctx, "test_conn1", "test_user1"); err != nil {
		t.Fatalf("Identify() error: %v", err)
	}

	online, err := store.IsOnline(ctx, "test_user1")
	if err != nil {
		t.Fatalf("IsOnline() error: %v", err)
	}
	if !online {
		t.Error("expected user online after Identify")
	}

	snapshot, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if len(snapshot) != 1 || snapshot[0] != "test_user1" {
		t.Errorf("expected snapshot [test_user1], got %v", snapshot)
	}
}

func TestIdentifyIsIdempotentPerConnection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Connect(ctx, "test_conn1")
	store.Identify(ctx, "test_conn1", "test_user1")
	store.Identify(ctx, "test_conn1", "test_user1") // repeat must not bump refs

	offline, err := store.Disconnect(ctx, "test_conn1")
	if err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if offline != "test_user1" {
		t.Errorf("expected user to go offline after single disconnect, got %q", offline)
	}
}

func TestUserStaysOnlineWithSecondConnection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Connect(ctx, "test_conn1")
	store.Connect(ctx, "test_conn2")
	store.Identify(ctx, "test_conn1", "test_user1")
	store.Identify(ctx, "test_conn2", "test_user1")

	offline, err := store.Disconnect(ctx, "test_conn1")
	if err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if offline != "" {
		t.Errorf("user still has a connection, expected no offline transition, got %q", offline)
	}

	online, _ := store.IsOnline(ctx, "test_user1")
	if !online {
		t.Error("expected user online while second connection remains")
	}

	offline, err = store.Disconnect(ctx, "test_conn2")
	if err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if offline != "test_user1" {
		t.Errorf("expected offline transition on last disconnect, got %q", offline)
	}
}

func TestDisconnectRecordsLastSeen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Connect(ctx, "test_conn1")
	store.Identify(ctx, "test_conn1", "test_user1")
	store.Disconnect(ctx, "test_conn1")

	ts, err := store.LastSeen(ctx, "test_user1")
	if err != nil {
		t.Fatalf("LastSeen() error: %v", err)
	}
	if ts == 0 {
		t.Error("expected non-zero last-seen timestamp after offline transition")
	}
}

func TestDisconnectUnidentifiedConnection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Connect(ctx, "test_conn1")

	offline, err := store.Disconnect(ctx, "test_conn1")
	if err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if offline != "" {
		t.Errorf("unidentified connection must not produce an offline user, got %q", offline)
	}

	// Disconnecting an unknown connection is a no-op, not an error.
	if _, err := store.Disconnect(ctx, "test_conn_missing"); err != nil {
		t.Errorf("unexpected error for unknown connection: %v", err)
	}
}

func TestDisconnectAfterSessionKeyExpiry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Connect(ctx, "test_conn1")
	if err := store.Identify(ctx, "test_conn1", "test_user1"); err != nil {
		t.Fatalf("Identify() error: %v", err)
	}

	// Simulate the session key hitting its TTL while the connection is
	// still up. The conns index must let Disconnect unwind the refcount
	// anyway, or the user ghosts in every future snapshot.
	if err := store.Client().Del(ctx, SessionPrefix+"test_conn1").Err(); err != nil {
		t.Fatalf("failed to expire session key: %v", err)
	}

	offline, err := store.Disconnect(ctx, "test_conn1")
	if err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	if offline != "test_user1" {
		t.Errorf("expected offline transition despite expired session, got %q", offline)
	}

	snapshot, err := store.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	for _, u := range snapshot {
		if u == "test_user1" {
			t.Error("user still in snapshot after disconnect with expired session")
		}
	}
	refs, err := store.Client().Exists(ctx, RefsPrefix+"test_user1").Result()
	if err != nil {
		t.Fatalf("Exists() error: %v", err)
	}
	if refs != 0 {
		t.Error("refs counter left behind after disconnect with expired session")
	}
}

func TestTouchRefreshesSessionTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.Connect(ctx, "test_conn1")
	key := SessionPrefix + "test_conn1"

	// Shrink the TTL, then verify Touch restores the full window.
	if err := store.Client().Expire(ctx, key, time.Minute).Err(); err != nil {
		t.Fatalf("Expire() error: %v", err)
	}
	if err := store.Touch(ctx, "test_conn1"); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	ttl, err := store.Client().TTL(ctx, key).Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= time.Minute {
		t.Errorf("expected TTL refreshed beyond %v, got %v", time.Minute, ttl)
	}
}

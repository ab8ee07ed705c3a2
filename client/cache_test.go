package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatline/chatline/internal/protocol"
)

// ---------------------------------------------------------------------------
// QueryCache
// ---------------------------------------------------------------------------

func TestCacheInvalidateTriggersFetch(t *testing.T) {
	c := NewQueryCache()
	var fetches int32
	c.Register("k", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&fetches, 1)
		return "v1", nil
	})

	c.Invalidate("k")
	waitFor(t, "fetch", func() bool {
		v, ok := c.Get("k")
		return ok && v == "v1"
	})
	if c.Stale("k") {
		t.Error("key still stale after successful re-fetch")
	}
	if got := atomic.LoadInt32(&fetches); got != 1 {
		t.Errorf("expected 1 fetch, got %d", got)
	}
}

func TestCacheCoalescesRapidInvalidations(t *testing.T) {
	c := NewQueryCache()

	started := make(chan struct{}, 8)
	release := make(chan struct{})
	var fetches int32
	c.Register("k", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&fetches, 1)
		started <- struct{}{}
		<-release
		return "v", nil
	})

	c.Invalidate("k")
	<-started

	// A burst of invalidations while the fetch is in flight must collapse
	// into exactly one follow-up fetch.
	for i := 0; i < 5; i++ {
		c.Invalidate("k")
	}
	close(release)

	<-started // the single follow-up
	waitFor(t, "settled", func() bool { return !c.Stale("k") })

	if got := atomic.LoadInt32(&fetches); got != 2 {
		t.Errorf("expected 2 fetches (initial + one coalesced), got %d", got)
	}
}

func TestCacheInvalidationIsScopedPerKey(t *testing.T) {
	c := NewQueryCache()
	var fetchedD int32
	c.Register(MessagesKey("conv-c"), func(ctx context.Context) (interface{}, error) {
		return "c-messages", nil
	})
	c.Register(MessagesKey("conv-d"), func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&fetchedD, 1)
		return "d-messages", nil
	})

	c.Invalidate(MessagesKey("conv-c"))
	waitFor(t, "conv-c refreshed", func() bool {
		_, ok := c.Get(MessagesKey("conv-c"))
		return ok
	})

	if c.Stale(MessagesKey("conv-d")) {
		t.Error("conversation D marked stale by conversation C's event")
	}
	if got := atomic.LoadInt32(&fetchedD); got != 0 {
		t.Errorf("conversation D fetched %d times, want 0", got)
	}
}

func TestCacheFetchErrorKeepsKeyStale(t *testing.T) {
	c := NewQueryCache()
	var fetches int32
	c.Register("k", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&fetches, 1)
		return nil, context.DeadlineExceeded
	})

	c.Invalidate("k")
	waitFor(t, "fetch attempted", func() bool { return atomic.LoadInt32(&fetches) == 1 })

	time.Sleep(10 * time.Millisecond)
	if !c.Stale("k") {
		t.Error("key must stay stale after a failed re-fetch")
	}
	if _, ok := c.Get("k"); ok {
		t.Error("no value should be cached after a failed fetch")
	}

	// The next invalidation retries.
	c.Invalidate("k")
	waitFor(t, "retry", func() bool { return atomic.LoadInt32(&fetches) == 2 })
}

func TestCacheInvalidateUnregisteredKeyOnlyMarksStale(t *testing.T) {
	c := NewQueryCache()
	c.Invalidate("later")
	if !c.Stale("later") {
		t.Fatal("expected key marked stale")
	}

	var fetches int32
	c.Register("later", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&fetches, 1)
		return "v", nil
	})
	c.Refresh("later")
	waitFor(t, "deferred fetch", func() bool { return atomic.LoadInt32(&fetches) == 1 })
}

// ---------------------------------------------------------------------------
// RecentMessages
// ---------------------------------------------------------------------------

func TestRecentMessagesKeepsLastN(t *testing.T) {
	rm := NewRecentMessages()
	for i := 0; i < MaxRecentMessages+2; i++ {
		rm.Add(protocol.Message{
			ID:             string(rune('a' + i)),
			ConversationID: "conv-1",
			Content:        string(rune('a' + i)),
		})
	}

	got := rm.Get("conv-1")
	if len(got) != MaxRecentMessages {
		t.Fatalf("expected %d messages, got %d", MaxRecentMessages, len(got))
	}
	// Oldest first, with the first two entries evicted.
	if got[0].Content != "c" || got[len(got)-1].Content != "g" {
		t.Errorf("unexpected window: first=%q last=%q", got[0].Content, got[len(got)-1].Content)
	}
}

func TestRecentMessagesPerConversation(t *testing.T) {
	rm := NewRecentMessages()
	rm.Add(protocol.Message{ConversationID: "conv-1", Content: "one"})
	rm.Add(protocol.Message{ConversationID: "conv-2", Content: "two"})

	if got := rm.Get("conv-1"); len(got) != 1 || got[0].Content != "one" {
		t.Errorf("conv-1 buffer wrong: %+v", got)
	}
	rm.Remove("conv-1")
	if got := rm.Get("conv-1"); len(got) != 0 {
		t.Errorf("expected empty buffer after Remove, got %+v", got)
	}
	if got := rm.Get("conv-2"); len(got) != 1 {
		t.Errorf("conv-2 buffer disturbed: %+v", got)
	}
}

// ---------------------------------------------------------------------------
// CacheBridge
// ---------------------------------------------------------------------------

func TestBridgeNewMessageInvalidatesOnlyItsConversation(t *testing.T) {
	s, broker := newTestSession(t)
	cache := NewQueryCache()
	bridge := NewCacheBridge(s, cache)
	defer bridge.Close()

	fetchesC := make(chan struct{}, 8)
	cache.Register(MessagesKey("conv-c"), func(ctx context.Context) (interface{}, error) {
		fetchesC <- struct{}{}
		return []protocol.Message{{Content: "fresh"}}, nil
	})
	var fetchedD int32
	cache.Register(MessagesKey("conv-d"), func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&fetchedD, 1)
		return nil, nil
	})

	broker.push(t, []byte(`{"event":"new_message","message":{"id":"m1","conversation_id":"conv-c","sender_id":"user-b","content":"hi"}}`))

	select {
	case <-fetchesC:
	case <-time.After(2 * time.Second):
		t.Fatal("conversation C was not re-fetched")
	}
	if got := atomic.LoadInt32(&fetchedD); got != 0 {
		t.Errorf("conversation D re-fetched %d times, want 0", got)
	}

	// The realtime payload feeds the preview buffer, not the cache.
	waitFor(t, "preview buffered", func() bool {
		msgs := bridge.Recent().Get("conv-c")
		return len(msgs) == 1 && msgs[0].Content == "hi"
	})
}

func TestBridgeConversationLifecycleInvalidatesList(t *testing.T) {
	s, broker := newTestSession(t)
	cache := NewQueryCache()
	bridge := NewCacheBridge(s, cache)
	defer bridge.Close()

	fetches := make(chan struct{}, 8)
	cache.Register(ConversationsKey, func(ctx context.Context) (interface{}, error) {
		fetches <- struct{}{}
		return nil, nil
	})

	broker.push(t, []byte(`{"event":"new-conversation","conversation":{"id":"conv-9","type":"direct","participants":["user-local","user-b"]}}`))
	select {
	case <-fetches:
	case <-time.After(2 * time.Second):
		t.Fatal("conversation list not re-fetched on new-conversation")
	}

	bridge.Recent().Add(protocol.Message{ConversationID: "conv-9", Content: "bye"})
	broker.push(t, []byte(`{"event":"conversation-deleted","conversation_id":"conv-9"}`))
	select {
	case <-fetches:
	case <-time.After(2 * time.Second):
		t.Fatal("conversation list not re-fetched on conversation-deleted")
	}
	waitFor(t, "preview dropped", func() bool { return len(bridge.Recent().Get("conv-9")) == 0 })
}

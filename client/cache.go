package client

import (
	"context"
	"log"
	"sync"

	"github.com/chatline/chatline/internal/protocol"
)

// ---------------------------------------------------------------------------
// QueryCache
// ---------------------------------------------------------------------------

// Fetcher re-fetches the authoritative value for a cache key, typically over
// REST.
type Fetcher func(ctx context.Context) (interface{}, error)

// Cache key helpers. Message lists are cached per conversation so that
// invalidating one conversation never disturbs another.
func MessagesKey(conversationID string) string { return "messages:" + conversationID }

// ConversationsKey is the cache key for the conversation list.
const ConversationsKey = "conversations"

// QueryCache holds REST-sourced read models keyed by string. Invalidation is
// idempotent and coalesced: any number of invalidations arriving while a
// re-fetch is in flight collapse into at most one follow-up fetch, so a burst
// of realtime events never produces a burst of network calls.
type QueryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	fetch    Fetcher
	value    interface{}
	hasValue bool
	stale    bool
	fetching bool
	// dirty records an invalidation that arrived mid-fetch; one more fetch
	// runs when the current one completes.
	dirty bool
}

// NewQueryCache creates an empty cache.
func NewQueryCache() *QueryCache {
	return &QueryCache{entries: make(map[string]*cacheEntry)}
}

// Register installs the fetcher for a key. Registering a key twice replaces
// its fetcher but keeps any cached value.
func (c *QueryCache) Register(key string, fetch Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	e.fetch = fetch
}

// Get returns the cached value for a key and whether a value is present. A
// stale value is still returned; callers display it while the re-fetch runs.
func (c *QueryCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.hasValue {
		return nil, false
	}
	return e.value, true
}

// Stale reports whether the key is currently marked stale.
func (c *QueryCache) Stale(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return ok && e.stale
}

// Invalidate marks the key stale and triggers an asynchronous re-fetch.
// Invalidating an unregistered key only records the staleness; the fetch runs
// once a fetcher is registered and Refresh is called. Invalidating a key that
// is already stale or already fetching does not start a redundant fetch.
func (c *QueryCache) Invalidate(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{}
		c.entries[key] = e
	}
	e.stale = true
	if e.fetch == nil {
		c.mu.Unlock()
		return
	}
	if e.fetching {
		e.dirty = true
		c.mu.Unlock()
		return
	}
	e.fetching = true
	fetch := e.fetch
	c.mu.Unlock()

	go c.runFetch(key, fetch)
}

// Refresh forces a re-fetch of a stale key, used after registering a fetcher
// for a key that was invalidated earlier.
func (c *QueryCache) Refresh(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || e.fetch == nil || e.fetching {
		if ok && e.fetching {
			e.dirty = true
		}
		c.mu.Unlock()
		return
	}
	e.fetching = true
	fetch := e.fetch
	c.mu.Unlock()

	go c.runFetch(key, fetch)
}

func (c *QueryCache) runFetch(key string, fetch Fetcher) {
	for {
		value, err := fetch(context.Background())

		c.mu.Lock()
		e := c.entries[key]
		if e == nil {
			c.mu.Unlock()
			return
		}
		if err != nil {
			// The key stays stale; the next invalidation retries.
			e.fetching = false
			e.dirty = false
			c.mu.Unlock()
			log.Printf("client: re-fetch of %s failed: %v", key, err)
			return
		}
		e.value = value
		e.hasValue = true
		e.stale = false
		if !e.dirty {
			e.fetching = false
			c.mu.Unlock()
			return
		}
		// An invalidation landed mid-fetch; go around once more.
		e.dirty = false
		e.stale = true
		fetch = e.fetch
		c.mu.Unlock()
	}
}

// Drop removes a key and its cached value entirely.
func (c *QueryCache) Drop(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// ---------------------------------------------------------------------------
// Recent message buffer
// ---------------------------------------------------------------------------

// MaxRecentMessages is the number of realtime message previews retained per
// conversation.
const MaxRecentMessages = 5

// RecentMessages stores the last few messages seen on the realtime channel
// per conversation, for preview display only. The authoritative list always
// comes from REST via the QueryCache.
type RecentMessages struct {
	mu      sync.RWMutex
	buffers map[string]*ringBuffer
}

type ringBuffer struct {
	items []protocol.Message
	pos   int
	count int
}

// NewRecentMessages creates an empty buffer set.
func NewRecentMessages() *RecentMessages {
	return &RecentMessages{buffers: make(map[string]*ringBuffer)}
}

// Add appends a message to its conversation's ring buffer, overwriting the
// oldest entry when full.
func (rm *RecentMessages) Add(msg protocol.Message) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rb, ok := rm.buffers[msg.ConversationID]
	if !ok {
		rb = &ringBuffer{items: make([]protocol.Message, MaxRecentMessages)}
		rm.buffers[msg.ConversationID] = rb
	}

	rb.items[rb.pos] = msg
	rb.pos = (rb.pos + 1) % MaxRecentMessages
	if rb.count < MaxRecentMessages {
		rb.count++
	}
}

// Get returns the buffered messages for a conversation in chronological
// order, oldest first.
func (rm *RecentMessages) Get(conversationID string) []protocol.Message {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	rb, ok := rm.buffers[conversationID]
	if !ok {
		return []protocol.Message{}
	}

	result := make([]protocol.Message, rb.count)
	start := (rb.pos - rb.count + MaxRecentMessages) % MaxRecentMessages
	for i := 0; i < rb.count; i++ {
		result[i] = rb.items[(start+i)%MaxRecentMessages]
	}
	return result
}

// Remove deletes a conversation's buffer, called when the conversation is
// deleted.
func (rm *RecentMessages) Remove(conversationID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.buffers, conversationID)
}

// ---------------------------------------------------------------------------
// CacheBridge
// ---------------------------------------------------------------------------

// CacheBridge connects inbound realtime events to cache invalidation. A
// new_message event marks that conversation's message list stale; conversation
// lifecycle events mark the conversation list stale. Event payload content is
// never applied to the cache directly, only used to pick which key to
// invalidate, because REST re-fetch is the sole source of truth for ordering.
type CacheBridge struct {
	cache  *QueryCache
	recent *RecentMessages
	subs   []*Subscription
}

// NewCacheBridge wires the session's message and conversation events into the
// cache. Call Close on teardown to release the subscriptions.
func NewCacheBridge(session *Session, cache *QueryCache) *CacheBridge {
	b := &CacheBridge{
		cache:  cache,
		recent: NewRecentMessages(),
	}
	b.subs = append(b.subs,
		session.On(protocol.EventNewMessage, b.onNewMessage),
		session.On(protocol.EventNewConversation, b.onNewConversation),
		session.On(protocol.EventConversationDeleted, b.onConversationDeleted),
	)
	return b
}

// Recent exposes the realtime preview buffer.
func (b *CacheBridge) Recent() *RecentMessages { return b.recent }

// Close removes the bridge's subscriptions.
func (b *CacheBridge) Close() {
	for _, sub := range b.subs {
		sub.Off()
	}
}

func (b *CacheBridge) onNewMessage(msg interface{}) {
	evt, ok := msg.(protocol.NewMessageEvent)
	if !ok {
		return
	}
	b.recent.Add(evt.Message)
	b.cache.Invalidate(MessagesKey(evt.Message.ConversationID))
}

func (b *CacheBridge) onNewConversation(msg interface{}) {
	if _, ok := msg.(protocol.NewConversationEvent); !ok {
		return
	}
	b.cache.Invalidate(ConversationsKey)
}

func (b *CacheBridge) onConversationDeleted(msg interface{}) {
	evt, ok := msg.(protocol.ConversationDeletedEvent)
	if !ok {
		return
	}
	b.recent.Remove(evt.ConversationID)
	b.cache.Drop(MessagesKey(evt.ConversationID))
	b.cache.Invalidate(ConversationsKey)
}

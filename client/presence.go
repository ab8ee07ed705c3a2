package client

import (
	"sync"

	"github.com/chatline/chatline/internal/protocol"
)

// Presence tracks which counterpart users the broker currently reports online.
// The broker sends full snapshots, never deltas: every users_online event
// replaces the whole set. The set is cleared on disconnect so stale presence
// is never displayed while the realtime channel is down.
type Presence struct {
	session *Session

	mu     sync.RWMutex
	online map[string]struct{}

	subs []*Subscription
}

// NewPresence creates a presence tracker bound to the session. It subscribes
// to users_online and disconnect notifications immediately; call Close to
// release the subscriptions.
func NewPresence(session *Session) *Presence {
	p := &Presence{
		session: session,
		online:  make(map[string]struct{}),
	}
	p.subs = append(p.subs,
		session.On(protocol.EventUsersOnline, p.onSnapshot),
		session.OnDisconnect(func(interface{}) { p.clear() }),
	)
	return p
}

// IsOnline reports whether the user was present in the last snapshot.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[userID]
	return ok
}

// Online returns the users present in the last snapshot.
func (p *Presence) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.online))
	for id := range p.online {
		out = append(out, id)
	}
	return out
}

// Close removes the tracker's subscriptions and clears its state.
func (p *Presence) Close() {
	for _, sub := range p.subs {
		sub.Off()
	}
	p.clear()
}

func (p *Presence) onSnapshot(msg interface{}) {
	evt, ok := msg.(protocol.UsersOnlineEvent)
	if !ok {
		return
	}
	next := make(map[string]struct{}, len(evt.Users))
	for _, id := range evt.Users {
		next[id] = struct{}{}
	}
	p.mu.Lock()
	p.online = next
	p.mu.Unlock()
}

func (p *Presence) clear() {
	p.mu.Lock()
	p.online = make(map[string]struct{})
	p.mu.Unlock()
}

// Package room maintains the broker's in-memory room membership: which local
// WebSocket connections have joined which logical rooms. A room scopes event
// delivery so concurrent conversation views do not cross-talk. Rooms exist
// only while they have members; there is no separate create/destroy step.
package room

import "sync"

// Registry is a goroutine-safe map of room IDs to member connection IDs, with
// a reverse index so a disconnecting connection can be dropped from all of
// its rooms in one call.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // roomID -> set of connIDs
	byConn map[string]map[string]struct{} // connID -> set of roomIDs
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join adds a connection to a room. Joining is idempotent: re-joining a room
// the connection is already in changes nothing. It returns true if this was
// the room's first local member, which callers use to establish the room's
// fan-out subscription exactly once.
func (r *Registry) Join(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	first := len(members) == 0
	members[connID] = struct{}{}

	joined, ok := r.byConn[connID]
	if !ok {
		joined = make(map[string]struct{})
		r.byConn[connID] = joined
	}
	joined[roomID] = struct{}{}

	return first
}

// Leave removes a connection from a room. It returns true if the room is now
// empty, which callers use to tear down the room's fan-out subscription.
// Leaving a room the connection never joined is a no-op.
func (r *Registry) Leave(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(roomID, connID)
}

// DropConn removes a connection from every room it joined and returns the IDs
// of rooms left empty as a result. Called on disconnect.
func (r *Registry) DropConn(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var emptied []string
	for roomID := range r.byConn[connID] {
		if r.leaveLocked(roomID, connID) {
			emptied = append(emptied, roomID)
		}
	}
	return emptied
}

// Members returns the connection IDs currently in the room.
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.rooms[roomID]))
	for connID := range r.rooms[roomID] {
		members = append(members, connID)
	}
	return members
}

// Contains reports whether the connection is a member of the room.
func (r *Registry) Contains(roomID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[roomID][connID]
	return ok
}

// Rooms returns the room IDs the connection has joined.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.byConn[connID]))
	for roomID := range r.byConn[connID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// Count returns the number of rooms with at least one member.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// leaveLocked removes the membership pair and prunes empty sets. Caller must
// hold the write lock. Returns true if the room was left empty.
func (r *Registry) leaveLocked(roomID, connID string) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, in := members[connID]; !in {
		return false
	}
	delete(members, connID)

	if joined, ok := r.byConn[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}

	if len(members) == 0 {
		delete(r.rooms, roomID)
		return true
	}
	return false
}

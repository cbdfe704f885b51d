// Package room maintains named groups of connections. A room exists only
// while it has at least one member.
package room

import (
	"log"
	"sort"
	"sync"
)

// Registry answers whether a connection is still open.
type Registry interface {
	Exists(id string) bool
}

// Membership maps room names to member sets, with a reverse index from
// connection ID to the rooms that connection is in.
type Membership struct {
	mu       sync.RWMutex
	registry Registry
	rooms    map[string]map[string]struct{}
	byConn   map[string]map[string]struct{}
}

// NewMembership creates an empty Membership. Joins and leaves for
// connections unknown to reg are rejected.
func NewMembership(reg Registry) *Membership {
	return &Membership{
		registry: reg,
		rooms:    make(map[string]map[string]struct{}),
		byConn:   make(map[string]map[string]struct{}),
	}
}

// Join adds connID to room, creating the room on first join. Joining a room
// the connection is already in is a no-op that still returns true. It
// returns false if the room name is empty or the connection is not open.
func (m *Membership) Join(connID, room string) bool {
	if room == "" {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Checked under the membership lock so a concurrent disconnect, which
	// unregisters before calling RemoveConnection, cannot leave a stale entry.
	if !m.registry.Exists(connID) {
		log.Printf("[room] join %q from unknown conn=%s ignored", room, connID)
		return false
	}

	members, ok := m.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		m.rooms[room] = members
	}
	members[connID] = struct{}{}

	joined, ok := m.byConn[connID]
	if !ok {
		joined = make(map[string]struct{})
		m.byConn[connID] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes connID from room. It returns false if the connection is not
// open or was not a member.
func (m *Membership) Leave(connID, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registry.Exists(connID) {
		log.Printf("[room] leave %q from unknown conn=%s ignored", room, connID)
		return false
	}
	return m.removeLocked(connID, room)
}

// RemoveConnection drops connID from every room it belongs to and returns
// the names of those rooms.
func (m *Membership) RemoveConnection(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined := m.byConn[connID]
	left := make([]string, 0, len(joined))
	for room := range joined {
		left = append(left, room)
	}
	for _, room := range left {
		m.removeLocked(connID, room)
	}
	sort.Strings(left)
	return left
}

func (m *Membership) removeLocked(connID, room string) bool {
	members, ok := m.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}

	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms, room)
	}

	if joined, ok := m.byConn[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(m.byConn, connID)
		}
	}
	return true
}

// Members returns the sorted IDs of the connections in room.
func (m *Membership) Members(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.membersLocked(room)
}

func (m *Membership) membersLocked(room string) []string {
	members := m.rooms[room]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomsOf returns the sorted names of the rooms connID is in.
func (m *Membership) RoomsOf(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	joined := m.byConn[connID]
	rooms := make([]string, 0, len(joined))
	for room := range joined {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// IsMember reports whether connID is in room.
func (m *Membership) IsMember(connID, room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.rooms[room][connID]
	return ok
}

// RoomCount returns the number of non-empty rooms.
func (m *Membership) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Deliver calls fn with the current members of room while holding the read
// lock. Joins and leaves block until fn returns, so fn sees exactly the
// membership at send time. fn must not call back into Membership mutators.
func (m *Membership) Deliver(room string, fn func(members []string)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(m.membersLocked(room))
}

package memory

import (
	"slices"

	"github.com/adwski/huddle/backend/model"
)

type member struct {
	identity model.Identity
	bound    bool
	rooms    map[string]struct{}
}

// Registry maps rooms to the connections joined to them and connections to
// the identities bound on them. It keeps both directions of room membership
// in step: a connection is a member of a room exactly when the room is in the
// connection's joined set.
//
// Registry is not safe for concurrent use; it is owned by a single event loop.
type Registry struct {
	rooms map[string]map[model.ConnID]struct{}
	conns map[model.ConnID]*member
	users map[string]map[model.ConnID]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[model.ConnID]struct{}),
		conns: make(map[model.ConnID]*member),
		users: make(map[string]map[model.ConnID]struct{}),
	}
}

func (r *Registry) member(connID model.ConnID) *member {
	m, ok := r.conns[connID]
	if !ok {
		m = &member{rooms: make(map[string]struct{})}
		r.conns[connID] = m
	}
	return m
}

// Bind associates an identity with a connection. A second call overwrites the
// first; the previous identity is returned with rebound set so the caller can
// report it.
func (r *Registry) Bind(connID model.ConnID, id model.Identity) (model.Identity, bool) {
	m := r.member(connID)
	prev, rebound := m.identity, m.bound
	if rebound {
		r.unindexUser(prev.UserID, connID)
	}
	m.identity = id
	m.bound = true

	conns, ok := r.users[id.UserID]
	if !ok {
		conns = make(map[model.ConnID]struct{})
		r.users[id.UserID] = conns
	}
	conns[connID] = struct{}{}
	return prev, rebound
}

func (r *Registry) unindexUser(userID string, connID model.ConnID) {
	conns, ok := r.users[userID]
	if !ok {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.users, userID)
	}
}

// Identity returns the identity bound to the connection.
func (r *Registry) Identity(connID model.ConnID) (model.Identity, bool) {
	m, ok := r.conns[connID]
	if !ok || !m.bound {
		return model.Identity{}, false
	}
	return m.identity, true
}

// Connections returns the live connections bound to the user.
func (r *Registry) Connections(userID string) []model.ConnID {
	return sortedKeys(r.users[userID])
}

// Online reports whether the user has at least one bound connection.
func (r *Registry) Online(userID string) bool {
	return len(r.users[userID]) > 0
}

// Join adds the connection to the room, creating the room if needed.
// It reports false when the connection already was a member.
func (r *Registry) Join(roomID string, connID model.ConnID) bool {
	m := r.member(connID)
	if _, ok := m.rooms[roomID]; ok {
		return false
	}
	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[model.ConnID]struct{})
		r.rooms[roomID] = room
	}
	room[connID] = struct{}{}
	m.rooms[roomID] = struct{}{}
	return true
}

// Leave removes the connection from the room and deletes the room once it is
// empty. It reports false when the connection was not a member.
func (r *Registry) Leave(roomID string, connID model.ConnID) bool {
	m, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, ok = m.rooms[roomID]; !ok {
		return false
	}
	delete(m.rooms, roomID)
	if room, ok := r.rooms[roomID]; ok {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
	return true
}

// LeaveAll removes the connection from every room it joined and forgets its
// identity binding. The rooms it left are returned in sorted order.
func (r *Registry) LeaveAll(connID model.ConnID) []string {
	m, ok := r.conns[connID]
	if !ok {
		return nil
	}
	left := sortedKeys(m.rooms)
	for _, roomID := range left {
		r.Leave(roomID, connID)
	}
	if m.bound {
		r.unindexUser(m.identity.UserID, connID)
	}
	delete(r.conns, connID)
	return left
}

// Members returns the connections joined to the room, sorted.
// An unknown room has no members.
func (r *Registry) Members(roomID string) []model.ConnID {
	return sortedKeys(r.rooms[roomID])
}

// JoinedRooms returns the rooms the connection is a member of, sorted.
func (r *Registry) JoinedRooms(connID model.ConnID) []string {
	m, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return sortedKeys(m.rooms)
}

func (r *Registry) Rooms() int {
	return len(r.rooms)
}

func (r *Registry) Users() int {
	return len(r.users)
}

// Snapshot describes a room with the user ids of its members.
func (r *Registry) Snapshot(roomID string) (model.Room, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return model.Room{}, false
	}
	snap := model.Room{ID: roomID, Participants: make([]model.Participant, 0, len(room))}
	for _, connID := range sortedKeys(room) {
		p := model.Participant{ConnID: connID}
		if id, ok := r.Identity(connID); ok {
			p.UserID = id.UserID
			p.Name = id.Name
		}
		snap.Participants = append(snap.Participants, p)
	}
	return snap, true
}

func sortedKeys[K ~string](set map[K]struct{}) []K {
	if len(set) == 0 {
		return nil
	}
	keys := make([]K, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

package registry

import (
	"errors"
	"sync"
)

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrRoomNotFound           = errors.New("room not found")
)

// ActiveRooms answers whether a room code resolves to a live session.
type ActiveRooms interface {
	Exists(code string) bool
}

// Registry maps live connections to authenticated identities and to at most
// one room. Room membership itself lives on the session; dropping a
// connection here never touches it, which is what makes reconnection free.
type Registry struct {
	mu    sync.RWMutex
	users map[string]string              // connID → userID
	rooms map[string]string              // connID → roomCode
	conns map[string]map[string]struct{} // userID → live connIDs
	live  ActiveRooms
}

func New(live ActiveRooms) *Registry {
	return &Registry{
		users: make(map[string]string),
		rooms: make(map[string]string),
		conns: make(map[string]map[string]struct{}),
		live:  live,
	}
}

// Bind associates a connection with an authenticated identity.
func (r *Registry) Bind(connID, userID string) error {
	if userID == "" {
		return ErrAuthenticationRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[connID] = userID
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		r.conns[userID] = set
	}
	set[connID] = struct{}{}
	return nil
}

// JoinRoom points the connection at a room. The code must resolve to an
// active session.
func (r *Registry) JoinRoom(connID, roomCode string) error {
	if r.live != nil && !r.live.Exists(roomCode) {
		return ErrRoomNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[connID]; !ok {
		return ErrAuthenticationRequired
	}
	r.rooms[connID] = roomCode
	return nil
}

// LeaveRoom clears the connection's room association.
func (r *Registry) LeaveRoom(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, connID)
}

// Resolve returns every live connection for an identity. Empty when the user
// is offline — callers still count the user as an expected receiver.
func (r *Registry) Resolve(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.conns[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// UserOf returns the identity bound to a connection.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[connID]
	return u, ok
}

// RoomOf returns the room a connection has joined.
func (r *Registry) RoomOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.rooms[connID]
	return c, ok
}

// OnDisconnect removes the connection's mappings. Player state in the room is
// untouched so the user can reconnect and resync.
func (r *Registry) OnDisconnect(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if userID, ok := r.users[connID]; ok {
		if set, ok := r.conns[userID]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.conns, userID)
			}
		}
	}
	delete(r.users, connID)
	delete(r.rooms, connID)
}

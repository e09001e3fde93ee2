package client

import (
	"sync"
	"time"
)

// Membership is the client's belief that it is subscribed to a room. It is
// acknowledged only once the server confirms the join on the current
// connection; every reconnect resets acknowledgments until re-confirmed.
type Membership struct {
	RoomID       string
	JoinedAt     time.Time
	Acknowledged bool
}

// roomRegistry tracks joined rooms, keyed by room id. Re-joining replaces
// the entry rather than duplicating it.
type roomRegistry struct {
	mu    sync.Mutex
	rooms map[string]*Membership
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{rooms: make(map[string]*Membership)}
}

// add records a membership, returning the existing one when already present.
// The second result reports whether the room was already registered.
func (r *roomRegistry) add(roomID string) (*Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.rooms[roomID]; ok {
		return m, true
	}
	m := &Membership{RoomID: roomID, JoinedAt: time.Now()}
	r.rooms[roomID] = m
	return m, false
}

func (r *roomRegistry) get(roomID string) (*Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rooms[roomID]
	return m, ok
}

func (r *roomRegistry) remove(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[roomID]; !ok {
		return false
	}
	delete(r.rooms, roomID)
	return true
}

func (r *roomRegistry) acknowledge(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.rooms[roomID]; ok {
		m.Acknowledged = true
	}
}

// resetAcks marks every membership unacknowledged. Called on reconnect:
// acks belong to a connection, not to the session.
func (r *roomRegistry) resetAcks() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rooms {
		m.Acknowledged = false
	}
}

// list returns the current memberships in no particular order.
func (r *roomRegistry) list() []*Membership {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Membership, 0, len(r.rooms))
	for _, m := range r.rooms {
		out = append(out, m)
	}
	return out
}

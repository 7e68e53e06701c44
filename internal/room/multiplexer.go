// Package room maps conversation ids to the connections currently
// subscribed to them and fans events out to those subscribers. A reverse
// index from connection id to joined conversations makes disconnect
// cleanup O(rooms joined) instead of a scan over every room.
package room

import "sync"

// SendFunc delivers an encoded frame to a single connection. Delivery
// failures are the transport's problem; the multiplexer ignores them and
// lets the connection layer evict dead peers.
type SendFunc func(connID string, data []byte) error

// Multiplexer is the process-wide registry of room subscriptions. It is
// constructed once per process and passed by reference into connection
// handlers. All mutations are single atomic steps under one mutex.
type Multiplexer struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // conversation_id -> conn ids
	byConn map[string]map[string]struct{} // conn_id -> conversation ids
	send   SendFunc
}

// NewMultiplexer creates an empty Multiplexer that delivers broadcasts
// through send.
func NewMultiplexer(send SendFunc) *Multiplexer {
	return &Multiplexer{
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
		send:   send,
	}
}

// Join subscribes connID to the conversation's room. Joining a room the
// connection is already in is a no-op. It returns true when the room went
// from empty to non-empty, which callers use to set up cross-process
// relay subscriptions.
func (m *Multiplexer) Join(conversationID, connID string) (firstSubscriber bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs, ok := m.rooms[conversationID]
	if !ok {
		subs = make(map[string]struct{})
		m.rooms[conversationID] = subs
	}
	wasEmpty := len(subs) == 0
	subs[connID] = struct{}{}

	joined, ok := m.byConn[connID]
	if !ok {
		joined = make(map[string]struct{})
		m.byConn[connID] = joined
	}
	joined[conversationID] = struct{}{}

	return wasEmpty
}

// Leave unsubscribes connID from the conversation's room. Leaving a room
// the connection is not in is a no-op. It returns true when the room
// became empty.
func (m *Multiplexer) Leave(conversationID, connID string) (roomEmpty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaveLocked(conversationID, connID)
}

func (m *Multiplexer) leaveLocked(conversationID, connID string) bool {
	subs, ok := m.rooms[conversationID]
	if !ok {
		return false
	}
	if _, ok := subs[connID]; !ok {
		return false
	}
	delete(subs, connID)

	if joined, ok := m.byConn[connID]; ok {
		delete(joined, conversationID)
		if len(joined) == 0 {
			delete(m.byConn, connID)
		}
	}

	if len(subs) == 0 {
		delete(m.rooms, conversationID)
		return true
	}
	return false
}

// DropConnection removes connID from every room it was subscribed to,
// using the reverse index. It returns the ids of conversations whose
// rooms became empty as a result.
func (m *Multiplexer) DropConnection(connID string) (emptiedRooms []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	joined, ok := m.byConn[connID]
	if !ok {
		return nil
	}

	for conversationID := range joined {
		if m.leaveLocked(conversationID, connID) {
			emptiedRooms = append(emptiedRooms, conversationID)
		}
	}
	return emptiedRooms
}

// Broadcast delivers data to every current subscriber of the conversation
// except excludeConnID (pass "" to deliver to everyone). The subscriber
// set is snapshotted under the read lock so sends happen without holding
// it.
func (m *Multiplexer) Broadcast(conversationID string, data []byte, excludeConnID string) {
	m.mu.RLock()
	subs, ok := m.rooms[conversationID]
	if !ok || len(subs) == 0 {
		m.mu.RUnlock()
		return
	}
	targets := make([]string, 0, len(subs))
	for connID := range subs {
		if excludeConnID != "" && connID == excludeConnID {
			continue
		}
		targets = append(targets, connID)
	}
	m.mu.RUnlock()

	for _, connID := range targets {
		_ = m.send(connID, data)
	}
}

// Subscribers returns the conn ids currently joined to the conversation.
func (m *Multiplexer) Subscribers(conversationID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := m.rooms[conversationID]
	out := make([]string, 0, len(subs))
	for connID := range subs {
		out = append(out, connID)
	}
	return out
}

// RoomCount returns the number of rooms with at least one subscriber.
func (m *Multiplexer) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Joined returns the conversations connID is currently subscribed to.
func (m *Multiplexer) Joined(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	joined := m.byConn[connID]
	out := make([]string, 0, len(joined))
	for conversationID := range joined {
		out = append(out, conversationID)
	}
	return out
}

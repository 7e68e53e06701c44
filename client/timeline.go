package client

import (
	"sync"

	"github.com/craftline/support-chat/internal/protocol"
)

// Entry states. An optimistic entry starts pending and settles exactly
// once, to sent or failed.
const (
	StatePending = "pending"
	StateSent    = "sent"
	StateFailed  = "failed"
)

// Entry is one message in a conversation timeline. Optimistic entries
// carry a LocalID until the server acks them with the persisted record;
// remote entries arrive already settled.
type Entry struct {
	LocalID   string
	ServerID  string
	Sender    protocol.SenderRef
	Content   string
	CreatedAt string
	State     string
}

// Timeline is the client-side view of one conversation. It is strictly
// append-only: entries are never reordered or removed, and a failed
// optimistic entry stays in place next to any retry that follows it.
type Timeline struct {
	mu      sync.Mutex
	entries []Entry
	byLocal map[string]int
}

// NewTimeline creates an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{byLocal: make(map[string]int)}
}

// AppendOptimistic records a locally sent message before the server has
// acknowledged it.
func (t *Timeline) AppendOptimistic(localID string, sender protocol.SenderRef, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byLocal[localID] = len(t.entries)
	t.entries = append(t.entries, Entry{
		LocalID: localID,
		Sender:  sender,
		Content: content,
		State:   StatePending,
	})
}

// AppendRemote records a message received from the server, already
// persisted and settled.
func (t *Timeline) AppendRemote(m protocol.MessageEnvelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, Entry{
		ServerID:  m.ID,
		Sender:    m.Sender,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		State:     StateSent,
	})
}

// ResolveOK settles a pending entry with the server's persisted record.
// It reports whether the entry transitioned; a late or duplicate ack on
// an already settled entry is a no-op.
func (t *Timeline) ResolveOK(localID string, m protocol.MessageEnvelope) bool {
	return t.settle(localID, func(e *Entry) {
		e.ServerID = m.ID
		e.CreatedAt = m.CreatedAt
		e.State = StateSent
	})
}

// ResolveFailed settles a pending entry as failed. Used for error and
// rate-limit acks. Reports whether the entry transitioned.
func (t *Timeline) ResolveFailed(localID string) bool {
	return t.settle(localID, func(e *Entry) {
		e.State = StateFailed
	})
}

// ResolveTimeout settles a pending entry as soft-success: the ack never
// arrived, but the send probably landed, so the entry renders as sent
// without a server id. An ack that arrives after the timeout is a no-op.
func (t *Timeline) ResolveTimeout(localID string) bool {
	return t.settle(localID, func(e *Entry) {
		e.State = StateSent
	})
}

func (t *Timeline) settle(localID string, apply func(*Entry)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byLocal[localID]
	if !ok || t.entries[i].State != StatePending {
		return false
	}
	apply(&t.entries[i])
	return true
}

// Entries returns a snapshot of the timeline in append order.
func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Pending reports how many entries are still awaiting an ack.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.entries {
		if e.State == StatePending {
			n++
		}
	}
	return n
}

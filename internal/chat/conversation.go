// Package chat owns message persistence and the send pipeline: content
// validation, rate limiting, conversation resolution, the append-only
// message log, the one-shot support auto-reply, and the fan-out of
// persisted messages to room subscribers and sibling server processes.
package chat

import (
	"time"

	"github.com/craftline/support-chat/internal/protocol"
)

// Conversation is a support thread between a customer and the staff. A
// customer has at most one support conversation; it is created lazily and
// never deleted.
type Conversation struct {
	ID           string
	CustomerID   string
	Participants []string
	IsSupport    bool
	CreatedAt    time.Time
}

// HasParticipant reports whether identityID is in the participant set.
func (c *Conversation) HasParticipant(identityID string) bool {
	for _, p := range c.Participants {
		if p == identityID {
			return true
		}
	}
	return false
}

// Message is one persisted chat message. Messages are immutable once
// persisted and totally ordered within a conversation by (CreatedAt, Seq);
// Seq is assigned by the store at insert time, so ordering reflects server
// arrival, never client clocks.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	SenderName     string
	SenderRole     string
	Content        string
	Seq            int64
	CreatedAt      time.Time
}

// Envelope renders the message in its wire shape.
func (m *Message) Envelope() protocol.MessageEnvelope {
	return protocol.MessageEnvelope{
		ID:      m.ID,
		Content: m.Content,
		Sender: protocol.SenderRef{
			ID:          m.SenderID,
			DisplayName: m.SenderName,
			Role:        m.SenderRole,
		},
		Chat:      m.ConversationID,
		CreatedAt: protocol.FormatTime(m.CreatedAt),
	}
}

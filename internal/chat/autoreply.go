package chat

import (
	"time"

	"github.com/google/uuid"

	"github.com/craftline/support-chat/internal/auth"
)

// Fixed staff placeholder that authors the automated first reply. The id
// is stable so frontends can style the bot distinctly.
const (
	AutoReplySenderID   = "support-bot"
	AutoReplySenderName = "Craftline Support"
)

// AutoReplyContent is the canned first response sent when a customer
// opens a new support conversation.
const AutoReplyContent = "Thanks for reaching out! A member of our support team " +
	"will be with you shortly. In the meantime, feel free to add any details " +
	"about your order or question."

// newAutoReply synthesizes the canned staff reply for a conversation.
func newAutoReply(conversationID string) *Message {
	return &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       AutoReplySenderID,
		SenderName:     AutoReplySenderName,
		SenderRole:     auth.RoleStaff,
		Content:        AutoReplyContent,
		CreatedAt:      time.Now(),
	}
}

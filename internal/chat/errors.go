package chat

import "errors"

// Send pipeline failure classes. They surface to the client through the
// NEW_MESSAGE ack: validation and not-found as error acks, rate limiting
// as the rate_limit marker. None of them leave partial state behind: a
// failed send persists nothing and broadcasts nothing.
var (
	ErrEmptyMessage         = errors.New("chat: message text is empty")
	ErrInvalidContent       = errors.New("chat: invalid message content")
	ErrConversationNotFound = errors.New("chat: conversation not found")
	ErrNotParticipant       = errors.New("chat: sender is not a participant")
	ErrRateLimited          = errors.New("chat: rate limited")
)

package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/craftline/support-chat/internal/auth"
	"github.com/craftline/support-chat/internal/metrics"
	"github.com/craftline/support-chat/internal/protocol"
)

// Broadcaster fans an encoded frame out to a conversation's room,
// optionally excluding one connection (the sender, which already holds
// the message optimistically).
type Broadcaster interface {
	Broadcast(conversationID string, data []byte, excludeConnID string)
}

// Relay forwards frames to sibling server processes so their local rooms
// see the message too. Nil-able: a single-process deployment runs
// without one.
type Relay interface {
	PublishFrame(conversationID string, frame []byte) error
}

// Limiter throttles sends per identity. Implementations should fail open
// on infrastructure errors.
type Limiter interface {
	Allow(ctx context.Context, identityID string) (bool, error)
}

// Service is the send pipeline. The unit persist -> count -> maybe
// auto-reply runs under a per-conversation mutex so a concurrent
// double-submit of a conversation's first message cannot fire the
// auto-reply twice. Broadcasts and the caller's ack happen only after
// persistence has succeeded, so a client never observes a message that
// might not durably exist.
type Service struct {
	store   ConversationStore
	limiter Limiter
	rooms   Broadcaster
	relay   Relay

	lockMu    sync.Mutex
	convLocks map[string]*sync.Mutex
}

// NewService builds a Service. limiter and relay may be nil.
func NewService(store ConversationStore, limiter Limiter, rooms Broadcaster, relay Relay) *Service {
	return &Service{
		store:     store,
		limiter:   limiter,
		rooms:     rooms,
		relay:     relay,
		convLocks: make(map[string]*sync.Mutex),
	}
}

// Send validates, persists, and fans out one message. senderConnID is
// excluded from the broadcast of the sender's own message; the synthetic
// auto-reply, when triggered, goes to the whole room since no client
// holds it optimistically. The returned message is the persisted record
// for the caller's ack.
func (s *Service) Send(ctx context.Context, conversationID string, sender auth.Identity, content, senderConnID string) (*Message, error) {
	trimmed := strings.TrimSpace(content)
	if err := ValidateContent(trimmed); err != nil {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		return nil, err
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, sender.ID)
		if err != nil {
			// Fail open: a limiter outage must not block support traffic.
			log.Printf("[chat] limiter error for identity=%s: %v", sender.ID, err)
		}
		if !allowed {
			metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
			return nil, ErrRateLimited
		}
	}

	started := time.Now()

	mu := s.convLock(conversationID)
	mu.Lock()

	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("chat: resolve conversation: %w", err)
	}
	if conv == nil {
		mu.Unlock()
		return nil, ErrConversationNotFound
	}
	if !conv.HasParticipant(sender.ID) && !sender.IsStaff() {
		mu.Unlock()
		return nil, ErrNotParticipant
	}

	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       sender.ID,
		SenderName:     sender.DisplayName,
		SenderRole:     sender.Role,
		Content:        trimmed,
		CreatedAt:      time.Now(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		mu.Unlock()
		return nil, err
	}

	var reply *Message
	count, err := s.store.CountMessages(ctx, conversationID)
	if err != nil {
		log.Printf("[chat] count after insert failed conversation=%s: %v", conversationID, err)
	} else if count == 1 && conv.IsSupport && !sender.IsStaff() {
		reply = newAutoReply(conversationID)
		if err := s.store.InsertMessage(ctx, reply); err != nil {
			log.Printf("[chat] auto-reply insert failed conversation=%s: %v", conversationID, err)
			reply = nil
		}
	}

	mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	metrics.SendLatency.Observe(time.Since(started).Seconds())

	s.fanOut(msg, senderConnID)
	if reply != nil {
		metrics.MessagesTotal.WithLabelValues("auto_reply").Inc()
		s.fanOut(reply, "")
	}

	return msg, nil
}

// Resolve loads a conversation and checks that the identity may address
// it: participants and staff only. Used by the join handler and the
// history API.
func (s *Service) Resolve(ctx context.Context, conversationID string, id auth.Identity) (*Conversation, error) {
	conv, err := s.store.Conversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: resolve conversation: %w", err)
	}
	if conv == nil {
		return nil, ErrConversationNotFound
	}
	if !conv.HasParticipant(id.ID) && !id.IsStaff() {
		return nil, ErrNotParticipant
	}
	return conv, nil
}

// fanOut broadcasts a persisted message to the local room and forwards it
// to sibling processes through the relay.
func (s *Service) fanOut(m *Message, excludeConnID string) {
	frame, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.ServerNewMessageMsg{
		Message: m.Envelope(),
	})
	if err != nil {
		log.Printf("[chat] encode broadcast for message=%s: %v", m.ID, err)
		return
	}

	s.rooms.Broadcast(m.ConversationID, frame, excludeConnID)
	metrics.MessagesTotal.WithLabelValues("broadcast").Inc()

	if s.relay != nil {
		if err := s.relay.PublishFrame(m.ConversationID, frame); err != nil {
			log.Printf("[chat] relay publish for message=%s: %v", m.ID, err)
		}
	}
}

// convLock returns the mutex serializing the persist-count-reply unit
// for one conversation. Locks are never reclaimed; the map grows with
// the number of distinct conversations this process has written to,
// which is bounded by the customer base.
func (s *Service) convLock(conversationID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	mu, ok := s.convLocks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		s.convLocks[conversationID] = mu
	}
	return mu
}

// Package gateway wires the WebSocket event vocabulary to the presence,
// room, and chat layers. It owns the per-connection lifecycle hooks and
// the dispatcher handler registrations; the transport layer below it
// knows nothing about conversations or identities.
package gateway

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/craftline/support-chat/internal/chat"
	"github.com/craftline/support-chat/internal/metrics"
	"github.com/craftline/support-chat/internal/presence"
	"github.com/craftline/support-chat/internal/protocol"
	"github.com/craftline/support-chat/internal/room"
	"github.com/craftline/support-chat/internal/ws"
)

const sendTimeout = 5 * time.Second

// Hub broadcasts a frame to every active connection except one. The
// ws.ConnectionManager satisfies it.
type Hub interface {
	BroadcastExcept(msg []byte, exceptID string)
}

// Relay carries frames and room subscriptions across server instances.
// The messaging.Client satisfies it. A nil Relay means single-instance
// operation.
type Relay interface {
	PublishFrame(conversationID string, frame []byte) error
	SubscribeConversation(conversationID string, handler func(frame []byte)) error
	UnsubscribeConversation(conversationID string) error
}

// Gateway translates parsed client events into presence, room, and chat
// operations and writes the resulting server events back out.
type Gateway struct {
	send     room.SendFunc
	hub      Hub
	presence *presence.Registry
	rooms    *room.Multiplexer
	svc      *chat.Service
	relay    Relay
}

// New creates a Gateway. relay may be nil when running a single instance.
func New(send room.SendFunc, hub Hub, reg *presence.Registry, rooms *room.Multiplexer, svc *chat.Service, relay Relay) *Gateway {
	return &Gateway{
		send:     send,
		hub:      hub,
		presence: reg,
		rooms:    rooms,
		svc:      svc,
		relay:    relay,
	}
}

// RegisterHandlers registers the gateway's event handlers on the
// dispatcher. START_TYPING and STOP_TYPING share one handler; the event
// type is carried in the payload.
func (g *Gateway) RegisterHandlers(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeJoinRoom, g.handleJoinRoom)
	d.Register(protocol.TypeLeaveRoom, g.handleLeaveRoom)
	d.Register(protocol.TypeNewMessage, g.handleNewMessage)
	d.Register(protocol.TypeStartTyping, g.handleTyping)
	d.Register(protocol.TypeStopTyping, g.handleTyping)
}

// HandleConnect runs after a connection is authenticated and registered.
// It records presence, announces the online transition to everyone else
// when this is the identity's first connection, and sends the presence
// snapshot to the new connection.
func (g *Gateway) HandleConnect(conn *ws.Connection) {
	wentOnline := g.presence.Register(conn.Identity.ID, conn.ID)
	metrics.OnlineIdentities.Set(float64(g.presence.OnlineCount()))

	if wentOnline {
		g.broadcastStatus(conn.Identity.ID, protocol.StatusOnline, conn.ID)
	}

	snapshot, err := protocol.NewServerMessage(protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{
		Users: g.presence.Online(),
	})
	if err != nil {
		log.Printf("[gateway] failed to build presence snapshot for conn=%s: %v", conn.ID, err)
		return
	}
	if err := g.send(conn.ID, snapshot); err != nil {
		log.Printf("[gateway] failed to send presence snapshot to conn=%s: %v", conn.ID, err)
	}
}

// HandleDisconnect runs when a connection is removed for any reason. It
// drops the connection from every room it joined, releases relay
// subscriptions for rooms that emptied, and announces the offline
// transition when this was the identity's last connection.
func (g *Gateway) HandleDisconnect(conn *ws.Connection) {
	emptied := g.rooms.DropConnection(conn.ID)
	for _, conversationID := range emptied {
		g.releaseRelay(conversationID)
	}
	metrics.ActiveRooms.Set(float64(g.rooms.RoomCount()))

	wentOffline := g.presence.Unregister(conn.Identity.ID, conn.ID)
	metrics.OnlineIdentities.Set(float64(g.presence.OnlineCount()))

	if wentOffline {
		g.broadcastStatus(conn.Identity.ID, protocol.StatusOffline, conn.ID)
	}
}

// broadcastStatus announces a presence transition to every connection
// except the one that caused it.
func (g *Gateway) broadcastStatus(identityID, status, exceptConnID string) {
	data, err := protocol.NewServerMessage(protocol.TypeUserStatusChanged, protocol.UserStatusChangedMsg{
		UserID: identityID,
		Status: status,
	})
	if err != nil {
		log.Printf("[gateway] failed to build status change for identity=%s: %v", identityID, err)
		return
	}
	g.hub.BroadcastExcept(data, exceptConnID)
}

// handleJoinRoom subscribes the connection to a conversation's room after
// checking that the identity may see the conversation. The first local
// subscriber also opens the relay subscription so frames published by
// other instances reach this room.
func (g *Gateway) handleJoinRoom(conn *ws.Connection, msg interface{}) {
	joinMsg, ok := msg.(protocol.JoinRoomMsg)
	if !ok {
		return
	}
	if joinMsg.ChatID == "" {
		g.sendError(conn, "invalid_chat", "chatId is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if _, err := g.svc.Resolve(ctx, joinMsg.ChatID, conn.Identity); err != nil {
		log.Printf("[gateway] join denied conn=%s chat=%s: %v", conn.ID, joinMsg.ChatID, err)
		g.sendError(conn, "join_denied", joinErrorText(err))
		return
	}

	firstSubscriber := g.rooms.Join(joinMsg.ChatID, conn.ID)
	if firstSubscriber && g.relay != nil {
		conversationID := joinMsg.ChatID
		if err := g.relay.SubscribeConversation(conversationID, func(frame []byte) {
			g.rooms.Broadcast(conversationID, frame, "")
		}); err != nil {
			log.Printf("[gateway] relay subscribe failed chat=%s: %v", conversationID, err)
		}
	}
	metrics.ActiveRooms.Set(float64(g.rooms.RoomCount()))

	log.Printf("[gateway] conn=%s identity=%s joined chat=%s", conn.ID, conn.Identity.ID, joinMsg.ChatID)
}

// handleLeaveRoom unsubscribes the connection from a conversation's room.
// Leaving a room that was never joined is a no-op.
func (g *Gateway) handleLeaveRoom(conn *ws.Connection, msg interface{}) {
	leaveMsg, ok := msg.(protocol.LeaveRoomMsg)
	if !ok {
		return
	}

	roomEmpty := g.rooms.Leave(leaveMsg.ChatID, conn.ID)
	if roomEmpty {
		g.releaseRelay(leaveMsg.ChatID)
	}
	metrics.ActiveRooms.Set(float64(g.rooms.RoomCount()))

	log.Printf("[gateway] conn=%s left chat=%s", conn.ID, leaveMsg.ChatID)
}

// handleNewMessage runs the persist-and-reply pipeline and answers with
// exactly one MESSAGE_ACK when the client supplied an ackId. Requests
// without an ackId fall back to the bare error event on failure.
func (g *Gateway) handleNewMessage(conn *ws.Connection, msg interface{}) {
	newMsg, ok := msg.(protocol.NewMessageMsg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	persisted, err := g.svc.Send(ctx, newMsg.ChatID, conn.Identity, newMsg.Message, conn.ID)

	if newMsg.AckID == "" {
		if err != nil {
			g.sendError(conn, "send_failed", sendErrorText(err))
		}
		return
	}

	ack := protocol.MessageAckMsg{AckID: newMsg.AckID}
	switch {
	case err == nil:
		envelope := persisted.Envelope()
		ack.Status = protocol.AckStatusOK
		ack.MessageEnvelope = &envelope
	case errors.Is(err, chat.ErrRateLimited):
		ack.Status = protocol.AckStatusRateLimit
	default:
		ack.Error = sendErrorText(err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessageAck, ack)
	if err != nil {
		log.Printf("[gateway] failed to build ack conn=%s ackId=%s: %v", conn.ID, newMsg.AckID, err)
		return
	}
	if err := g.send(conn.ID, data); err != nil {
		log.Printf("[gateway] failed to send ack conn=%s ackId=%s: %v", conn.ID, newMsg.AckID, err)
	}
}

// handleTyping relays a typing indicator to the conversation's room,
// excluding the sender. The server stamps the sender identity; whatever
// userId the client sent is overwritten. Typing events are never
// persisted, and senders not subscribed to the room are ignored.
func (g *Gateway) handleTyping(conn *ws.Connection, msg interface{}) {
	typingMsg, ok := msg.(protocol.TypingMsg)
	if !ok {
		return
	}
	if !joined(g.rooms.Joined(conn.ID), typingMsg.ChatID) {
		return
	}

	typingMsg.UserID = conn.Identity.ID

	data, err := protocol.NewServerMessage(typingMsg.Type, typingMsg)
	if err != nil {
		log.Printf("[gateway] failed to build typing relay conn=%s: %v", conn.ID, err)
		return
	}

	g.rooms.Broadcast(typingMsg.ChatID, data, conn.ID)
	if g.relay != nil {
		if err := g.relay.PublishFrame(typingMsg.ChatID, data); err != nil {
			log.Printf("[gateway] relay publish failed chat=%s: %v", typingMsg.ChatID, err)
		}
	}
}

// releaseRelay drops the cross-instance subscription for a room that no
// longer has local subscribers.
func (g *Gateway) releaseRelay(conversationID string) {
	if g.relay == nil {
		return
	}
	if err := g.relay.UnsubscribeConversation(conversationID); err != nil {
		log.Printf("[gateway] relay unsubscribe failed chat=%s: %v", conversationID, err)
	}
}

// sendError writes a bare error event to the connection.
func (g *Gateway) sendError(conn *ws.Connection, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("[gateway] failed to build error event conn=%s: %v", conn.ID, err)
		return
	}
	if err := g.send(conn.ID, data); err != nil {
		log.Printf("[gateway] failed to send error event conn=%s: %v", conn.ID, err)
	}
}

// sendErrorText maps a send pipeline error to the user-facing ack text.
// Internal failures are not leaked to the client.
func sendErrorText(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidContent),
		errors.Is(err, chat.ErrConversationNotFound),
		errors.Is(err, chat.ErrNotParticipant):
		return strings.TrimPrefix(err.Error(), "chat: ")
	default:
		return "internal error"
	}
}

// joinErrorText maps a Resolve error to the user-facing error text.
func joinErrorText(err error) string {
	switch {
	case errors.Is(err, chat.ErrConversationNotFound):
		return "conversation not found"
	case errors.Is(err, chat.ErrNotParticipant):
		return "not a participant in this conversation"
	default:
		return "internal error"
	}
}

func joined(rooms []string, conversationID string) bool {
	for _, id := range rooms {
		if id == conversationID {
			return true
		}
	}
	return false
}

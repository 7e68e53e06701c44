// Package client provides a Go client for the support chat WebSocket
// server. It connects using gobwas/ws (the same library the server
// uses), correlates NEW_MESSAGE acks by ackId, and maintains per
// conversation timelines that reconcile optimistic sends against the
// server's persisted records.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/craftline/support-chat/internal/protocol"
)

// DefaultAckTimeout is how long a sent message waits for its ack before
// the optimistic entry settles as sent without a server id.
const DefaultAckTimeout = 10 * time.Second

// Client is a single authenticated connection to the chat server. It
// manages the WebSocket lifecycle, dispatches incoming events to
// registered handlers, and settles each optimistic send exactly once:
// by its ack or by timeout, whichever lands first.
type Client struct {
	conn       net.Conn
	self       protocol.SenderRef
	ackTimeout time.Duration

	writeMu sync.Mutex

	mu        sync.Mutex
	timelines map[string]*Timeline
	pending   map[string]pendingSend
	handlers  map[string]func(json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
}

type pendingSend struct {
	chatID  string
	localID string
	timer   *time.Timer
}

// Option configures a Client.
type Option func(*Client)

// WithAckTimeout overrides the default ack timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Client) { c.ackTimeout = d }
}

// Dial connects to the server's /ws endpoint, passing the token as a
// query parameter. self identifies the local user for optimistic
// timeline entries; it should match the token's identity.
func Dial(ctx context.Context, wsURL, token string, self protocol.SenderRef, opts ...Option) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := newClient(conn, self, opts...)
	go c.readLoop()
	return c, nil
}

// newClient wires a Client onto an established connection.
func newClient(conn net.Conn, self protocol.SenderRef, opts ...Option) *Client {
	c := &Client{
		conn:       conn,
		self:       self,
		ackTimeout: DefaultAckTimeout,
		timelines:  make(map[string]*Timeline),
		pending:    make(map[string]pendingSend),
		handlers:   make(map[string]func(json.RawMessage)),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// On registers a handler for a server event type. The handler receives
// the full raw JSON of the event and runs on the read loop goroutine, so
// it should not block. Registering a second handler for the same type
// replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[msgType] = handler
}

// Timeline returns the timeline for a conversation, creating it on first
// use.
func (c *Client) Timeline(chatID string) *Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timelineLocked(chatID)
}

func (c *Client) timelineLocked(chatID string) *Timeline {
	t, ok := c.timelines[chatID]
	if !ok {
		t = NewTimeline()
		c.timelines[chatID] = t
	}
	return t
}

// JoinRoom subscribes this connection to a conversation's events.
func (c *Client) JoinRoom(chatID string) error {
	return c.write(protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: chatID})
}

// LeaveRoom unsubscribes this connection from a conversation's events.
func (c *Client) LeaveRoom(chatID string) error {
	return c.write(protocol.LeaveRoomMsg{Type: protocol.TypeLeaveRoom, ChatID: chatID})
}

// StartTyping signals that the local user began typing in a conversation.
func (c *Client) StartTyping(chatID string) error {
	return c.write(protocol.TypingMsg{Type: protocol.TypeStartTyping, ChatID: chatID})
}

// StopTyping signals that the local user stopped typing.
func (c *Client) StopTyping(chatID string) error {
	return c.write(protocol.TypingMsg{Type: protocol.TypeStopTyping, ChatID: chatID})
}

// SendMessage sends a message with a fresh ackId and appends an
// optimistic entry to the conversation's timeline. The returned localID
// identifies that entry; its state settles when the ack arrives or the
// ack timeout fires. The entry is settled exactly once even if both
// happen.
func (c *Client) SendMessage(chatID, content string) (localID string, err error) {
	ackID := uuid.New().String()
	localID = ackID

	c.mu.Lock()
	timeline := c.timelineLocked(chatID)
	timeline.AppendOptimistic(localID, c.self, content)
	p := pendingSend{chatID: chatID, localID: localID}
	p.timer = time.AfterFunc(c.ackTimeout, func() { c.expireAck(ackID) })
	c.pending[ackID] = p
	c.mu.Unlock()

	err = c.write(protocol.NewMessageMsg{
		Type:    protocol.TypeNewMessage,
		ChatID:  chatID,
		Message: content,
		AckID:   ackID,
	})
	if err != nil {
		if p, ok := c.takePending(ackID); ok {
			c.Timeline(p.chatID).ResolveFailed(p.localID)
		}
		return localID, err
	}
	return localID, nil
}

// expireAck settles a send as soft-success when no ack arrived in time:
// the message very likely persisted and the ack was lost, so the entry
// renders as sent rather than alarming the user. Only one of expireAck
// and handleAck can win the pending record.
func (c *Client) expireAck(ackID string) {
	p, ok := c.takePending(ackID)
	if !ok {
		return
	}
	c.Timeline(p.chatID).ResolveTimeout(p.localID)
}

// takePending removes and returns the pending record for an ackId. Only
// one caller can succeed per ackId, which is what makes ack resolution
// exactly-once.
func (c *Client) takePending(ackID string) (pendingSend, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[ackID]
	if !ok {
		return pendingSend{}, false
	}
	delete(c.pending, ackID)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}

// Close closes the connection and stops the read loop. Safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// write marshals and sends one client frame.
func (c *Client) write(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// readLoop reads server frames until the connection closes, reconciling
// acks and broadcasts into timelines before dispatching to handlers.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		switch envelope.Type {
		case protocol.TypeMessageAck:
			c.handleAck(data)
		case protocol.TypeNewMessage:
			c.handleBroadcast(data)
		}

		c.mu.Lock()
		handler, ok := c.handlers[envelope.Type]
		c.mu.Unlock()
		if ok {
			handler(json.RawMessage(data))
		}
	}
}

// ackFrame is the wire shape of MESSAGE_ACK. On the ok path the
// persisted message's fields sit at the top level of the ack object.
type ackFrame struct {
	AckID  string `json:"ackId"`
	Status string `json:"status"`
	Error  string `json:"error"`
	protocol.MessageEnvelope
}

// handleAck settles the optimistic entry the ack correlates to. Acks for
// unknown or already settled ackIds are dropped.
func (c *Client) handleAck(data []byte) {
	var ack ackFrame
	if err := json.Unmarshal(data, &ack); err != nil || ack.AckID == "" {
		return
	}

	p, ok := c.takePending(ack.AckID)
	if !ok {
		return
	}

	timeline := c.Timeline(p.chatID)
	if ack.Status == protocol.AckStatusOK {
		timeline.ResolveOK(p.localID, ack.MessageEnvelope)
		return
	}
	// Error and rate_limit acks both fail the entry; a retry appends a
	// fresh entry rather than reviving this one.
	timeline.ResolveFailed(p.localID)
}

// handleBroadcast appends a NEW_MESSAGE broadcast to its conversation's
// timeline. The server never echoes a sender's own message back to the
// connection that sent it, so broadcasts are always remote entries.
func (c *Client) handleBroadcast(data []byte) {
	var msg protocol.ServerNewMessageMsg
	if err := json.Unmarshal(data, &msg); err != nil || msg.Message.Chat == "" {
		return
	}
	c.Timeline(msg.Message.Chat).AppendRemote(msg.Message)
}

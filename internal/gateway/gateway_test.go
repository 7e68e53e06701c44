package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/craftline/support-chat/internal/auth"
	"github.com/craftline/support-chat/internal/chat"
	"github.com/craftline/support-chat/internal/presence"
	"github.com/craftline/support-chat/internal/protocol"
	"github.com/craftline/support-chat/internal/room"
	"github.com/craftline/support-chat/internal/ws"
)

var (
	customer = auth.Identity{ID: "cust-1", DisplayName: "Ada", Role: auth.RoleCustomer}
	shopper  = auth.Identity{ID: "cust-2", DisplayName: "Grace", Role: auth.RoleCustomer}
	operator = auth.Identity{ID: "staff-1", DisplayName: "Renée", Role: auth.RoleStaff}
)

// sink records frames written to individual connections.
type sink struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newSink() *sink {
	return &sink{frames: make(map[string][][]byte)}
}

func (s *sink) send(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames[connID] = append(s.frames[connID], data)
	return nil
}

func (s *sink) sent(connID string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.frames[connID]))
	copy(out, s.frames[connID])
	return out
}

// byType filters a connection's frames to one event type.
func (s *sink) byType(t *testing.T, connID, eventType string) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, frame := range s.sent(connID) {
		m := decode(t, frame)
		if m["type"] == eventType {
			out = append(out, m)
		}
	}
	return out
}

// fakeHub records server-wide broadcasts.
type fakeHub struct {
	mu    sync.Mutex
	calls []hubCall
}

type hubCall struct {
	data   []byte
	except string
}

func (h *fakeHub) BroadcastExcept(msg []byte, exceptID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, hubCall{data: msg, except: exceptID})
}

func (h *fakeHub) broadcasts() []hubCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]hubCall, len(h.calls))
	copy(out, h.calls)
	return out
}

// fakeRelay records cross-instance traffic and lets tests inject frames
// as if they arrived from a sibling server.
type fakeRelay struct {
	mu           sync.Mutex
	published    map[string][][]byte
	handlers     map[string]func([]byte)
	unsubscribed []string
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		published: make(map[string][][]byte),
		handlers:  make(map[string]func([]byte)),
	}
}

func (r *fakeRelay) PublishFrame(conversationID string, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[conversationID] = append(r.published[conversationID], frame)
	return nil
}

func (r *fakeRelay) SubscribeConversation(conversationID string, handler func(frame []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[conversationID] = handler
	return nil
}

func (r *fakeRelay) UnsubscribeConversation(conversationID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, conversationID)
	r.unsubscribed = append(r.unsubscribed, conversationID)
	return nil
}

func (r *fakeRelay) deliver(conversationID string, frame []byte) bool {
	r.mu.Lock()
	handler, ok := r.handlers[conversationID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	handler(frame)
	return true
}

// memStore is an in-memory ConversationStore.
type memStore struct {
	mu    sync.Mutex
	convs map[string]*chat.Conversation
	msgs  map[string][]*chat.Message
	seq   int64
}

func newMemStore() *memStore {
	return &memStore{
		convs: make(map[string]*chat.Conversation),
		msgs:  make(map[string][]*chat.Message),
	}
}

func (s *memStore) addConversation(id string, customerID string, participants []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id] = &chat.Conversation{
		ID:           id,
		CustomerID:   customerID,
		Participants: participants,
		IsSupport:    true,
		CreatedAt:    time.Now(),
	}
}

func (s *memStore) GetOrCreateSupportConversation(ctx context.Context, cust auth.Identity) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.CustomerID == cust.ID && c.IsSupport {
			return c, nil
		}
	}
	c := &chat.Conversation{
		ID:           fmt.Sprintf("conv-%s", cust.ID),
		CustomerID:   cust.ID,
		Participants: []string{cust.ID, chat.AutoReplySenderID},
		IsSupport:    true,
		CreatedAt:    time.Now(),
	}
	s.convs[c.ID] = c
	return c, nil
}

func (s *memStore) Conversation(ctx context.Context, id string) (*chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[id], nil
}

func (s *memStore) InsertMessage(ctx context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	m.Seq = s.seq
	m.CreatedAt = time.Now()
	stored := *m
	s.msgs[m.ConversationID] = append(s.msgs[m.ConversationID], &stored)
	return nil
}

func (s *memStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs[conversationID]), nil
}

func (s *memStore) ListMessages(ctx context.Context, conversationID string) ([]*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*chat.Message, len(s.msgs[conversationID]))
	copy(out, s.msgs[conversationID])
	return out, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, identityID string) (bool, error) {
	return false, nil
}

func decode(t *testing.T, frame []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(frame, &m); err != nil {
		t.Fatalf("failed to decode frame %s: %v", frame, err)
	}
	return m
}

type fixture struct {
	gw    *Gateway
	sink  *sink
	hub   *fakeHub
	store *memStore
	relay *fakeRelay
}

func newFixture(t *testing.T, withRelay bool) *fixture {
	t.Helper()
	sk := newSink()
	hub := &fakeHub{}
	store := newMemStore()
	rooms := room.NewMultiplexer(sk.send)

	var (
		relay    *fakeRelay
		svcRelay chat.Relay
		gwRelay  Relay
	)
	if withRelay {
		relay = newFakeRelay()
		svcRelay = relay
		gwRelay = relay
	}

	svc := chat.NewService(store, nil, rooms, svcRelay)
	gw := New(sk.send, hub, presence.NewRegistry(), rooms, svc, gwRelay)
	return &fixture{gw: gw, sink: sk, hub: hub, store: store, relay: relay}
}

func conn(id string, identity auth.Identity) *ws.Connection {
	return &ws.Connection{ID: id, Identity: identity}
}

func TestConnectSendsPresenceSnapshot(t *testing.T) {
	f := newFixture(t, false)

	f.gw.HandleConnect(conn("c1", customer))
	f.gw.HandleConnect(conn("c2", operator))

	snaps := f.sink.byType(t, "c2", protocol.TypeOnlineUsers)
	if len(snaps) != 1 {
		t.Fatalf("expected 1 presence snapshot, got %d", len(snaps))
	}
	users, ok := snaps[0]["users"].([]interface{})
	if !ok || len(users) != 2 {
		t.Fatalf("expected 2 online users in snapshot, got %v", snaps[0]["users"])
	}
}

func TestStatusChangeFiresOncePerIdentityEdge(t *testing.T) {
	f := newFixture(t, false)

	tab1 := conn("c1", customer)
	tab2 := conn("c2", customer)

	f.gw.HandleConnect(tab1)
	if n := len(f.hub.broadcasts()); n != 1 {
		t.Fatalf("first connection should broadcast online once, got %d", n)
	}
	m := decode(t, f.hub.broadcasts()[0].data)
	if m["type"] != protocol.TypeUserStatusChanged || m["userId"] != customer.ID || m["status"] != "online" {
		t.Fatalf("unexpected status broadcast: %v", m)
	}
	if f.hub.broadcasts()[0].except != "c1" {
		t.Fatalf("status broadcast should exclude the triggering connection")
	}

	// Second tab of the same identity: no new edge.
	f.gw.HandleConnect(tab2)
	if n := len(f.hub.broadcasts()); n != 1 {
		t.Fatalf("second tab should not broadcast, got %d broadcasts", n)
	}

	f.gw.HandleDisconnect(tab1)
	if n := len(f.hub.broadcasts()); n != 1 {
		t.Fatalf("closing one of two tabs should not broadcast, got %d", n)
	}

	f.gw.HandleDisconnect(tab2)
	bcs := f.hub.broadcasts()
	if len(bcs) != 2 {
		t.Fatalf("closing the last tab should broadcast offline, got %d broadcasts", len(bcs))
	}
	m = decode(t, bcs[1].data)
	if m["status"] != "offline" || m["userId"] != customer.ID {
		t.Fatalf("unexpected offline broadcast: %v", m)
	}
}

func TestJoinRoomDeniedForOutsiders(t *testing.T) {
	f := newFixture(t, false)
	f.store.addConversation("conv-1", customer.ID, []string{customer.ID, chat.AutoReplySenderID})

	outsider := conn("c9", shopper)
	f.gw.handleJoinRoom(outsider, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})

	errs := f.sink.byType(t, "c9", protocol.TypeError)
	if len(errs) != 1 || errs[0]["code"] != "join_denied" {
		t.Fatalf("expected join_denied error, got %v", errs)
	}

	// A later broadcast must not reach the outsider.
	member := conn("c1", customer)
	f.gw.handleJoinRoom(member, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})
	f.gw.handleNewMessage(member, protocol.NewMessageMsg{Type: protocol.TypeNewMessage, ChatID: "conv-1", Message: "hello"})

	if got := f.sink.byType(t, "c9", protocol.TypeNewMessage); len(got) != 0 {
		t.Fatalf("outsider received %d broadcasts", len(got))
	}
}

func TestStaffMayJoinAnyConversation(t *testing.T) {
	f := newFixture(t, false)
	f.store.addConversation("conv-1", customer.ID, []string{customer.ID, chat.AutoReplySenderID})

	agent := conn("s1", operator)
	f.gw.handleJoinRoom(agent, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})

	if errs := f.sink.byType(t, "s1", protocol.TypeError); len(errs) != 0 {
		t.Fatalf("staff join rejected: %v", errs)
	}
}

func TestNewMessageOkAck(t *testing.T) {
	f := newFixture(t, false)
	f.store.addConversation("conv-1", customer.ID, []string{customer.ID, chat.AutoReplySenderID})

	sender := conn("c1", customer)
	agent := conn("s1", operator)
	f.gw.handleJoinRoom(sender, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})
	f.gw.handleJoinRoom(agent, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})

	f.gw.handleNewMessage(sender, protocol.NewMessageMsg{
		Type: protocol.TypeNewMessage, ChatID: "conv-1", Message: "  hi there  ", AckID: "ack-1",
	})

	acks := f.sink.byType(t, "c1", protocol.TypeMessageAck)
	if len(acks) != 1 {
		t.Fatalf("expected exactly 1 ack, got %d", len(acks))
	}
	ack := acks[0]
	if ack["ackId"] != "ack-1" || ack["status"] != "ok" {
		t.Fatalf("unexpected ack: %v", ack)
	}
	// Ok acks flatten the persisted envelope into the ack object.
	if ack["content"] != "hi there" || ack["chat"] != "conv-1" {
		t.Fatalf("ack missing flattened message fields: %v", ack)
	}
	if _, ok := ack["error"]; ok {
		t.Fatalf("ok ack must not carry an error field: %v", ack)
	}
	ackSender, ok := ack["sender"].(map[string]interface{})
	if !ok || ackSender["id"] != customer.ID {
		t.Fatalf("ack sender not resolved: %v", ack["sender"])
	}

	// The agent sees the message and the auto-reply; the sender sees only
	// the auto-reply broadcast (their own copy arrives via the ack).
	if got := f.sink.byType(t, "s1", protocol.TypeNewMessage); len(got) != 2 {
		t.Fatalf("agent expected message + auto-reply, got %d broadcasts", len(got))
	}
	senderBcs := f.sink.byType(t, "c1", protocol.TypeNewMessage)
	if len(senderBcs) != 1 {
		t.Fatalf("sender expected only the auto-reply broadcast, got %d", len(senderBcs))
	}
	env, ok := senderBcs[0]["message"].(map[string]interface{})
	if !ok || env["content"] != chat.AutoReplyContent {
		t.Fatalf("sender's broadcast should be the auto-reply, got %v", senderBcs[0])
	}
}

func TestNewMessageErrorAck(t *testing.T) {
	f := newFixture(t, false)
	f.store.addConversation("conv-1", customer.ID, []string{customer.ID, chat.AutoReplySenderID})
	sender := conn("c1", customer)

	tests := []struct {
		name   string
		chatID string
		text   string
	}{
		{"empty message", "conv-1", "   "},
		{"unknown conversation", "conv-404", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.sink.byType(t, "c1", protocol.TypeMessageAck))
			f.gw.handleNewMessage(sender, protocol.NewMessageMsg{
				Type: protocol.TypeNewMessage, ChatID: tt.chatID, Message: tt.text, AckID: "ack-x",
			})
			acks := f.sink.byType(t, "c1", protocol.TypeMessageAck)
			if len(acks) != before+1 {
				t.Fatalf("expected exactly one new ack, got %d", len(acks)-before)
			}
			ack := acks[len(acks)-1]
			if _, ok := ack["error"]; !ok {
				t.Fatalf("expected error ack, got %v", ack)
			}
			if _, ok := ack["status"]; ok {
				t.Fatalf("error ack must not carry a status: %v", ack)
			}
			if _, ok := ack["content"]; ok {
				t.Fatalf("error ack must not carry message fields: %v", ack)
			}
		})
	}

	if n, _ := f.store.CountMessages(context.Background(), "conv-1"); n != 0 {
		t.Fatalf("failed sends must persist nothing, found %d messages", n)
	}
}

func TestNewMessageRateLimitAck(t *testing.T) {
	sk := newSink()
	store := newMemStore()
	store.addConversation("conv-1", customer.ID, []string{customer.ID, chat.AutoReplySenderID})
	rooms := room.NewMultiplexer(sk.send)
	svc := chat.NewService(store, denyLimiter{}, rooms, nil)
	gw := New(sk.send, &fakeHub{}, presence.NewRegistry(), rooms, svc, nil)

	sender := conn("c1", customer)
	gw.handleJoinRoom(sender, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})
	gw.handleNewMessage(sender, protocol.NewMessageMsg{
		Type: protocol.TypeNewMessage, ChatID: "conv-1", Message: "hello", AckID: "ack-1",
	})

	acks := sk.byType(t, "c1", protocol.TypeMessageAck)
	if len(acks) != 1 {
		t.Fatalf("expected exactly 1 ack, got %d", len(acks))
	}
	ack := acks[0]
	if ack["status"] != "rate_limit" || ack["ackId"] != "ack-1" {
		t.Fatalf("unexpected rate limit ack: %v", ack)
	}
	if _, ok := ack["error"]; ok {
		t.Fatalf("rate limit ack must not carry an error field: %v", ack)
	}
	if n, _ := store.CountMessages(context.Background(), "conv-1"); n != 0 {
		t.Fatalf("rate-limited send must persist nothing, found %d messages", n)
	}
}

func TestTypingRelayStampsSender(t *testing.T) {
	f := newFixture(t, false)
	f.store.addConversation("conv-1", customer.ID, []string{customer.ID, chat.AutoReplySenderID})

	sender := conn("c1", customer)
	agent := conn("s1", operator)
	f.gw.handleJoinRoom(sender, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})
	f.gw.handleJoinRoom(agent, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})

	// The client-supplied userId is ignored; the server stamps the
	// authenticated identity.
	f.gw.handleTyping(sender, protocol.TypingMsg{
		Type: protocol.TypeStartTyping, ChatID: "conv-1", UserID: "spoofed",
	})

	got := f.sink.byType(t, "s1", protocol.TypeStartTyping)
	if len(got) != 1 {
		t.Fatalf("expected 1 typing event at the agent, got %d", len(got))
	}
	if got[0]["userId"] != customer.ID {
		t.Fatalf("typing userId = %v, want %s", got[0]["userId"], customer.ID)
	}
	if echoes := f.sink.byType(t, "c1", protocol.TypeStartTyping); len(echoes) != 0 {
		t.Fatalf("typing must not echo to the sender, got %d", len(echoes))
	}

	f.gw.handleTyping(sender, protocol.TypingMsg{Type: protocol.TypeStopTyping, ChatID: "conv-1"})
	if got := f.sink.byType(t, "s1", protocol.TypeStopTyping); len(got) != 1 {
		t.Fatalf("expected 1 stop-typing event, got %d", len(got))
	}
}

func TestTypingIgnoredWhenNotJoined(t *testing.T) {
	f := newFixture(t, false)
	f.store.addConversation("conv-1", customer.ID, []string{customer.ID, chat.AutoReplySenderID})

	agent := conn("s1", operator)
	f.gw.handleJoinRoom(agent, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})

	lurker := conn("c1", customer)
	f.gw.handleTyping(lurker, protocol.TypingMsg{Type: protocol.TypeStartTyping, ChatID: "conv-1"})

	if got := f.sink.byType(t, "s1", protocol.TypeStartTyping); len(got) != 0 {
		t.Fatalf("typing from a non-subscriber must be dropped, got %d events", len(got))
	}
}

func TestRelaySubscriptionLifecycle(t *testing.T) {
	f := newFixture(t, true)
	f.store.addConversation("conv-1", customer.ID, []string{customer.ID, chat.AutoReplySenderID})

	member := conn("c1", customer)
	agent := conn("s1", operator)

	f.gw.handleJoinRoom(member, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})
	if !f.relay.deliver("conv-1", []byte(`{"type":"NEW_MESSAGE","message":{"id":"m1","content":"from afar","sender":{"id":"staff-9","displayName":"Ops","role":"staff"},"chat":"conv-1","createdAt":"2026-01-01T00:00:00Z"}}`)) {
		t.Fatal("first join should open the relay subscription")
	}
	got := f.sink.byType(t, "c1", protocol.TypeNewMessage)
	if len(got) != 1 {
		t.Fatalf("relayed frame should reach the local room, got %d", len(got))
	}

	// Second join must not re-subscribe; leave by the non-last member must
	// not unsubscribe.
	f.gw.handleJoinRoom(agent, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})
	f.gw.handleLeaveRoom(agent, protocol.LeaveRoomMsg{Type: protocol.TypeLeaveRoom, ChatID: "conv-1"})
	if len(f.relay.unsubscribed) != 0 {
		t.Fatalf("room still has subscribers, relay must stay open")
	}

	f.gw.HandleDisconnect(member)
	if len(f.relay.unsubscribed) != 1 || f.relay.unsubscribed[0] != "conv-1" {
		t.Fatalf("emptying the room should release the relay subscription, got %v", f.relay.unsubscribed)
	}
	if f.relay.deliver("conv-1", []byte(`{}`)) {
		t.Fatal("relay handler should be gone after unsubscribe")
	}
}

func TestDisconnectDropsAllRooms(t *testing.T) {
	f := newFixture(t, false)
	f.store.addConversation("conv-1", customer.ID, []string{customer.ID, chat.AutoReplySenderID})
	f.store.addConversation("conv-2", shopper.ID, []string{shopper.ID, chat.AutoReplySenderID})

	agent := conn("s1", operator)
	f.gw.HandleConnect(agent)
	f.gw.handleJoinRoom(agent, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-1"})
	f.gw.handleJoinRoom(agent, protocol.JoinRoomMsg{Type: protocol.TypeJoinRoom, ChatID: "conv-2"})

	f.gw.HandleDisconnect(agent)

	// No stale membership: a message to either conversation reaches nobody
	// through s1.
	before := len(f.sink.sent("s1"))
	member := conn("c1", customer)
	f.gw.handleNewMessage(member, protocol.NewMessageMsg{Type: protocol.TypeNewMessage, ChatID: "conv-1", Message: "anyone?"})
	if after := len(f.sink.sent("s1")); after != before {
		t.Fatalf("disconnected connection still receives broadcasts")
	}
}

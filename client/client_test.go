package client

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/craftline/support-chat/internal/protocol"
)

// pipeClient wires a Client onto an in-memory connection. The returned
// server end speaks raw WebSocket frames.
func pipeClient(t *testing.T, opts ...Option) (*Client, net.Conn) {
	t.Helper()
	clientEnd, serverEnd := net.Pipe()
	c := newClient(clientEnd, self, opts...)
	go c.readLoop()
	t.Cleanup(func() {
		c.Close()
		serverEnd.Close()
	})
	return c, serverEnd
}

func readClientFrame(t *testing.T, conn net.Conn) protocol.NewMessageMsg {
	t.Helper()
	data, err := wsutil.ReadClientText(conn)
	if err != nil {
		t.Fatalf("server read failed: %v", err)
	}
	var msg protocol.NewMessageMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("server failed to decode %s: %v", data, err)
	}
	return msg
}

func writeServerFrame(t *testing.T, conn net.Conn, msgType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		t.Fatalf("failed to build %s frame: %v", msgType, err)
	}
	if err := wsutil.WriteServerMessage(conn, ws.OpText, data); err != nil {
		t.Fatalf("server write failed: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendMessageReconcilesOnAck(t *testing.T) {
	c, server := pipeClient(t)

	go func() {
		msg := readClientFrame(t, server)
		envelope := protocol.MessageEnvelope{
			ID:        "srv-1",
			Content:   msg.Message,
			Sender:    self,
			Chat:      msg.ChatID,
			CreatedAt: "2026-02-01T10:00:00Z",
		}
		ack := protocol.MessageAckMsg{
			AckID:           msg.AckID,
			Status:          protocol.AckStatusOK,
			MessageEnvelope: &envelope,
		}
		writeServerFrame(t, server, protocol.TypeMessageAck, ack)
	}()

	localID, err := c.SendMessage("conv-1", "hello")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	waitFor(t, "ack reconciliation", func() bool {
		entries := c.Timeline("conv-1").Entries()
		return len(entries) == 1 && entries[0].State == StateSent
	})

	entry := c.Timeline("conv-1").Entries()[0]
	if entry.LocalID != localID || entry.ServerID != "srv-1" {
		t.Fatalf("entry not reconciled with server record: %+v", entry)
	}

	c.mu.Lock()
	remaining := len(c.pending)
	c.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("%d pending sends left after ack", remaining)
	}
}

func TestAckTimeoutSettlesOnce(t *testing.T) {
	c, server := pipeClient(t, WithAckTimeout(20*time.Millisecond))

	acked := make(chan struct{})
	go func() {
		msg := readClientFrame(t, server)
		// Hold the ack back until after the client's timeout fired.
		time.Sleep(120 * time.Millisecond)
		envelope := protocol.MessageEnvelope{ID: "srv-late", Chat: msg.ChatID}
		writeServerFrame(t, server, protocol.TypeMessageAck, protocol.MessageAckMsg{
			AckID:           msg.AckID,
			Status:          protocol.AckStatusOK,
			MessageEnvelope: &envelope,
		})
		close(acked)
	}()

	if _, err := c.SendMessage("conv-1", "anyone there?"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	// The timeout settles the entry as soft-success: sent, no server id.
	waitFor(t, "timeout settlement", func() bool {
		entries := c.Timeline("conv-1").Entries()
		return len(entries) == 1 && entries[0].State == StateSent
	})
	if got := c.Timeline("conv-1").Entries()[0].ServerID; got != "" {
		t.Fatalf("timed-out entry should have no server id, got %q", got)
	}

	<-acked
	// Give the read loop a chance to process the late ack, then confirm
	// the settled entry did not adopt the server record.
	time.Sleep(20 * time.Millisecond)
	entry := c.Timeline("conv-1").Entries()[0]
	if entry.State != StateSent || entry.ServerID != "" {
		t.Fatalf("late ack mutated a settled entry: %+v", entry)
	}
}

func TestRateLimitAckFailsEntry(t *testing.T) {
	c, server := pipeClient(t)

	go func() {
		msg := readClientFrame(t, server)
		writeServerFrame(t, server, protocol.TypeMessageAck, protocol.MessageAckMsg{
			AckID:  msg.AckID,
			Status: protocol.AckStatusRateLimit,
		})
	}()

	if _, err := c.SendMessage("conv-1", "spam"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	waitFor(t, "rate limit settlement", func() bool {
		entries := c.Timeline("conv-1").Entries()
		return len(entries) == 1 && entries[0].State == StateFailed
	})
}

func TestBroadcastAppendsToTimeline(t *testing.T) {
	c, server := pipeClient(t)

	received := make(chan struct{})
	c.On(protocol.TypeNewMessage, func(json.RawMessage) { close(received) })

	writeServerFrame(t, server, protocol.TypeNewMessage, protocol.ServerNewMessageMsg{
		Message: protocol.MessageEnvelope{
			ID:        "srv-7",
			Content:   "how can we help?",
			Sender:    agent,
			Chat:      "conv-1",
			CreatedAt: "2026-02-01T10:00:01Z",
		},
	})

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the broadcast")
	}

	entries := c.Timeline("conv-1").Entries()
	if len(entries) != 1 || entries[0].ServerID != "srv-7" || entries[0].State != StateSent {
		t.Fatalf("broadcast not appended: %+v", entries)
	}
	if entries[0].Sender.ID != agent.ID {
		t.Fatalf("broadcast sender = %+v, want %+v", entries[0].Sender, agent)
	}
}

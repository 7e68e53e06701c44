// Package messaging relays conversation events between server instances
// over NATS. Each instance broadcasts to its own local room subscribers
// directly; the relay exists so a customer connected to instance A and a
// staff operator connected to instance B still see each other's messages.
// Presence state is not relayed; it remains process-local.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectConversation is the subject prefix for conversation event
// relays; the conversation id is appended as the last token.
const SubjectConversation = "support.chat"

// Event is the relayed payload: the already-encoded client frame plus
// the name of the instance that produced it, so receivers can skip their
// own publishes.
type Event struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "support-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Client wraps the NATS connection with per-conversation relay
// subscriptions.
type Client struct {
	conn   *nats.Conn
	origin string
	mu     sync.Mutex
	subs   map[string]*nats.Subscription // conversation_id -> subscription
}

// NewClient connects to NATS and returns a ready relay client. origin is
// this server instance's name; events it publishes are stamped with it
// and ignored when they come back around.
func NewClient(config Config, origin string) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn:   nc,
		origin: origin,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// PublishFrame relays an encoded client frame for a conversation to
// sibling instances.
func (c *Client) PublishFrame(conversationID string, frame []byte) error {
	event := Event{Origin: c.origin, Frame: frame}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats: marshal relay event: %w", err)
	}
	return c.conn.Publish(SubjectConversation+"."+conversationID, data)
}

// SubscribeConversation starts relaying a conversation's events from
// sibling instances into handler. Frames this instance published itself
// are filtered out. One subscription per conversation per process;
// re-subscribing is a no-op.
func (c *Client) SubscribeConversation(conversationID string, handler func(frame []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[conversationID]; ok {
		return nil
	}

	subject := SubjectConversation + "." + conversationID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] unmarshal relay event on %s: %v", subject, err)
			return
		}
		if event.Origin == c.origin {
			return // our own publish, already delivered locally
		}
		handler(event.Frame)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.subs[conversationID] = sub
	return nil
}

// UnsubscribeConversation stops relaying a conversation's events.
// Called when the local room empties. Unknown conversations are a no-op.
func (c *Client) UnsubscribeConversation(conversationID string) error {
	c.mu.Lock()
	sub, ok := c.subs[conversationID]
	if ok {
		delete(c.subs, conversationID)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", conversationID, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for conversationID, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", conversationID, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

package chat

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/craftline/support-chat/internal/auth"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ConversationStore is the persistence contract the send pipeline and the
// bootstrap/history API depend on. The production implementation is
// Postgres-backed; tests substitute an in-memory fake.
type ConversationStore interface {
	GetOrCreateSupportConversation(ctx context.Context, customer auth.Identity) (*Conversation, error)
	Conversation(ctx context.Context, id string) (*Conversation, error)
	InsertMessage(ctx context.Context, m *Message) error
	CountMessages(ctx context.Context, conversationID string) (int, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
}

// Store persists conversations and messages in PostgreSQL. The store
// relies on the database to serialize per-row writes and on the messages
// bigserial sequence for a total per-conversation order.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies the embedded schema migrations. It is safe to call on
// every startup; an up-to-date schema is not an error.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("chat: load migrations: %w", err)
	}
	driver, err := migratepg.WithInstance(s.db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("chat: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("chat: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("chat: migrate up: %w", err)
	}
	return nil
}

// GetOrCreateSupportConversation returns the customer's support
// conversation, creating it if it does not exist. The partial unique
// index on customer_id guarantees at most one support conversation per
// customer even under concurrent bootstraps; the conditional insert
// simply loses to the existing row.
func (s *Store) GetOrCreateSupportConversation(ctx context.Context, customer auth.Identity) (*Conversation, error) {
	const insert = `
		INSERT INTO conversations (id, customer_id, participants, is_support, created_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		ON CONFLICT (customer_id) WHERE is_support DO NOTHING`

	participants := []string{customer.ID, AutoReplySenderID}
	_, err := s.db.ExecContext(ctx, insert, uuid.New().String(), customer.ID, pq.Array(participants))
	if err != nil {
		return nil, fmt.Errorf("chat: create support conversation: %w", err)
	}

	const query = `
		SELECT id, customer_id, participants, is_support, created_at
		FROM conversations
		WHERE customer_id = $1 AND is_support`

	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, query, customer.ID))
	if err != nil {
		return nil, fmt.Errorf("chat: load support conversation: %w", err)
	}
	return conv, nil
}

// Conversation loads a conversation by id. Returns nil, nil if absent.
func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	const query = `
		SELECT id, customer_id, participants, is_support, created_at
		FROM conversations
		WHERE id = $1`

	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: load conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.CustomerID, pq.Array(&c.Participants), &c.IsSupport, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertMessage persists a message and fills in its store-assigned Seq
// and CreatedAt.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	const query = `
		INSERT INTO messages (id, conversation_id, sender_id, sender_name, sender_role, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq, created_at`

	err := s.db.QueryRowContext(ctx, query,
		m.ID, m.ConversationID, m.SenderID, m.SenderName, m.SenderRole, m.Content,
	).Scan(&m.Seq, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

// CountMessages returns the number of persisted messages in a
// conversation. Called inside the send unit right after the insert, so
// the auto-reply trigger sees its own write.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	const query = `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`

	var n int
	if err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("chat: count messages: %w", err)
	}
	return n, nil
}

// ListMessages returns a conversation's messages in persistence order,
// oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	const query = `
		SELECT id, conversation_id, sender_id, sender_name, sender_role, content, seq, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName,
			&m.SenderRole, &m.Content, &m.Seq, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: iterate messages: %w", err)
	}
	return msgs, nil
}

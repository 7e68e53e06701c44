// Package session keeps a Redis record per live WebSocket connection:
// which identity owns it, its role, and which server instance holds it.
// The records let operators inspect connected users across instances and
// expire on their own if a server dies without cleaning up.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/craftline/support-chat/internal/auth"
)

const (
	// ConnPrefix is the Redis key prefix for connection records.
	ConnPrefix = "conn:"

	// ConnTTL is the time-to-live for connection records. The heartbeat
	// refreshes it; a record outliving its TTL means its server died.
	ConnTTL = 1 * time.Hour
)

// Record is one live connection's state stored in Redis.
type Record struct {
	ConnID      string `redis:"conn_id"`
	IdentityID  string `redis:"identity_id"`
	DisplayName string `redis:"display_name"`
	Role        string `redis:"role"`
	Server      string `redis:"server"`
	CreatedAt   int64  `redis:"created_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a connection record store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a record for a freshly authenticated connection.
func (s *Store) Create(ctx context.Context, connID string, id auth.Identity) error {
	key := ConnPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"conn_id":      connID,
		"identity_id":  id.ID,
		"display_name": id.DisplayName,
		"role":         id.Role,
		"server":       s.serverName,
		"created_at":   now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Record, error) {
	key := ConnPrefix + connID
	var record Record
	err := s.client.HGetAll(ctx, key).Scan(&record)
	if err != nil {
		return nil, err
	}
	if record.ConnID == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// Touch refreshes a record's TTL and last-active timestamp. Called by
// the heartbeat for connections that are still alive.
func (s *Store) Touch(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a connection record.
func (s *Store) Delete(ctx context.Context, connID string) error {
	key := ConnPrefix + connID
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (the rate limiter shares the connection).
func (s *Store) Client() *redis.Client {
	return s.client
}

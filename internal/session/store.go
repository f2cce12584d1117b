// Package session tracks open editing sessions in Redis. A mutation carrying
// a session id that is no longer registered is rejected, which is how stale
// responses from closed editors are kept out of the trees.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"planloom/api/internal/util"
)

// ErrSessionClosed is returned when a session id is unknown or expired.
var ErrSessionClosed = errors.New("session closed")

// Record is the data stored for each open editing session.
type Record struct {
	ID       string    `json:"id"`
	PlanID   string    `json:"plan_id"`
	OpenedAt time.Time `json:"opened_at"`
}

// Store keeps editing sessions in Redis with a sliding TTL.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewStore creates a Redis-backed session store.
func NewStore(redisURL string, ttl time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStoreWithClient(client, ttl), nil
}

// NewStoreWithClient creates a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{
		client: client,
		prefix: "session:",
		ttl:    ttl,
	}
}

func (s *Store) key(sessionID string) string {
	return s.prefix + sessionID
}

// Open registers a new editing session for a plan.
func (s *Store) Open(ctx context.Context, planID string) (Record, error) {
	record := Record{
		ID:       util.NewID("ses"),
		PlanID:   planID,
		OpenedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return Record{}, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.key(record.ID), data, s.ttl).Err(); err != nil {
		return Record{}, fmt.Errorf("save session: %w", err)
	}
	return record, nil
}

// Get looks up a session and refreshes its TTL on hit. A miss means the
// session was ended or expired.
func (s *Store) Get(ctx context.Context, sessionID string) (Record, error) {
	data, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err == redis.Nil {
		return Record{}, ErrSessionClosed
	}
	if err != nil {
		return Record{}, fmt.Errorf("lookup session: %w", err)
	}

	var record Record
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return Record{}, fmt.Errorf("unmarshal session: %w", err)
	}

	// sliding expiry: active editors stay registered
	if err := s.client.Expire(ctx, s.key(sessionID), s.ttl).Err(); err != nil {
		return Record{}, fmt.Errorf("refresh session: %w", err)
	}
	return record, nil
}

// End deregisters a session. Ending an already-closed session is a no-op.
func (s *Store) End(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

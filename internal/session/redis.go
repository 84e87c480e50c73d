package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "oidcfront:session:"

// RedisStore keeps session tickets in Redis with a per-key TTL, for
// deployments with more than one front instance.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

type redisSessionState struct {
	Ticket  *Ticket `json:"ticket,omitempty"`
	Subject string  `json:"subject,omitempty"`
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, addr, password string, ttl time.Duration) (*RedisStore, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

// Close releases the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisKey(sessionID string) string {
	return redisKeyPrefix + sessionID
}

func (s *RedisStore) load(ctx context.Context, sessionID string) (redisSessionState, bool, error) {
	data, err := s.client.Get(ctx, redisKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return redisSessionState{}, false, nil
	}
	if err != nil {
		return redisSessionState{}, false, fmt.Errorf("reading session %s: %w", sessionID, err)
	}

	var state redisSessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return redisSessionState{}, false, fmt.Errorf("decoding session %s: %w", sessionID, err)
	}
	return state, true, nil
}

func (s *RedisStore) save(ctx context.Context, sessionID string, state redisSessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sessionID, err)
	}
	if err := s.client.Set(ctx, redisKey(sessionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("writing session %s: %w", sessionID, err)
	}
	return nil
}

func (s *RedisStore) Bind(ctx context.Context, sessionID string, ticket Ticket) error {
	state, _, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	state.Ticket = &ticket
	return s.save(ctx, sessionID, state)
}

func (s *RedisStore) Ticket(ctx context.Context, sessionID string) (Ticket, bool, error) {
	state, ok, err := s.load(ctx, sessionID)
	if err != nil || !ok || state.Ticket == nil {
		return Ticket{}, false, err
	}
	return *state.Ticket, true, nil
}

func (s *RedisStore) ClearTicket(ctx context.Context, sessionID string) error {
	state, ok, err := s.load(ctx, sessionID)
	if err != nil || !ok {
		return err
	}
	state.Ticket = nil
	return s.save(ctx, sessionID, state)
}

func (s *RedisStore) SetSubject(ctx context.Context, sessionID, subject string) error {
	state, _, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	state.Subject = subject
	return s.save(ctx, sessionID, state)
}

func (s *RedisStore) Subject(ctx context.Context, sessionID string) (string, bool, error) {
	state, ok, err := s.load(ctx, sessionID)
	if err != nil || !ok || state.Subject == "" {
		return "", false, err
	}
	return state.Subject, true, nil
}

var _ Store = (*RedisStore)(nil)

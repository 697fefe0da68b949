package payment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "checkout_session:"

// ErrSessionNotFound is returned when no pending checkout session exists for
// a key; callers treat it as "abandoned or never created".
var ErrSessionNotFound = errors.New("checkout session not found")

// SessionStore keeps pending checkout sessions alive until their provider
// expiry so a late webhook or success callback can still correlate them.
type SessionStore interface {
	Save(ctx context.Context, session *CheckoutSession) error
	Get(ctx context.Context, provider, sessionID string) (*CheckoutSession, error)
	Delete(ctx context.Context, provider, sessionID string) error
}

type redisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore stores sessions in redis with a TTL bounded by the
// session's ExpiresAt, so abandoned checkouts evict themselves.
func NewRedisSessionStore(client *redis.Client) SessionStore {
	return &redisSessionStore{client: client}
}

func sessionKey(provider, sessionID string) string {
	return sessionKeyPrefix + provider + ":" + sessionID
}

func (s *redisSessionStore) Save(ctx context.Context, session *CheckoutSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Minute
	}
	return s.client.Set(ctx, sessionKey(session.Provider, session.SessionID), data, ttl).Err()
}

func (s *redisSessionStore) Get(ctx context.Context, provider, sessionID string) (*CheckoutSession, error) {
	data, err := s.client.Get(ctx, sessionKey(provider, sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var session CheckoutSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *redisSessionStore) Delete(ctx context.Context, provider, sessionID string) error {
	return s.client.Del(ctx, sessionKey(provider, sessionID)).Err()
}

// MemorySessionStore is a process-local SessionStore used in tests and as a
// fallback when no cache server is configured.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*CheckoutSession
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*CheckoutSession)}
}

func (s *MemorySessionStore) Save(_ context.Context, session *CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *session
	s.sessions[sessionKey(session.Provider, session.SessionID)] = &copied
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, provider, sessionID string) (*CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionKey(provider, sessionID)]
	if !ok || session.Expired(time.Now()) {
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, provider, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(provider, sessionID))
	return nil
}

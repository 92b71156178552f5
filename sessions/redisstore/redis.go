package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ggoodman/mqtt-gateway-go/sessions"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "mqttgw:sessions:"

// Config for the Redis-backed ContextStore. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mqttgw:sessions:"`
}

// Store implements sessions.ContextStore on top of Redis.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	ownClient bool
}

// New dials Redis at cfg.RedisAddr and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	s := NewFromClient(cl, cfg.KeyPrefix)
	s.ownClient = true
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode redis store config: %w", err)
	}
	return New(ctx, cfg)
}

// NewFromClient wraps an existing client. The caller keeps ownership of the
// client; Close will not close it.
func NewFromClient(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis client if the Store created it.
func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func (s *Store) contextKey(sessionID uuid.UUID) string {
	return s.keyPrefix + "ctx:" + sessionID.String()
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

// Create implements sessions.ContextStore.Create
func (s *Store) Create(ctx context.Context, sessionID uuid.UUID, seed string) (bool, error) {
	entry, err := json.Marshal(sessions.HistoryEntry{Payload: seed})
	if err != nil {
		return false, fmt.Errorf("marshal seed entry: %w", err)
	}
	res, err := createScript.Run(ctx, s.client, []string{s.contextKey(sessionID)}, entry).Int()
	if err != nil {
		return false, fmt.Errorf("create context %s: %w", sessionID, err)
	}
	return res == 1, nil
}

// Append implements sessions.ContextStore.Append
func (s *Store) Append(ctx context.Context, sessionID uuid.UUID, payload, channel string) error {
	entry, err := json.Marshal(sessions.HistoryEntry{Payload: payload, Channel: channel})
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	// RPUSHX only appends to an existing list.
	if err := s.client.RPushX(ctx, s.contextKey(sessionID), entry).Err(); err != nil {
		return fmt.Errorf("append context %s: %w", sessionID, err)
	}
	return nil
}

// Get implements sessions.ContextStore.Get
func (s *Store) Get(ctx context.Context, sessionID uuid.UUID) (*sessions.Context, error) {
	raw, err := s.client.LRange(ctx, s.contextKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get context %s: %w", sessionID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	history := make([]sessions.HistoryEntry, 0, len(raw))
	for i, r := range raw {
		var e sessions.HistoryEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode context %s entry %d: %w", sessionID, i, err)
		}
		history = append(history, e)
	}
	return &sessions.Context{SessionID: sessionID, History: history}, nil
}

// Remove implements sessions.ContextStore.Remove
func (s *Store) Remove(ctx context.Context, sessionID uuid.UUID) (bool, error) {
	n, err := s.client.Del(ctx, s.contextKey(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("remove context %s: %w", sessionID, err)
	}
	return n == 1, nil
}

// Interface compliance
var _ sessions.ContextStore = (*Store)(nil)

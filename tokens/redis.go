package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds connection settings for the redis-backed store.
type RedisConfig struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
	Retention time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore keeps session records in redis so they survive process restarts
// and are shared between replicas. Expiry is delegated to redis key TTLs.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
}

// NewRedisStore dials redis and verifies connectivity.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.Retention), nil
}

// NewRedisStoreWithClient wraps a pre-configured client (e.g. miniredis in tests).
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, retention: retention}
}

func (s *RedisStore) key(sid string) string {
	return s.keyPrefix + "bff:tokens:" + sid
}

// Save writes the record with the retention TTL in a single SET.
func (s *RedisStore) Save(ctx context.Context, sid string, ts TokenSet) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("marshal token set: %w", err)
	}
	if err := s.client.Set(ctx, s.key(sid), data, s.retention).Err(); err != nil {
		return fmt.Errorf("save token set: %w", err)
	}
	return nil
}

// Get loads the record; a missing key is reported as absent, not an error.
func (s *RedisStore) Get(ctx context.Context, sid string) (TokenSet, bool, error) {
	data, err := s.client.Get(ctx, s.key(sid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TokenSet{}, false, nil
		}
		return TokenSet{}, false, fmt.Errorf("get token set: %w", err)
	}
	var ts TokenSet
	if err := json.Unmarshal(data, &ts); err != nil {
		return TokenSet{}, false, fmt.Errorf("decode token set: %w", err)
	}
	return ts, true, nil
}

// Delete removes the record.
func (s *RedisStore) Delete(ctx context.Context, sid string) error {
	if err := s.client.Del(ctx, s.key(sid)).Err(); err != nil {
		return fmt.Errorf("delete token set: %w", err)
	}
	return nil
}

// Ping checks redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

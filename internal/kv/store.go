// Package kv wraps the distributed key/value store (Redis). It holds only
// short-lived state: idempotency refs, order lifecycle accumulators, lease
// locks, and the L2 cache tier. Loss of this store never corrupts a system
// of record; it only forces replays from the fills log or the position
// database.
package kv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Store wraps the Redis client with the platform's codec.
type Store struct {
	client *redis.Client
	log    zerolog.Logger
}

// Config holds connection settings for the distributed store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// New connects to the distributed store. The connection is verified with a
// short ping so misconfiguration surfaces at startup rather than first use.
func New(cfg Config, log zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Store{
		client: client,
		log:    log.With().Str("component", "kv").Logger(),
	}, nil
}

// NewFromClient wraps an existing client (used by tests with a fake server).
func NewFromClient(client *redis.Client, log zerolog.Logger) *Store {
	return &Store{client: client, log: log.With().Str("component", "kv").Logger()}
}

// Client exposes the underlying Redis client for the fabric and L2 cache.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity (used by the health service).
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SetMsgpack stores a msgpack-encoded value with a TTL.
func (s *Store) SetMsgpack(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, raw, ttl).Err()
}

// GetMsgpack loads a msgpack-encoded value. Returns (false, nil) on a miss.
func (s *Store) GetMsgpack(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := msgpack.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

// ScanKeys returns all keys matching the pattern. Used sparingly (orphan
// scan); the cursor walk keeps each call bounded.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

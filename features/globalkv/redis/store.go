// Package redis implements workctx.KV on a Redis hash so the global
// key/value store survives restarts and is shared across instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisdriver "github.com/redis/go-redis/v9"
	"goa.design/clue/health"

	"github.com/aura-ai/aura/runtime/assistant/workctx"
)

const (
	defaultKey     = "aura:globalkv"
	defaultTimeout = 5 * time.Second
	storeName      = "globalkv-redis"
)

// Options configures the Redis-backed KV store.
type Options struct {
	// Client is the Redis connection. Required.
	Client *redisdriver.Client
	// Key names the hash holding all entries. Defaults to "aura:globalkv".
	Key string
	// Timeout bounds individual operations. Defaults to 5s.
	Timeout time.Duration
}

// Store implements workctx.KV on a single Redis hash. Values round-trip
// through JSON, so numbers come back as float64.
type Store struct {
	redis   *redisdriver.Client
	key     string
	timeout time.Duration
}

var (
	_ workctx.KV    = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New returns a Store backed by the provided Redis client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	key := opts.Key
	if key == "" {
		key = defaultKey
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{redis: opts.Client, key: key, timeout: timeout}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return storeName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.redis.Ping(ctx).Err()
}

// Set implements workctx.KV.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	if key == "" {
		return errors.New("key is required")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.redis.HSet(ctx, s.key, key, data).Err()
}

// Get implements workctx.KV.
func (s *Store) Get(ctx context.Context, key string) (any, bool, error) {
	if key == "" {
		return nil, false, errors.New("key is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	data, err := s.redis.HGet(ctx, s.key, key).Bytes()
	if err != nil {
		if errors.Is(err, redisdriver.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return value, true, nil
}

// Delete implements workctx.KV.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("key is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.redis.HDel(ctx, s.key, key).Err()
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

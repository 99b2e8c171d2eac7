package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/marketgw/internal/observability"
)

// takeScript atomically applies one request to a fixed window counter.
// The key expires one window after its first increment, which anchors the
// window at the first request.
//
// KEYS[1] = counter key
// ARGV[1] = limit
// ARGV[2] = window in milliseconds
//
// Returns {allowed, count, pttl}.
var takeScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count >= limit then
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], window)
		ttl = window
	end
	return {0, count, ttl}
end
count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], window)
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], window)
	ttl = window
end
return {1, count, ttl}
`)

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	Prefix       string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ConnectionRetries is the number of extra ping attempts at startup.
	ConnectionRetries int
	// RetryBackoff is the wait between ping attempts.
	RetryBackoff time.Duration
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Address:           "localhost:6379",
		Prefix:            "ratelimit:",
		DialTimeout:       5 * time.Second,
		ReadTimeout:       time.Second,
		WriteTimeout:      time.Second,
		ConnectionRetries: 3,
		RetryBackoff:      500 * time.Millisecond,
	}
}

// RedisStore shares counters between gateway replicas through Redis.
// Windows are timed by the Redis server clock; the now argument of Take is
// not used.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	logger observability.Logger
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string, logger observability.Logger) *RedisStore {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

// ConnectRedisStore dials Redis and pings it, retrying with a fixed backoff.
func ConnectRedisStore(ctx context.Context, cfg RedisConfig, logger observability.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	defaults := DefaultRedisConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	var lastErr error
	for attempt := 0; attempt <= cfg.ConnectionRetries; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			logger.Info("connected to redis",
				observability.String("address", cfg.Address),
				observability.Int("attempt", attempt+1),
			)
			return NewRedisStore(client, cfg.Prefix, logger), nil
		}

		logger.Warn("redis ping failed",
			observability.String("address", cfg.Address),
			observability.Int("attempt", attempt+1),
			observability.Error(lastErr),
		)

		if attempt == cfg.ConnectionRetries {
			break
		}
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, fmt.Errorf("redis connection cancelled: %w", ctx.Err())
		case <-time.After(cfg.RetryBackoff):
		}
	}

	_ = client.Close()
	return nil, fmt.Errorf("failed to connect to redis at %s after %d attempts: %w",
		cfg.Address, cfg.ConnectionRetries+1, lastErr)
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, limit int, window time.Duration, _ time.Time) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}

	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("redis take: %w", err)
	}
	if len(res) != 3 {
		return Window{}, fmt.Errorf("redis take: unexpected reply length %d", len(res))
	}

	return Window{
		Allowed:    res[0] == 1,
		Count:      int(res[1]),
		ResetAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

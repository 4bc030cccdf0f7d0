package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hamzaKhattat/asterisk-call-checker/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
)

type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
}

// Cache is a thin prefixed Redis client. A Cache without a client is valid
// and reports itself as disabled.
type Cache struct {
	client *redis.Client
	prefix string
}

// incrWindow increments a counter and arms its expiry on first use, atomically.
var incrWindow = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// New connects to Redis. An empty host yields a disabled cache.
func New(ctx context.Context, cfg Config, prefix string) (*Cache, error) {
	if cfg.Host == "" {
		logger.Debug("Redis not configured, cache disabled")
		return &Cache{prefix: prefix}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, errors.ErrRedis, "failed to connect to Redis")
	}

	logger.Info("Redis cache initialized", "addr", client.Options().Addr)
	return &Cache{client: client, prefix: prefix}, nil
}

// Enabled reports whether a Redis client is attached
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

func (c *Cache) key(k string) string {
	if c.prefix != "" {
		return fmt.Sprintf("%s:%s", c.prefix, k)
	}
	return k
}

// IncrWindow increments key and returns the new count. The key expires
// window after its first increment, giving a fixed window counter.
func (c *Cache) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	if !c.Enabled() {
		return 0, errors.New(errors.ErrRedis, "cache disabled")
	}

	n, err := incrWindow.Run(ctx, c.client, []string{c.key(key)}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrRedis, "failed to increment counter")
	}
	return n, nil
}

// Ping checks the Redis connection; a disabled cache is always healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if !c.Enabled() {
		return nil
	}
	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, errors.ErrRedis, "redis ping failed")
	}
	return nil
}

func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cpstats-sync/internal/config"
)

// Client wraps a Redis connection with the key namespace used by the
// coordination primitives in this package.
type Client struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// NewClient connects to Redis and verifies the connection
func NewClient(cfg *config.RedisConfig, logger *slog.Logger) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return newClient(client, cfg.KeyPrefix, logger), nil
}

func newClient(client *redis.Client, prefix string, logger *slog.Logger) *Client {
	return &Client{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
		now:    time.Now,
		logger: logger,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Ping checks that Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// key joins parts under the configured prefix
func (c *Client) key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lock only while it is still held by the caller's
// token, so an expired and re-acquired lock is never released by mistake.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Coordinator provides a cluster-wide sync cycle lock and per-account leases
type Coordinator struct {
	*Client
	cycleTTL time.Duration
	leaseTTL time.Duration
}

// NewCoordinator creates a coordinator on top of c
func NewCoordinator(c *Client, cycleTTL, leaseTTL time.Duration) *Coordinator {
	return &Coordinator{
		Client:   c,
		cycleTTL: cycleTTL,
		leaseTTL: leaseTTL,
	}
}

// AcquireCycle takes the sync cycle lock. ok is false when another instance
// holds it.
func (c *Coordinator) AcquireCycle(ctx context.Context) (release func(context.Context), ok bool, err error) {
	return c.acquire(ctx, c.key("lock", "cycle"), c.cycleTTL)
}

// AcquireLease takes the lease on one account. ok is false when another
// worker is syncing it.
func (c *Coordinator) AcquireLease(ctx context.Context, accountID string) (release func(context.Context), ok bool, err error) {
	return c.acquire(ctx, c.key("lease", "account", accountID), c.leaseTTL)
}

func (c *Coordinator) acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context), bool, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func(ctx context.Context) {
		if err := releaseScript.Run(ctx, c.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			c.logger.Warn("failed to release redis lock", "key", key, "error", err)
		}
	}
	return release, true, nil
}

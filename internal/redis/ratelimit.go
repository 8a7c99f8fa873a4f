package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cpstats-sync/internal/domain"
)

// Limit is a fixed-window budget of requests
type Limit struct {
	Requests int
	Window   time.Duration
}

// RateLimitedFetcher enforces shared per-platform request budgets in front
// of another fetcher. Platforms without a limit pass through.
type RateLimitedFetcher struct {
	*Client
	next   domain.Fetcher
	limits map[domain.Platform]Limit
}

// NewRateLimitedFetcher wraps next with the given per-platform limits
func NewRateLimitedFetcher(c *Client, next domain.Fetcher, limits map[domain.Platform]Limit) *RateLimitedFetcher {
	return &RateLimitedFetcher{
		Client: c,
		next:   next,
		limits: limits,
	}
}

// Fetch implements domain.Fetcher. An exhausted window fails with
// ErrRateLimited without calling the wrapped fetcher.
func (f *RateLimitedFetcher) Fetch(ctx context.Context, platform domain.Platform, username string) (*domain.RawMetrics, error) {
	limit, ok := f.limits[platform]
	if ok && limit.Requests > 0 && limit.Window > 0 {
		allowed, err := f.allow(ctx, platform, limit)
		if err != nil {
			return nil, fmt.Errorf("%w: checking rate limit: %v", domain.ErrTransient, err)
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s budget of %d per %s exhausted",
				domain.ErrRateLimited, platform, limit.Requests, limit.Window)
		}
	}
	return f.next.Fetch(ctx, platform, username)
}

func (f *RateLimitedFetcher) allow(ctx context.Context, platform domain.Platform, limit Limit) (bool, error) {
	window := f.now().UnixNano() / int64(limit.Window)
	key := f.key("ratelimit", string(platform), strconv.FormatInt(window, 10))

	var incr *redis.IntCmd
	_, err := f.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, limit.Window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() <= int64(limit.Requests), nil
}

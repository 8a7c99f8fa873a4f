package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cpstats-sync/internal/domain"
)

// RankingCache stores ranked sets as JSON with a TTL. Invalidation bumps a
// generation counter that is part of every key, so stale entries are simply
// never read again and expire on their own.
type RankingCache struct {
	*Client
	ttl time.Duration
}

// NewRankingCache creates a ranking cache on top of c
func NewRankingCache(c *Client, ttl time.Duration) *RankingCache {
	return &RankingCache{Client: c, ttl: ttl}
}

func (c *RankingCache) generation(ctx context.Context) (string, error) {
	gen, err := c.client.Get(ctx, c.key("ranking", "gen")).Result()
	if err == redis.Nil {
		return "0", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting ranking generation: %w", err)
	}
	return gen, nil
}

// GetRanking returns a cached ranking for key
func (c *RankingCache) GetRanking(ctx context.Context, key string) ([]domain.LeaderboardEntry, bool, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return nil, false, err
	}
	data, err := c.client.Get(ctx, c.key("ranking", gen, key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting ranking: %w", err)
	}

	var entries []domain.LeaderboardEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, false, fmt.Errorf("decoding ranking: %w", err)
	}
	return entries, true, nil
}

// SetRanking stores a ranking under the current generation
func (c *RankingCache) SetRanking(ctx context.Context, key string, entries []domain.LeaderboardEntry) error {
	gen, err := c.generation(ctx)
	if err != nil {
		return err
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding ranking: %w", err)
	}
	if err := c.client.Set(ctx, c.key("ranking", gen, key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("setting ranking: %w", err)
	}
	return nil
}

// Invalidate makes every cached ranking unreachable
func (c *RankingCache) Invalidate(ctx context.Context) error {
	gen, err := c.client.Incr(ctx, c.key("ranking", "gen")).Result()
	if err != nil {
		return fmt.Errorf("bumping ranking generation: %w", err)
	}
	c.logger.Debug("ranking cache invalidated", "generation", gen)
	return nil
}

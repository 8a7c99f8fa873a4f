package service

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/cpstats-sync/internal/domain"
)

// LocalRankingCache is an in-process RankingCache with time-based expiry. It
// is used when no shared cache is configured.
type LocalRankingCache struct {
	lru *expirable.LRU[string, []domain.LeaderboardEntry]
}

// NewLocalRankingCache creates a cache holding at most size rankings for ttl
func NewLocalRankingCache(size int, ttl time.Duration) *LocalRankingCache {
	return &LocalRankingCache{
		lru: expirable.NewLRU[string, []domain.LeaderboardEntry](size, nil, ttl),
	}
}

// GetRanking returns a cached ranking. Callers must not modify it.
func (c *LocalRankingCache) GetRanking(_ context.Context, key string) ([]domain.LeaderboardEntry, bool, error) {
	entries, ok := c.lru.Get(key)
	return entries, ok, nil
}

// SetRanking stores a ranking
func (c *LocalRankingCache) SetRanking(_ context.Context, key string, entries []domain.LeaderboardEntry) error {
	c.lru.Add(key, entries)
	return nil
}

// Invalidate drops every cached ranking
func (c *LocalRankingCache) Invalidate(_ context.Context) error {
	c.lru.Purge()
	return nil
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/cpstats-sync/internal/config"
	"github.com/cpstats-sync/internal/domain"
	"github.com/cpstats-sync/internal/stats"
)

// Leaderboard modes
const (
	ModeOverall  = "overall"
	ModePlatform = "platform"
)

// RankingCache stores fully ranked sets by key
type RankingCache interface {
	GetRanking(ctx context.Context, key string) ([]domain.LeaderboardEntry, bool, error)
	SetRanking(ctx context.Context, key string, entries []domain.LeaderboardEntry) error
}

// LeaderboardService ranks users and platform accounts
type LeaderboardService struct {
	store  domain.Store
	cache  RankingCache
	config *config.LeaderboardConfig
	logger *slog.Logger
}

// NewLeaderboardService creates a new leaderboard service. cache may be nil.
func NewLeaderboardService(
	store domain.Store,
	cache RankingCache,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *LeaderboardService {
	return &LeaderboardService{
		store:  store,
		cache:  cache,
		config: cfg,
		logger: logger,
	}
}

// Overall returns the top users ranked by an overall metric
func (s *LeaderboardService) Overall(ctx context.Context, metric domain.OverallMetric, limit int) (*domain.Leaderboard, error) {
	ranked, err := s.overallRanking(ctx, metric)
	if err != nil {
		return nil, err
	}
	return &domain.Leaderboard{
		Mode:    ModeOverall,
		Metric:  string(metric),
		Total:   len(ranked),
		Entries: top(ranked, s.clamp(limit)),
	}, nil
}

// UserPosition returns a user's entry in the overall ranking. It returns nil
// without error when the user exists but is not public or has no active
// accounts.
func (s *LeaderboardService) UserPosition(ctx context.Context, metric domain.OverallMetric, userID string) (*domain.LeaderboardEntry, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	ranked, err := s.overallRanking(ctx, metric)
	if err != nil {
		return nil, err
	}
	for i := range ranked {
		if ranked[i].UserID == userID {
			entry := ranked[i]
			return &entry, nil
		}
	}
	return nil, nil
}

// Platform returns the top accounts of one platform ranked by a metric
func (s *LeaderboardService) Platform(ctx context.Context, platform domain.Platform, metric domain.PlatformMetric, limit int) (*domain.Leaderboard, error) {
	ranked, err := s.platformRanking(ctx, platform, metric)
	if err != nil {
		return nil, err
	}
	return &domain.Leaderboard{
		Mode:     ModePlatform,
		Metric:   string(metric),
		Platform: platform,
		Total:    len(ranked),
		Entries:  top(ranked, s.clamp(limit)),
	}, nil
}

// AccountPosition returns an account's entry in its platform ranking, or nil
// when the account is inactive, on another platform or owned by a private
// user.
func (s *LeaderboardService) AccountPosition(ctx context.Context, platform domain.Platform, metric domain.PlatformMetric, accountID string) (*domain.LeaderboardEntry, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active || account.Platform != platform {
		return nil, nil
	}
	ranked, err := s.platformRanking(ctx, platform, metric)
	if err != nil {
		return nil, err
	}
	for i := range ranked {
		if ranked[i].AccountID == accountID {
			entry := ranked[i]
			return &entry, nil
		}
	}
	return nil, nil
}

func (s *LeaderboardService) clamp(limit int) int {
	if limit <= 0 {
		return s.config.DefaultLimit
	}
	if limit > s.config.MaxLimit {
		return s.config.MaxLimit
	}
	return limit
}

func (s *LeaderboardService) overallRanking(ctx context.Context, metric domain.OverallMetric) ([]domain.LeaderboardEntry, error) {
	key := "overall:" + string(metric)
	return s.cached(ctx, key, func() ([]domain.LeaderboardEntry, error) {
		users, err := s.store.ListPublicUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing public users: %w", err)
		}
		accounts, err := s.store.ListActiveAccounts(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing active accounts: %w", err)
		}

		byUser := make(map[string][]*domain.PlatformAccount)
		for _, acc := range accounts {
			byUser[acc.UserID] = append(byUser[acc.UserID], acc)
		}

		entries := make([]domain.LeaderboardEntry, 0, len(users))
		for _, u := range users {
			owned := byUser[u.ID]
			if len(owned) == 0 {
				continue
			}
			agg := stats.Aggregate(owned)
			entries = append(entries, domain.LeaderboardEntry{
				UserID:    u.ID,
				Username:  u.Username,
				Value:     metric.Value(agg),
				CreatedAt: u.CreatedAt,
			})
		}
		return rank(entries, func(e domain.LeaderboardEntry) string { return e.UserID }), nil
	})
}

func (s *LeaderboardService) platformRanking(ctx context.Context, platform domain.Platform, metric domain.PlatformMetric) ([]domain.LeaderboardEntry, error) {
	key := "platform:" + string(platform) + ":" + string(metric)
	return s.cached(ctx, key, func() ([]domain.LeaderboardEntry, error) {
		users, err := s.store.ListPublicUsers(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing public users: %w", err)
		}
		accounts, err := s.store.ListAccountsByPlatform(ctx, platform)
		if err != nil {
			return nil, fmt.Errorf("listing platform accounts: %w", err)
		}

		public := make(map[string]domain.User, len(users))
		for _, u := range users {
			public[u.ID] = u
		}

		entries := make([]domain.LeaderboardEntry, 0, len(accounts))
		for _, acc := range accounts {
			owner, ok := public[acc.UserID]
			if !ok || !acc.Active {
				continue
			}
			entries = append(entries, domain.LeaderboardEntry{
				UserID:    acc.UserID,
				Username:  owner.Username,
				AccountID: acc.ID,
				Platform:  acc.Platform,
				Value:     metric.Value(acc.Metrics),
				CreatedAt: acc.CreatedAt,
			})
		}
		return rank(entries, func(e domain.LeaderboardEntry) string { return e.AccountID }), nil
	})
}

// cached serves a ranking from the cache when present. Cache failures fall
// back to computing the ranking.
func (s *LeaderboardService) cached(ctx context.Context, key string, compute func() ([]domain.LeaderboardEntry, error)) ([]domain.LeaderboardEntry, error) {
	if s.cache != nil {
		entries, ok, err := s.cache.GetRanking(ctx, key)
		if err != nil {
			s.logger.Warn("failed to read ranking cache", "key", key, "error", err)
		} else if ok {
			return entries, nil
		}
	}

	entries, err := compute()
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetRanking(ctx, key, entries); err != nil {
			s.logger.Warn("failed to write ranking cache", "key", key, "error", err)
		}
	}
	return entries, nil
}

// rank sorts entries by value descending, then creation time ascending, then
// id, and fills in position and percentile.
func rank(entries []domain.LeaderboardEntry, id func(domain.LeaderboardEntry) string) []domain.LeaderboardEntry {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Value != b.Value {
			return a.Value > b.Value
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return id(a) < id(b)
	})
	total := len(entries)
	for i := range entries {
		entries[i].Position = i + 1
		entries[i].Percentile = Percentile(i+1, total)
	}
	return entries
}

// Percentile returns the share of the ranked set at or below position,
// counting the entry itself, rounded to a whole percent. The top of ten is
// 100 and the bottom is 10.
func Percentile(position, total int) int {
	if total <= 0 || position <= 0 || position > total {
		return 0
	}
	return int(math.Round(float64(total-position+1) / float64(total) * 100))
}

func top(ranked []domain.LeaderboardEntry, n int) []domain.LeaderboardEntry {
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]domain.LeaderboardEntry, n)
	copy(out, ranked[:n])
	return out
}

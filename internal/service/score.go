package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/cpstats-sync/internal/domain"
	"github.com/cpstats-sync/internal/stats"
)

// ScoreService keeps UserScore in step with a user's active accounts
type ScoreService struct {
	store  domain.AccountStore
	locks  *xsync.Map[string, *sync.Mutex]
	now    func() time.Time
	logger *slog.Logger
}

// NewScoreService creates a new score service
func NewScoreService(store domain.AccountStore, logger *slog.Logger) *ScoreService {
	return &ScoreService{
		store:  store,
		locks:  xsync.NewMap[string, *sync.Mutex](),
		now:    time.Now,
		logger: logger,
	}
}

func (s *ScoreService) lock(userID string) func() {
	mu, _ := s.locks.LoadOrStore(userID, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// Recompute derives the user's aggregate from their active accounts and
// writes it through to the stored UserScore. Calls for the same user are
// serialized so a slower recompute cannot overwrite a newer one.
func (s *ScoreService) Recompute(ctx context.Context, userID string) (domain.Aggregate, error) {
	unlock := s.lock(userID)
	defer unlock()

	accounts, err := s.store.ListAccountsByUser(ctx, userID)
	if err != nil {
		return domain.Aggregate{}, fmt.Errorf("listing accounts: %w", err)
	}
	agg := stats.Aggregate(accounts)

	if err := s.store.PutUserScore(ctx, agg.Score(userID, s.now().UTC())); err != nil {
		return agg, fmt.Errorf("storing user score: %w", err)
	}

	s.logger.Debug("user score recomputed",
		"user_id", userID,
		"score", agg.CompositeScore,
		"accounts", agg.AccountCount,
	)
	return agg, nil
}

// GetScore returns the stored score of a user
func (s *ScoreService) GetScore(ctx context.Context, userID string) (*domain.UserScore, error) {
	return s.store.GetUserScore(ctx, userID)
}

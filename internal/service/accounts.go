package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cpstats-sync/internal/domain"
)

// Invalidator drops cached rankings after the ranked data changed
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// AccountService links and unlinks platform accounts
type AccountService struct {
	store       domain.Store
	scores      *ScoreService
	invalidator Invalidator
	now         func() time.Time
	logger      *slog.Logger
}

// NewAccountService creates a new account service. invalidator may be nil.
func NewAccountService(store domain.Store, scores *ScoreService, invalidator Invalidator, logger *slog.Logger) *AccountService {
	return &AccountService{
		store:       store,
		scores:      scores,
		invalidator: invalidator,
		now:         time.Now,
		logger:      logger,
	}
}

// LinkAccount creates an active account for the user on the requested
// platform. The request is expected to be validated by the caller.
func (s *AccountService) LinkAccount(ctx context.Context, userID string, req domain.LinkAccountRequest) (*domain.PlatformAccount, error) {
	platform, err := domain.ParsePlatform(req.Platform)
	if err != nil {
		return nil, err
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return nil, domain.ErrInvalidRequest
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	account := &domain.PlatformAccount{
		ID:         uuid.NewString(),
		UserID:     userID,
		Platform:   platform,
		Username:   username,
		Active:     true,
		SyncStatus: domain.SyncStatusNever,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}

	s.logger.Info("platform account linked",
		"user_id", userID,
		"account_id", account.ID,
		"platform", platform,
	)

	if _, err := s.scores.Recompute(ctx, userID); err != nil {
		return account, err
	}
	s.invalidate(ctx)
	return account, nil
}

// UnlinkAccount soft-deletes an account and recomputes its owner's score
func (s *AccountService) UnlinkAccount(ctx context.Context, accountID string) error {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.Active {
		return nil
	}
	if err := s.store.DeactivateAccount(ctx, accountID, s.now().UTC()); err != nil {
		return fmt.Errorf("deactivating account: %w", err)
	}

	s.logger.Info("platform account unlinked",
		"user_id", account.UserID,
		"account_id", accountID,
		"platform", account.Platform,
	)

	if _, err := s.scores.Recompute(ctx, account.UserID); err != nil {
		return err
	}
	s.invalidate(ctx)
	return nil
}

// ListAccounts returns a user's accounts including inactive ones
func (s *AccountService) ListAccounts(ctx context.Context, userID string) ([]*domain.PlatformAccount, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListAccountsByUser(ctx, userID)
}

// GetAccount returns an account by id
func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*domain.PlatformAccount, error) {
	return s.store.GetAccount(ctx, accountID)
}

func (s *AccountService) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx); err != nil {
		s.logger.Warn("failed to invalidate ranking cache", "error", err)
	}
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpstats-sync/internal/domain"
)

// testRepository connects to the database named by CPSTATS_TEST_POSTGRES_DSN
// and runs migrations. Tests are skipped when it is unset.
func testRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("CPSTATS_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CPSTATS_TEST_POSTGRES_DSN not set")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)

	ctx := context.Background()
	repo, err := connect(ctx, poolConfig, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(repo.Close)

	require.NoError(t, repo.RunMigrations(ctx))
	return repo
}

func newAccount(userID string, platform domain.Platform, now time.Time) *domain.PlatformAccount {
	return &domain.PlatformAccount{
		ID:         uuid.NewString(),
		UserID:     userID,
		Platform:   platform,
		Username:   "handle",
		Active:     true,
		SyncStatus: domain.SyncStatusNever,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestRepository_Users(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	id := uuid.NewString()

	_, err := repo.GetUser(ctx, id)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	require.NoError(t, repo.UpsertUser(ctx, domain.User{ID: id, Username: "ada", IsPublic: true}))
	u, err := repo.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "ada", u.Username)
	assert.True(t, u.IsPublic)

	users, err := repo.ListPublicUsers(ctx)
	require.NoError(t, err)
	assert.Contains(t, userIDs(users), id)
}

func userIDs(users []domain.User) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.ID
	}
	return out
}

func TestRepository_OneActiveAccountPerPlatform(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	userID := uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := newAccount(userID, domain.PlatformLeetCode, now)
	require.NoError(t, repo.CreateAccount(ctx, first))

	err := repo.CreateAccount(ctx, newAccount(userID, domain.PlatformLeetCode, now))
	assert.ErrorIs(t, err, domain.ErrAccountExists)

	require.NoError(t, repo.DeactivateAccount(ctx, first.ID, now))
	require.NoError(t, repo.CreateAccount(ctx, newAccount(userID, domain.PlatformLeetCode, now)))

	all, err := repo.ListAccountsByUser(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	assert.ErrorIs(t, repo.DeactivateAccount(ctx, uuid.NewString(), now), domain.ErrAccountNotFound)
}

func TestRepository_SaveAccount(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	acc := newAccount(uuid.NewString(), domain.PlatformCodeforces, now)
	require.NoError(t, repo.CreateAccount(ctx, acc))

	acc.Metrics.TotalProblemsSolved = 120
	acc.Metrics.Languages = map[string]int{"cpp": 100}
	acc.SyncStatus = domain.SyncStatusError
	acc.LastError = &domain.SyncError{Message: "rate limited", Timestamp: now}
	acc.LastSyncedAt = &now
	require.NoError(t, repo.SaveAccount(ctx, acc))

	got, err := repo.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, got.Metrics.TotalProblemsSolved)
	assert.Equal(t, map[string]int{"cpp": 100}, got.Metrics.Languages)
	assert.Equal(t, domain.SyncStatusError, got.SyncStatus)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "rate limited", got.LastError.Message)
	assert.True(t, now.Equal(*got.LastSyncedAt))

	missing := newAccount("nobody", domain.PlatformAtCoder, now)
	assert.ErrorIs(t, repo.SaveAccount(ctx, missing), domain.ErrAccountNotFound)

	// a save racing an unlink must not reactivate the account
	require.NoError(t, repo.DeactivateAccount(ctx, acc.ID, now))
	acc.Metrics.TotalProblemsSolved = 130
	assert.ErrorIs(t, repo.SaveAccount(ctx, acc), domain.ErrAccountNotFound)
	got, err = repo.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, 120, got.Metrics.TotalProblemsSolved)

	_, err = repo.GetAccount(ctx, missing.ID)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestRepository_ListStaleAccounts(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	userID := uuid.NewString()

	never := newAccount(userID, domain.PlatformLeetCode, now)
	fresh := newAccount(userID, domain.PlatformCodeChef, now)
	fresh.SyncStatus = domain.SyncStatusSuccess
	fresh.LastSyncedAt = &now
	old := now.Add(-48 * time.Hour)
	stale := newAccount(userID, domain.PlatformAtCoder, now)
	stale.SyncStatus = domain.SyncStatusSuccess
	stale.LastSyncedAt = &old
	for _, a := range []*domain.PlatformAccount{never, fresh, stale} {
		require.NoError(t, repo.CreateAccount(ctx, a))
	}

	accounts, err := repo.ListStaleAccounts(ctx, now.Add(-6*time.Hour))
	require.NoError(t, err)

	var ids []string
	for _, a := range accounts {
		if a.UserID == userID {
			ids = append(ids, a.ID)
		}
	}
	assert.ElementsMatch(t, []string{never.ID, stale.ID}, ids)
}

func TestRepository_UserScore(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	userID := uuid.NewString()

	_, err := repo.GetUserScore(ctx, userID)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	score := &domain.UserScore{UserID: userID, CompositeScore: 2625, TotalProblems: 150, AvgRating: 1750, MaxStreak: 20, AccountCount: 2, UpdatedAt: time.Now().UTC()}
	require.NoError(t, repo.PutUserScore(ctx, score))
	score.CompositeScore = 3000
	require.NoError(t, repo.PutUserScore(ctx, score))

	got, err := repo.GetUserScore(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), got.CompositeScore)
	assert.Equal(t, 2, got.AccountCount)
}

func TestRepository_Snapshots(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()
	userID := uuid.NewString()
	base := time.Date(2001, 3, 10, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		day := base.AddDate(0, 0, i)
		require.NoError(t, repo.UpsertSnapshot(ctx, &domain.StatsSnapshot{
			UserID:    userID,
			Scope:     domain.ScopeOverall,
			Day:       day.Add(15 * time.Hour),
			Metrics:   domain.SnapshotMetrics{ProblemsSolved: 10 * (i + 1)},
			CreatedAt: day,
			UpdatedAt: day,
		}))
	}
	// same-day overwrite
	require.NoError(t, repo.UpsertSnapshot(ctx, &domain.StatsSnapshot{
		UserID:    userID,
		Scope:     domain.ScopeOverall,
		Day:       base,
		Metrics:   domain.SnapshotMetrics{ProblemsSolved: 5},
		CreatedAt: base.Add(time.Hour),
		UpdatedAt: base.Add(time.Hour),
	}))

	list, err := repo.ListSnapshots(ctx, userID, domain.ScopeOverall, base, base.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, 5, list[0].Metrics.ProblemsSolved)
	assert.True(t, base.Equal(list[0].CreatedAt))
	assert.Equal(t, 30, list[2].Metrics.ProblemsSolved)

	latest, err := repo.LatestSnapshot(ctx, userID, domain.ScopeOverall, base.AddDate(0, 0, 1).Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 20, latest.Metrics.ProblemsSolved)

	_, err = repo.LatestSnapshot(ctx, userID, domain.ScopeOverall, base.AddDate(0, 0, -1))
	assert.ErrorIs(t, err, domain.ErrSnapshotNotFound)

	n, err := repo.PurgeSnapshots(ctx, base.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	list, err = repo.ListSnapshots(ctx, userID, domain.ScopeOverall, base, base.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestWrap_MarksUnavailable(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrap("doing thing", fmt.Errorf("inner: %w", tt.err))
			assert.Equal(t, tt.unavailable, errors.Is(err, domain.ErrStoreUnavailable))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

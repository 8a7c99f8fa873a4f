package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpstats-sync/internal/config"
	"github.com/cpstats-sync/internal/domain"
	"github.com/cpstats-sync/internal/history"
	"github.com/cpstats-sync/internal/memstore"
	"github.com/cpstats-sync/internal/service"
)

var now = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

// previousSync is older than the default staleness threshold
var previousSync = now.Add(-24 * time.Hour)

type harness struct {
	mem    *memstore.Store
	scores *service.ScoreService
	worker *SyncWorker
	sleeps atomic.Int32
}

func newHarness(t *testing.T, fetcher domain.Fetcher, batchSize int, opts ...Option) *harness {
	t.Helper()
	mem := memstore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{mem: mem}
	h.scores = service.NewScoreService(mem, logger)
	recorder := history.NewRecorder(mem, 365, logger)

	opts = append([]Option{
		WithClock(func() time.Time { return now }),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.sleeps.Add(1)
			return ctx.Err()
		}),
	}, opts...)

	h.worker = NewSyncWorker(mem, fetcher, h.scores, recorder,
		&config.SyncConfig{
			StaleAfter:   6 * time.Hour,
			BatchSize:    batchSize,
			BatchDelay:   2 * time.Second,
			FetchTimeout: time.Second,
			Schedule:     "@every 30m",
		},
		&config.HistoryConfig{RetentionDays: 365, PurgeSchedule: "@daily"},
		logger, opts...)
	return h
}

// addAccounts creates n stale accounts owned by users u0..u(n-1) and returns them
func (h *harness) addAccounts(t *testing.T, n int) []*domain.PlatformAccount {
	t.Helper()
	ctx := context.Background()
	out := make([]*domain.PlatformAccount, 0, n)
	for i := 0; i < n; i++ {
		synced := previousSync
		acc := &domain.PlatformAccount{
			ID:           fmt.Sprintf("acc-%02d", i),
			UserID:       fmt.Sprintf("u%02d", i),
			Platform:     domain.PlatformLeetCode,
			Username:     fmt.Sprintf("handle-%02d", i),
			Active:       true,
			Metrics:      domain.Metrics{TotalProblemsSolved: 10},
			LastSyncedAt: &synced,
			SyncStatus:   domain.SyncStatusSuccess,
			CreatedAt:    previousSync.Add(time.Duration(i) * time.Second),
		}
		h.mem.PutUser(domain.User{ID: acc.UserID, IsPublic: true})
		require.NoError(t, h.mem.CreateAccount(ctx, acc))
		out = append(out, acc)
	}
	return out
}

// solvedFetcher reports 50 solved problems except for usernames in fail
func solvedFetcher(calls *atomic.Int32, fail map[string]error) domain.Fetcher {
	return domain.FetcherFunc(func(ctx context.Context, p domain.Platform, username string) (*domain.RawMetrics, error) {
		if calls != nil {
			calls.Add(1)
		}
		if err, ok := fail[username]; ok {
			return nil, err
		}
		return &domain.RawMetrics{
			TotalProblemsSolved: domain.Int(50),
			ContestRating:       domain.Int(1500),
		}, nil
	})
}

func TestRunSyncCycle_RateLimitedAccounts(t *testing.T) {
	ctx := context.Background()
	fail := map[string]error{
		"handle-03": fmt.Errorf("leetcode: %w", domain.ErrRateLimited),
		"handle-17": fmt.Errorf("leetcode: %w", domain.ErrRateLimited),
	}
	h := newHarness(t, solvedFetcher(nil, fail), 10)
	h.addAccounts(t, 25)

	summary, err := h.worker.RunSyncCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, 25, summary.Total)
	assert.Equal(t, 23, summary.Success)
	assert.Equal(t, 2, summary.Error)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, now, summary.StartedAt)
	assert.Equal(t, int32(2), h.sleeps.Load())

	for _, id := range []string{"acc-03", "acc-17"} {
		acc, err := h.mem.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.SyncStatusError, acc.SyncStatus)
		require.NotNil(t, acc.LastSyncedAt)
		assert.Equal(t, previousSync, *acc.LastSyncedAt)
		require.NotNil(t, acc.LastError)
		assert.Contains(t, acc.LastError.Message, "rate limited")
		assert.Equal(t, 10, acc.Metrics.TotalProblemsSolved)
	}

	ok, err := h.mem.GetAccount(ctx, "acc-04")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSuccess, ok.SyncStatus)
	assert.Equal(t, now, *ok.LastSyncedAt)
	assert.Equal(t, 50, ok.Metrics.TotalProblemsSolved)
	assert.Nil(t, ok.LastError)
}

func TestRunSyncCycle_DelayCount(t *testing.T) {
	tests := []struct {
		accounts  int
		batchSize int
		want      int32
	}{
		{0, 10, 0},
		{1, 10, 0},
		{10, 10, 0},
		{11, 10, 1},
		{25, 10, 2},
		{30, 10, 2},
		{7, 3, 2},
		{5, 1, 4},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("k=%d,b=%d", tt.accounts, tt.batchSize), func(t *testing.T) {
			var calls atomic.Int32
			h := newHarness(t, solvedFetcher(&calls, nil), tt.batchSize)
			h.addAccounts(t, tt.accounts)

			summary, err := h.worker.RunSyncCycle(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.sleeps.Load())
			assert.Equal(t, tt.accounts, summary.Success)
			assert.Equal(t, int32(tt.accounts), calls.Load())
		})
	}
}

func TestRunSyncCycle_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	fail := map[string]error{"handle-02": fmt.Errorf("boom: %w", domain.ErrTransient)}
	h := newHarness(t, solvedFetcher(nil, fail), 5)
	h.addAccounts(t, 5)

	summary, err := h.worker.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Success)
	assert.Equal(t, 1, summary.Error)

	for i := 0; i < 5; i++ {
		acc, err := h.mem.GetAccount(ctx, fmt.Sprintf("acc-%02d", i))
		require.NoError(t, err)
		if i == 2 {
			assert.Equal(t, domain.SyncStatusError, acc.SyncStatus)
			assert.Equal(t, previousSync, *acc.LastSyncedAt)
			continue
		}
		assert.Equal(t, domain.SyncStatusSuccess, acc.SyncStatus)
		assert.Equal(t, now, *acc.LastSyncedAt)
		assert.Equal(t, 50, acc.Metrics.TotalProblemsSolved)
	}
}

func TestRunSyncCycle_MalformedPayloadKeepsMetrics(t *testing.T) {
	ctx := context.Background()
	fetcher := domain.FetcherFunc(func(ctx context.Context, p domain.Platform, u string) (*domain.RawMetrics, error) {
		return &domain.RawMetrics{TotalProblemsSolved: domain.Int(-4)}, nil
	})
	h := newHarness(t, fetcher, 10)
	h.addAccounts(t, 1)

	summary, err := h.worker.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Error)

	acc, err := h.mem.GetAccount(ctx, "acc-00")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusError, acc.SyncStatus)
	assert.Equal(t, 10, acc.Metrics.TotalProblemsSolved)
}

func TestRunSyncCycle_UpdatesScoresAndHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, solvedFetcher(nil, nil), 10)
	h.addAccounts(t, 3)

	_, err := h.worker.RunSyncCycle(ctx)
	require.NoError(t, err)

	score, err := h.scores.GetScore(ctx, "u01")
	require.NoError(t, err)
	// 50*10 + 1500*0.5 + 1*50
	assert.Equal(t, int64(1300), score.CompositeScore)

	snap, err := h.mem.LatestSnapshot(ctx, "u01", string(domain.PlatformLeetCode), now)
	require.NoError(t, err)
	assert.Equal(t, 50, snap.Metrics.ProblemsSolved)

	overall, err := h.mem.LatestSnapshot(ctx, "u01", domain.ScopeOverall, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1300), overall.Metrics.CompositeScore)
}

func TestRunSyncCycle_SkipsFreshAccounts(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	h := newHarness(t, solvedFetcher(&calls, nil), 10)
	h.addAccounts(t, 2)

	_, err := h.worker.RunSyncCycle(ctx)
	require.NoError(t, err)

	summary, err := h.worker.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
	assert.Equal(t, int32(2), calls.Load())
}

// unavailableStore fails account saves for chosen users
type unavailableStore struct {
	*memstore.Store
	users map[string]bool
}

func (s *unavailableStore) SaveAccount(ctx context.Context, account *domain.PlatformAccount) error {
	if s.users[account.UserID] {
		return fmt.Errorf("saving account: %w", domain.ErrStoreUnavailable)
	}
	return s.Store.SaveAccount(ctx, account)
}

func TestRunSyncCycle_StoreUnavailableAborts(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int32
	h := newHarness(t, solvedFetcher(&calls, nil), 10)
	h.addAccounts(t, 25)

	store := &unavailableStore{Store: h.mem, users: map[string]bool{"u04": true}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewSyncWorker(store, solvedFetcher(&calls, nil), service.NewScoreService(store, logger),
		history.NewRecorder(store, 365, logger), h.worker.config, h.worker.historyCfg, logger,
		WithClock(func() time.Time { return now }),
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	)

	summary, err := w.RunSyncCycle(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 25, summary.Total)
	assert.Equal(t, 9, summary.Success)
	assert.Equal(t, 1, summary.Error)
	// only the first batch ran
	assert.Equal(t, int32(10), calls.Load())
}

func TestRunSyncCycle_CancelledBetweenBatches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	fetcher := domain.FetcherFunc(func(c context.Context, p domain.Platform, u string) (*domain.RawMetrics, error) {
		if calls.Add(1) == 3 {
			cancel()
		}
		return &domain.RawMetrics{}, nil
	})
	h := newHarness(t, fetcher, 3)
	h.addAccounts(t, 9)

	summary, err := h.worker.RunSyncCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, summary.Success+summary.Error)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRunSyncCycle_RejectsOverlap(t *testing.T) {
	ctx := context.Background()
	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	fetcher := domain.FetcherFunc(func(c context.Context, p domain.Platform, u string) (*domain.RawMetrics, error) {
		once.Do(func() { close(started) })
		<-unblock
		return &domain.RawMetrics{}, nil
	})
	h := newHarness(t, fetcher, 10)
	h.addAccounts(t, 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.worker.RunSyncCycle(ctx)
		done <- err
	}()
	<-started

	_, err := h.worker.RunSyncCycle(ctx)
	assert.ErrorIs(t, err, domain.ErrCycleInProgress)

	close(unblock)
	require.NoError(t, <-done)
}

type fakeCoordinator struct {
	cycleHeld bool
	leased    map[string]bool
	released  atomic.Int32
}

func (c *fakeCoordinator) AcquireCycle(ctx context.Context) (func(context.Context), bool, error) {
	if c.cycleHeld {
		return nil, false, nil
	}
	return func(context.Context) { c.released.Add(1) }, true, nil
}

func (c *fakeCoordinator) AcquireLease(ctx context.Context, accountID string) (func(context.Context), bool, error) {
	if c.leased[accountID] {
		return nil, false, nil
	}
	return func(context.Context) { c.released.Add(1) }, true, nil
}

func TestRunSyncCycle_Coordinator(t *testing.T) {
	ctx := context.Background()
	coord := &fakeCoordinator{leased: map[string]bool{"acc-01": true}}
	h := newHarness(t, solvedFetcher(nil, nil), 10, WithCoordinator(coord))
	h.addAccounts(t, 3)

	summary, err := h.worker.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Success)
	assert.Equal(t, 1, summary.Skipped)
	// cycle lock plus two leases
	assert.Equal(t, int32(3), coord.released.Load())

	leased, err := h.mem.GetAccount(ctx, "acc-01")
	require.NoError(t, err)
	assert.Equal(t, previousSync, *leased.LastSyncedAt)

	coord.cycleHeld = true
	_, err = h.worker.RunSyncCycle(ctx)
	assert.ErrorIs(t, err, domain.ErrCycleInProgress)
}

type countingInvalidator struct{ calls atomic.Int32 }

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.calls.Add(1)
	return nil
}

func TestSyncAccount(t *testing.T) {
	ctx := context.Background()
	inv := &countingInvalidator{}
	h := newHarness(t, solvedFetcher(nil, nil), 10, WithInvalidator(inv))
	accounts := h.addAccounts(t, 2)

	updated, err := h.worker.SyncAccount(ctx, accounts[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusSuccess, updated.SyncStatus)
	assert.Equal(t, 50, updated.Metrics.TotalProblemsSolved)
	assert.Equal(t, int32(1), inv.calls.Load())

	_, err = h.worker.SyncAccount(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	require.NoError(t, h.mem.DeactivateAccount(ctx, accounts[1].ID, now))
	_, err = h.worker.SyncAccount(ctx, accounts[1].ID)
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestSyncAccount_FetchFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	fail := map[string]error{"handle-00": fmt.Errorf("gone: %w", domain.ErrNotFound)}
	h := newHarness(t, solvedFetcher(nil, fail), 10)
	h.addAccounts(t, 1)

	updated, err := h.worker.SyncAccount(ctx, "acc-00")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncStatusError, updated.SyncStatus)
	require.NotNil(t, updated.LastError)
	assert.Equal(t, now, updated.LastError.Timestamp)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t, solvedFetcher(nil, nil), 10)
	h.worker.config.Enabled = true

	require.NoError(t, h.worker.Start(context.Background()))
	assert.True(t, h.worker.IsRunning())
	require.NoError(t, h.worker.Start(context.Background()))

	require.NoError(t, h.worker.Stop())
	assert.False(t, h.worker.IsRunning())
	require.NoError(t, h.worker.Stop())
}

func TestStart_InvalidSchedule(t *testing.T) {
	h := newHarness(t, solvedFetcher(nil, nil), 10)
	h.worker.config.Enabled = true
	h.worker.config.Schedule = "every now and then"

	assert.Error(t, h.worker.Start(context.Background()))
	assert.False(t, h.worker.IsRunning())
}

// unlinkingFetcher deactivates acc-00 through the account service while its
// fetch is in flight
func unlinkingFetcher(t *testing.T, accounts **service.AccountService) domain.Fetcher {
	return domain.FetcherFunc(func(ctx context.Context, p domain.Platform, username string) (*domain.RawMetrics, error) {
		if username == "handle-00" {
			assert.NoError(t, (*accounts).UnlinkAccount(ctx, "acc-00"))
		}
		return &domain.RawMetrics{TotalProblemsSolved: domain.Int(50)}, nil
	})
}

func TestRunSyncCycle_UnlinkDuringFetch(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"local", nil},
		{"coordinated", []Option{WithCoordinator(&fakeCoordinator{})}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			var accounts *service.AccountService
			h := newHarness(t, unlinkingFetcher(t, &accounts), 10, tt.opts...)
			h.addAccounts(t, 2)
			accounts = service.NewAccountService(h.mem, h.scores, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

			summary, err := h.worker.RunSyncCycle(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, summary.Total)
			assert.Equal(t, 1, summary.Success)
			assert.Equal(t, 1, summary.Skipped)

			unlinked, err := h.mem.GetAccount(ctx, "acc-00")
			require.NoError(t, err)
			assert.False(t, unlinked.Active)
			assert.Equal(t, 10, unlinked.Metrics.TotalProblemsSolved)

			score, err := h.scores.GetScore(ctx, "u00")
			require.NoError(t, err)
			assert.Equal(t, 0, score.AccountCount)

			// the user may relink the platform and ends up with one active account
			_, err = accounts.LinkAccount(ctx, "u00", domain.LinkAccountRequest{Platform: "leetcode", Username: "new-handle"})
			require.NoError(t, err)
			owned, err := h.mem.ListAccountsByUser(ctx, "u00")
			require.NoError(t, err)
			active := 0
			for _, a := range owned {
				if a.Active {
					active++
				}
			}
			assert.Equal(t, 1, active)
		})
	}
}

func TestSyncAccount_UnlinkDuringFetch(t *testing.T) {
	ctx := context.Background()
	var accounts *service.AccountService
	h := newHarness(t, unlinkingFetcher(t, &accounts), 10)
	h.addAccounts(t, 1)
	accounts = service.NewAccountService(h.mem, h.scores, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := h.worker.SyncAccount(ctx, "acc-00")
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	got, err := h.mem.GetAccount(ctx, "acc-00")
	require.NoError(t, err)
	assert.False(t, got.Active)
}

// failingListStore cannot list a user's accounts, so score recompute fails
type failingListStore struct {
	*memstore.Store
}

func (s *failingListStore) ListAccountsByUser(ctx context.Context, userID string) ([]*domain.PlatformAccount, error) {
	return nil, fmt.Errorf("connection reset")
}

func TestRunSyncCycle_RecomputeFailureKeepsOverallHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, solvedFetcher(nil, nil), 10)
	h.addAccounts(t, 1)

	yesterday := domain.Day(now.AddDate(0, 0, -1))
	require.NoError(t, h.mem.UpsertSnapshot(ctx, &domain.StatsSnapshot{
		UserID:  "u00",
		Scope:   domain.ScopeOverall,
		Day:     yesterday,
		Metrics: domain.SnapshotMetrics{ProblemsSolved: 500, CompositeScore: 6000},
	}))

	store := &failingListStore{Store: h.mem}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewSyncWorker(store, solvedFetcher(nil, nil), service.NewScoreService(store, logger),
		history.NewRecorder(store, 365, logger), h.worker.config, h.worker.historyCfg, logger,
		WithClock(func() time.Time { return now }),
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	)

	summary, err := w.RunSyncCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Success)

	overall, err := h.mem.LatestSnapshot(ctx, "u00", domain.ScopeOverall, now)
	require.NoError(t, err)
	assert.True(t, yesterday.Equal(overall.Day))
	assert.Equal(t, 500, overall.Metrics.ProblemsSolved)

	platform, err := h.mem.LatestSnapshot(ctx, "u00", string(domain.PlatformLeetCode), now)
	require.NoError(t, err)
	assert.True(t, domain.Day(now).Equal(platform.Day))
	assert.Equal(t, 50, platform.Metrics.ProblemsSolved)
}

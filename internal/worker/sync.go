package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/robfig/cron/v3"

	"github.com/cpstats-sync/internal/config"
	"github.com/cpstats-sync/internal/domain"
	"github.com/cpstats-sync/internal/history"
	"github.com/cpstats-sync/internal/metrics"
	"github.com/cpstats-sync/internal/service"
	"github.com/cpstats-sync/internal/stats"
)

// Coordinator serializes work across instances. Release functions are safe
// to call after the lock expired.
type Coordinator interface {
	AcquireCycle(ctx context.Context) (release func(context.Context), ok bool, err error)
	AcquireLease(ctx context.Context, accountID string) (release func(context.Context), ok bool, err error)
}

// Option customizes a SyncWorker
type Option func(*SyncWorker)

// WithCoordinator makes cycles and account syncs take cluster-wide locks
func WithCoordinator(c Coordinator) Option {
	return func(w *SyncWorker) { w.coordinator = c }
}

// WithInvalidator drops cached rankings after accounts were synced
func WithInvalidator(i service.Invalidator) Option {
	return func(w *SyncWorker) { w.invalidator = i }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(w *SyncWorker) { w.now = now }
}

// WithSleep replaces the pause between batches
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *SyncWorker) { w.sleep = sleep }
}

// SyncWorker pulls fresh metrics for stale accounts in paced batches and
// propagates them to scores and history.
type SyncWorker struct {
	store       domain.Store
	fetcher     domain.Fetcher
	scores      *service.ScoreService
	history     *history.Recorder
	coordinator Coordinator
	invalidator service.Invalidator
	config      *config.SyncConfig
	historyCfg  *config.HistoryConfig
	logger      *slog.Logger

	pool    pond.Pool
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	cycleMu sync.Mutex

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	store domain.Store,
	fetcher domain.Fetcher,
	scores *service.ScoreService,
	recorder *history.Recorder,
	cfg *config.SyncConfig,
	historyCfg *config.HistoryConfig,
	logger *slog.Logger,
	opts ...Option,
) *SyncWorker {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	w := &SyncWorker{
		store:      store,
		fetcher:    fetcher,
		scores:     scores,
		history:    recorder,
		config:     cfg,
		historyCfg: historyCfg,
		logger:     logger,
		pool:       pond.NewPool(batchSize, pond.WithQueueSize(batchSize)),
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeError
	outcomeSkipped
	// outcomeUnlinked marks an account deactivated while its sync was in flight
	outcomeUnlinked
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeError:
		return "error"
	case outcomeUnlinked:
		return "unlinked"
	default:
		return "skipped"
	}
}

// RunSyncCycle syncs every stale account once. Failures of single accounts
// are recorded on the account and never end the cycle; only storage
// unavailability or cancellation does, in which case the partial summary is
// returned with the error.
func (w *SyncWorker) RunSyncCycle(ctx context.Context) (domain.CycleSummary, error) {
	if !w.cycleMu.TryLock() {
		metrics.SyncCycles.WithLabelValues("busy").Inc()
		return domain.CycleSummary{}, domain.ErrCycleInProgress
	}
	defer w.cycleMu.Unlock()

	if w.coordinator != nil {
		release, ok, err := w.coordinator.AcquireCycle(ctx)
		if err != nil {
			metrics.SyncCycles.WithLabelValues("aborted").Inc()
			return domain.CycleSummary{}, fmt.Errorf("acquiring cycle lock: %w", err)
		}
		if !ok {
			metrics.SyncCycles.WithLabelValues("busy").Inc()
			return domain.CycleSummary{}, domain.ErrCycleInProgress
		}
		defer release(context.WithoutCancel(ctx))
	}

	start := w.now()
	summary := domain.CycleSummary{StartedAt: start}

	summary, err := w.runBatches(ctx, summary)
	summary.Duration = w.now().Sub(start)
	metrics.SyncCycleDuration.Observe(summary.Duration.Seconds())

	if summary.Success > 0 {
		w.invalidate(ctx)
	}

	if err != nil {
		metrics.SyncCycles.WithLabelValues("aborted").Inc()
		w.logger.Error("sync cycle aborted",
			"duration", summary.Duration,
			"total", summary.Total,
			"success", summary.Success,
			"errors", summary.Error,
			"skipped", summary.Skipped,
			"error", err,
		)
		return summary, err
	}

	metrics.SyncCycles.WithLabelValues("completed").Inc()
	w.logger.Info("sync cycle completed",
		"duration", summary.Duration,
		"total", summary.Total,
		"success", summary.Success,
		"errors", summary.Error,
		"skipped", summary.Skipped,
	)
	return summary, nil
}

func (w *SyncWorker) runBatches(ctx context.Context, summary domain.CycleSummary) (domain.CycleSummary, error) {
	cutoff := summary.StartedAt.Add(-w.config.StaleAfter)
	accounts, err := w.store.ListStaleAccounts(ctx, cutoff)
	if err != nil {
		return summary, fmt.Errorf("listing stale accounts: %w", err)
	}
	summary.Total = len(accounts)
	w.logger.Info("starting sync cycle", "accounts", len(accounts), "cutoff", cutoff)

	size := w.config.BatchSize
	if size <= 0 {
		size = 1
	}

	for lo := 0; lo < len(accounts); lo += size {
		if lo > 0 {
			if err := w.sleep(ctx, w.config.BatchDelay); err != nil {
				return summary, err
			}
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		hi := min(lo+size, len(accounts))
		batch := accounts[lo:hi]
		outcomes := make([]outcome, len(batch))
		errs := make([]error, len(batch))

		group := w.pool.NewGroup()
		for i, account := range batch {
			group.Submit(func() {
				outcomes[i], _, errs[i] = w.syncOne(ctx, account)
			})
		}
		if err := group.Wait(); err != nil && !errors.Is(err, pond.ErrGroupStopped) {
			return summary, fmt.Errorf("running batch: %w", err)
		}

		var abort error
		for i, o := range outcomes {
			switch o {
			case outcomeSuccess:
				summary.Success++
			case outcomeError:
				summary.Error++
			case outcomeSkipped, outcomeUnlinked:
				summary.Skipped++
			}
			if errs[i] != nil && abort == nil {
				abort = errs[i]
			}
		}
		if abort != nil {
			return summary, abort
		}
	}
	return summary, nil
}

// SyncAccount runs the sync pipeline for one account immediately and returns
// the updated account. A fetch or merge failure is recorded on the account
// and is not returned as an error.
func (w *SyncWorker) SyncAccount(ctx context.Context, accountID string) (*domain.PlatformAccount, error) {
	account, err := w.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.Active {
		return nil, domain.ErrAccountNotFound
	}

	o, updated, err := w.syncOne(ctx, account)
	if err != nil {
		return nil, err
	}
	switch o {
	case outcomeSkipped:
		return nil, domain.ErrAccountLeased
	case outcomeUnlinked:
		return nil, domain.ErrAccountNotFound
	case outcomeSuccess:
		w.invalidate(ctx)
	}
	return updated, nil
}

// syncOne fetches, merges and stores one account and refreshes the owner's
// score and history. The returned error is non-nil only when storage is
// unavailable.
func (w *SyncWorker) syncOne(ctx context.Context, account *domain.PlatformAccount) (outcome, *domain.PlatformAccount, error) {
	log := w.logger.With(
		"account_id", account.ID,
		"user_id", account.UserID,
		"platform", account.Platform,
	)

	if w.coordinator != nil {
		release, ok, err := w.coordinator.AcquireLease(ctx, account.ID)
		if err != nil {
			log.Warn("failed to acquire account lease", "error", err)
			return w.count(account, outcomeSkipped), nil, nil
		}
		if !ok {
			log.Debug("account leased by another worker")
			return w.count(account, outcomeSkipped), nil, nil
		}
		defer release(context.WithoutCancel(ctx))

		// reload under the lease; the listed copy may be stale
		current, err := w.store.GetAccount(ctx, account.ID)
		if err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				return outcomeError, nil, err
			}
			log.Warn("failed to reload account", "error", err)
			return w.count(account, outcomeError), nil, nil
		}
		if !current.Active {
			return w.count(account, outcomeSkipped), nil, nil
		}
		account = current
	}

	started := time.Now()
	raw, err := w.fetcher.Fetch(ctx, account.Platform, account.Username)
	metrics.FetchDuration.WithLabelValues(string(account.Platform)).Observe(time.Since(started).Seconds())

	var merged domain.Metrics
	if err == nil {
		merged, err = stats.Merge(account.Metrics, raw, stats.MergeOptions{
			RegressionGuard:     w.config.RegressionGuard,
			RegressionTolerance: w.config.RegressionTolerance,
		})
	}

	now := w.now().UTC()
	if err != nil {
		log.Warn("account sync failed", "kind", domain.FetchErrorKind(err), "error", err)
		stats.ApplyFailure(account, err, now)
		if saveErr := w.store.SaveAccount(ctx, account); saveErr != nil {
			return w.saveFailed(log, account, saveErr)
		}
		return w.count(account, outcomeError), account, nil
	}

	stats.ApplySuccess(account, merged, now)
	if err := w.store.SaveAccount(ctx, account); err != nil {
		return w.saveFailed(log, account, err)
	}

	// The account itself is synced from here on. Derived writes that fail
	// are logged and repaired by the next successful sync of the user.
	agg, recomputeErr := w.scores.Recompute(ctx, account.UserID)
	if recomputeErr != nil {
		if errors.Is(recomputeErr, domain.ErrStoreUnavailable) {
			return w.count(account, outcomeSuccess), account, recomputeErr
		}
		log.Error("failed to recompute user score", "error", recomputeErr)
	}
	if err := w.history.RecordAccount(ctx, account, now); err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return w.count(account, outcomeSuccess), account, err
		}
		log.Error("failed to record account snapshot", "error", err)
	}
	// without a fresh aggregate the overall snapshot would be all zeros
	if recomputeErr == nil {
		if err := w.history.RecordOverall(ctx, account.UserID, agg, now); err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				return w.count(account, outcomeSuccess), account, err
			}
			log.Error("failed to record overall snapshot", "error", err)
		}
	}

	log.Debug("account synced", "total_solved", account.Metrics.TotalProblemsSolved)
	return w.count(account, outcomeSuccess), account, nil
}

func (w *SyncWorker) saveFailed(log *slog.Logger, account *domain.PlatformAccount, err error) (outcome, *domain.PlatformAccount, error) {
	if errors.Is(err, domain.ErrAccountNotFound) {
		log.Info("account unlinked during sync, dropping result")
		return w.count(account, outcomeUnlinked), nil, nil
	}
	log.Error("failed to save account", "error", err)
	w.count(account, outcomeError)
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return outcomeError, nil, err
	}
	return outcomeError, nil, nil
}

func (w *SyncWorker) count(account *domain.PlatformAccount, o outcome) outcome {
	metrics.SyncAccounts.WithLabelValues(string(account.Platform), o.String()).Inc()
	return o
}

func (w *SyncWorker) invalidate(ctx context.Context) {
	if w.invalidator == nil {
		return
	}
	if err := w.invalidator.Invalidate(context.WithoutCancel(ctx)); err != nil {
		w.logger.Warn("failed to invalidate ranking cache", "error", err)
	}
}

// sleepContext waits for d or until ctx is done
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

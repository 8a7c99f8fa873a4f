// Package history records daily stats snapshots and answers growth queries
// over them.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cpstats-sync/internal/domain"
)

// DefaultSeriesDays is the chart range used when none is requested
const DefaultSeriesDays = 30

// Recorder writes one snapshot per (user, scope, day)
type Recorder struct {
	store         domain.SnapshotStore
	retentionDays int
	logger        *slog.Logger
}

// NewRecorder creates a new history recorder
func NewRecorder(store domain.SnapshotStore, retentionDays int, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:         store,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// RecordAccount upserts today's snapshot for the account's platform scope
func (r *Recorder) RecordAccount(ctx context.Context, account *domain.PlatformAccount, now time.Time) error {
	m := account.Metrics
	return r.record(ctx, account.UserID, string(account.Platform), domain.SnapshotMetrics{
		ProblemsSolved:       m.TotalProblemsSolved,
		Rating:               m.ContestRating,
		ContestsParticipated: m.ContestsParticipated,
		EasySolved:           m.EasySolved,
		MediumSolved:         m.MediumSolved,
		HardSolved:           m.HardSolved,
	}, now)
}

// RecordOverall upserts today's snapshot for the user's overall scope
func (r *Recorder) RecordOverall(ctx context.Context, userID string, agg domain.Aggregate, now time.Time) error {
	return r.record(ctx, userID, domain.ScopeOverall, domain.SnapshotMetrics{
		ProblemsSolved:       agg.TotalProblems,
		Rating:               int(math.Round(agg.AvgRating)),
		ContestsParticipated: agg.TotalContests,
		CompositeScore:       agg.CompositeScore,
	}, now)
}

func (r *Recorder) record(ctx context.Context, userID, scope string, metrics domain.SnapshotMetrics, now time.Time) error {
	day := domain.Day(now)

	var deltas domain.SnapshotDeltas
	prev, err := r.store.LatestSnapshot(ctx, userID, scope, day.AddDate(0, 0, -1))
	switch {
	case err == nil:
		deltas = domain.SnapshotDeltas{
			ProblemsSolved:       metrics.ProblemsSolved - prev.Metrics.ProblemsSolved,
			Rating:               metrics.Rating - prev.Metrics.Rating,
			ContestsParticipated: metrics.ContestsParticipated - prev.Metrics.ContestsParticipated,
		}
	case errors.Is(err, domain.ErrSnapshotNotFound):
	default:
		return fmt.Errorf("loading previous snapshot: %w", err)
	}

	snapshot := &domain.StatsSnapshot{
		UserID:    userID,
		Scope:     scope,
		Day:       day,
		Metrics:   metrics,
		Deltas:    deltas,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.UpsertSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("upserting snapshot: %w", err)
	}
	return nil
}

// Growth returns the change of metric over window, measured from the most
// recent snapshot at or before now-window to the latest snapshot. Without a
// baseline the growth is zero and Available is false.
func (r *Recorder) Growth(ctx context.Context, userID, scope string, window domain.GrowthWindow, metric domain.GrowthMetric, now time.Time) (domain.Growth, error) {
	growth := domain.Growth{Scope: scope, Window: window, Metric: metric}

	latest, err := r.store.LatestSnapshot(ctx, userID, scope, now)
	if errors.Is(err, domain.ErrSnapshotNotFound) {
		return growth, nil
	}
	if err != nil {
		return growth, fmt.Errorf("loading latest snapshot: %w", err)
	}

	baseline, err := r.store.LatestSnapshot(ctx, userID, scope, now.Add(-window.Duration()))
	if errors.Is(err, domain.ErrSnapshotNotFound) {
		return growth, nil
	}
	if err != nil {
		return growth, fmt.Errorf("loading baseline snapshot: %w", err)
	}

	growth.Value = metric.Value(latest.Metrics) - metric.Value(baseline.Metrics)
	growth.Available = true
	return growth, nil
}

// Series returns the last days of snapshots for a scope, oldest first
func (r *Recorder) Series(ctx context.Context, userID, scope string, days int, now time.Time) ([]domain.StatsSnapshot, error) {
	if days <= 0 {
		days = DefaultSeriesDays
	}
	if r.retentionDays > 0 && days > r.retentionDays {
		days = r.retentionDays
	}
	to := domain.Day(now)
	from := to.AddDate(0, 0, -(days - 1))

	snapshots, err := r.store.ListSnapshots(ctx, userID, scope, from, to)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return snapshots, nil
}

// Purge drops snapshots older than the retention horizon
func (r *Recorder) Purge(ctx context.Context, now time.Time) (int64, error) {
	before := domain.Day(now).AddDate(0, 0, -r.retentionDays)
	n, err := r.store.PurgeSnapshots(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("purging snapshots: %w", err)
	}
	r.logger.Info("snapshots purged", "before", before.Format(time.DateOnly), "count", n)
	return n, nil
}

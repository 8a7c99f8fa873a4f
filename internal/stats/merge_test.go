package stats

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpstats-sync/internal/domain"
)

func baseMetrics() domain.Metrics {
	return domain.Metrics{
		TotalProblemsSolved: 100,
		EasySolved:          50,
		MediumSolved:        40,
		HardSolved:          10,
		ContestRating:       1500,
		MaxRating:           1620,
		Streak:              domain.Streak{Current: 3, Max: 12},
		Submissions:         domain.SubmissionStats{Total: 200, Accepted: 150, AcceptanceRate: 75},
		Languages:           map[string]int{"go": 60, "cpp": 40},
	}
}

func TestMerge_OverwritesPresentCounters(t *testing.T) {
	incoming := &domain.RawMetrics{
		TotalProblemsSolved: domain.Int(110),
		ContestRating:       domain.Int(1480),
	}

	merged, err := Merge(baseMetrics(), incoming, MergeOptions{})
	require.NoError(t, err)

	assert.Equal(t, 110, merged.TotalProblemsSolved)
	assert.Equal(t, 1480, merged.ContestRating)
	// absent fields are kept
	assert.Equal(t, 50, merged.EasySolved)
	assert.Equal(t, 1620, merged.MaxRating)
	assert.Equal(t, domain.Streak{Current: 3, Max: 12}, merged.Streak)
	assert.Equal(t, map[string]int{"go": 60, "cpp": 40}, merged.Languages)
}

func TestMerge_NestedGroupsMergeFieldWise(t *testing.T) {
	incoming := &domain.RawMetrics{
		Streak:      &domain.RawStreak{Current: domain.Int(0)},
		Submissions: &domain.RawSubmissions{Total: domain.Int(300)},
	}

	merged, err := Merge(baseMetrics(), incoming, MergeOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, merged.Streak.Current)
	assert.Equal(t, 12, merged.Streak.Max)
	assert.Equal(t, 300, merged.Submissions.Total)
	assert.Equal(t, 150, merged.Submissions.Accepted)
	assert.Equal(t, 50, merged.Submissions.AcceptanceRate)
}

func TestMerge_ReplacesLanguages(t *testing.T) {
	incoming := &domain.RawMetrics{Languages: map[string]int{"python": 5}}

	existing := baseMetrics()
	merged, err := Merge(existing, incoming, MergeOptions{})
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"python": 5}, merged.Languages)
	assert.Equal(t, map[string]int{"go": 60, "cpp": 40}, existing.Languages)
}

func TestMerge_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		incoming *domain.RawMetrics
	}{
		{"nil payload", nil},
		{"negative counter", &domain.RawMetrics{TotalProblemsSolved: domain.Int(-1)}},
		{"negative nested", &domain.RawMetrics{Streak: &domain.RawStreak{Max: domain.Int(-3)}}},
		{"negative language", &domain.RawMetrics{Languages: map[string]int{"go": -1}}},
		{"accepted above total", &domain.RawMetrics{Submissions: &domain.RawSubmissions{Accepted: domain.Int(500)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := baseMetrics()
			merged, err := Merge(existing, tt.incoming, MergeOptions{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrMalformed))
			assert.Equal(t, existing, merged)
		})
	}
}

func TestMerge_RegressionGuard(t *testing.T) {
	incoming := &domain.RawMetrics{TotalProblemsSolved: domain.Int(90)}

	t.Run("off by default", func(t *testing.T) {
		merged, err := Merge(baseMetrics(), incoming, MergeOptions{})
		require.NoError(t, err)
		assert.Equal(t, 90, merged.TotalProblemsSolved)
	})

	t.Run("rejects drop beyond tolerance", func(t *testing.T) {
		merged, err := Merge(baseMetrics(), incoming, MergeOptions{RegressionGuard: true, RegressionTolerance: 5})
		assert.ErrorIs(t, err, domain.ErrRegression)
		assert.Equal(t, 100, merged.TotalProblemsSolved)
	})

	t.Run("allows drop within tolerance", func(t *testing.T) {
		merged, err := Merge(baseMetrics(), incoming, MergeOptions{RegressionGuard: true, RegressionTolerance: 10})
		require.NoError(t, err)
		assert.Equal(t, 90, merged.TotalProblemsSolved)
	})
}

func TestMerge_RecentActivity(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	existing := baseMetrics()
	existing.RecentActivity = []domain.Activity{
		{Title: "two-sum", Timestamp: base},
		{Title: "lru-cache", Timestamp: base.Add(-time.Hour)},
	}
	incoming := &domain.RawMetrics{RecentActivity: []domain.Activity{
		{Title: "two-sum", Timestamp: base},
		{Title: "n-queens", Timestamp: base.Add(time.Hour)},
	}}

	merged, err := Merge(existing, incoming, MergeOptions{})
	require.NoError(t, err)

	require.Len(t, merged.RecentActivity, 3)
	assert.Equal(t, "n-queens", merged.RecentActivity[0].Title)
	assert.Equal(t, "two-sum", merged.RecentActivity[1].Title)
	assert.Equal(t, "lru-cache", merged.RecentActivity[2].Title)
}

func TestMerge_RecentActivityCapped(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var incoming []domain.Activity
	for i := 0; i < domain.MaxRecentActivity+15; i++ {
		incoming = append(incoming, domain.Activity{
			Title:     fmt.Sprintf("p%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	merged, err := Merge(domain.Metrics{}, &domain.RawMetrics{RecentActivity: incoming}, MergeOptions{})
	require.NoError(t, err)

	require.Len(t, merged.RecentActivity, domain.MaxRecentActivity)
	assert.Equal(t, fmt.Sprintf("p%d", domain.MaxRecentActivity+14), merged.RecentActivity[0].Title)
}

func TestAcceptanceRate(t *testing.T) {
	assert.Equal(t, 0, AcceptanceRate(0, 0))
	assert.Equal(t, 0, AcceptanceRate(5, 0))
	assert.Equal(t, 100, AcceptanceRate(7, 7))
	assert.Equal(t, 33, AcceptanceRate(1, 3))
	assert.Equal(t, 67, AcceptanceRate(2, 3))

	for total := 0; total <= 60; total++ {
		for accepted := 0; accepted <= total; accepted++ {
			rate := AcceptanceRate(accepted, total)
			require.GreaterOrEqual(t, rate, 0)
			require.LessOrEqual(t, rate, 100)
			if total > 0 {
				want := int(math.Round(float64(accepted) / float64(total) * 100))
				require.Equal(t, want, rate, "accepted=%d total=%d", accepted, total)
			}
		}
	}
}

func TestApplyFailure_KeepsSyncState(t *testing.T) {
	synced := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	now := synced.Add(7 * time.Hour)
	acc := &domain.PlatformAccount{
		Metrics:      baseMetrics(),
		LastSyncedAt: &synced,
		SyncStatus:   domain.SyncStatusSuccess,
	}

	ApplyFailure(acc, fmt.Errorf("fetching: %w", domain.ErrRateLimited), now)

	assert.Equal(t, domain.SyncStatusError, acc.SyncStatus)
	require.NotNil(t, acc.LastError)
	assert.Contains(t, acc.LastError.Message, "rate limited")
	assert.Equal(t, now, acc.LastError.Timestamp)
	assert.Equal(t, synced, *acc.LastSyncedAt)
	assert.Equal(t, baseMetrics(), acc.Metrics)

	ApplySuccess(acc, acc.Metrics, now)
	assert.Equal(t, domain.SyncStatusSuccess, acc.SyncStatus)
	assert.Nil(t, acc.LastError)
	assert.Equal(t, now, *acc.LastSyncedAt)
}

package stats

import (
	"math"

	"github.com/cpstats-sync/internal/domain"
)

// Composite score weights
const (
	WeightProblem = 10
	WeightRating  = 0.5
	WeightStreak  = 20
	WeightAccount = 50
)

// Aggregate reduces a user's accounts into totals and a composite score.
// Inactive accounts are ignored. The result does not depend on the order
// of accounts, and an empty input yields the zero aggregate.
func Aggregate(accounts []*domain.PlatformAccount) domain.Aggregate {
	var (
		agg       domain.Aggregate
		ratingSum int
		rated     int
	)
	for _, acc := range accounts {
		if acc == nil || !acc.Active {
			continue
		}
		agg.AccountCount++
		agg.TotalProblems += acc.Metrics.TotalProblemsSolved
		agg.TotalContests += acc.Metrics.ContestsParticipated
		if acc.Metrics.ContestRating > 0 {
			ratingSum += acc.Metrics.ContestRating
			rated++
		}
		if acc.Metrics.Streak.Max > agg.MaxStreak {
			agg.MaxStreak = acc.Metrics.Streak.Max
		}
	}
	if rated > 0 {
		agg.AvgRating = float64(ratingSum) / float64(rated)
	}
	agg.CompositeScore = CompositeScore(agg.TotalProblems, agg.AvgRating, agg.MaxStreak, agg.AccountCount)
	return agg
}

// CompositeScore applies the blended scoring formula
func CompositeScore(totalProblems int, avgRating float64, maxStreak, accountCount int) int64 {
	raw := float64(totalProblems)*WeightProblem +
		avgRating*WeightRating +
		float64(maxStreak)*WeightStreak +
		float64(accountCount)*WeightAccount
	return int64(math.Round(raw))
}

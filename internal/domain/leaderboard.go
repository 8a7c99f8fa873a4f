package domain

import (
	"time"
)

// OverallMetric selects the per-user value used for the overall leaderboard
type OverallMetric string

const (
	OverallCompositeScore OverallMetric = "compositeScore"
	OverallTotalProblems  OverallMetric = "totalProblems"
	OverallAvgRating      OverallMetric = "avgRating"
	OverallMaxStreak      OverallMetric = "maxStreak"
)

var overallAccessors = map[OverallMetric]func(Aggregate) float64{
	OverallCompositeScore: func(a Aggregate) float64 { return float64(a.CompositeScore) },
	OverallTotalProblems:  func(a Aggregate) float64 { return float64(a.TotalProblems) },
	OverallAvgRating:      func(a Aggregate) float64 { return a.AvgRating },
	OverallMaxStreak:      func(a Aggregate) float64 { return float64(a.MaxStreak) },
}

// ParseOverallMetric validates an overall metric; empty selects compositeScore
func ParseOverallMetric(s string) (OverallMetric, error) {
	if s == "" {
		return OverallCompositeScore, nil
	}
	if _, ok := overallAccessors[OverallMetric(s)]; !ok {
		return "", ErrInvalidMetric
	}
	return OverallMetric(s), nil
}

// Value extracts the metric from an aggregate
func (m OverallMetric) Value(a Aggregate) float64 {
	return overallAccessors[m](a)
}

// PlatformMetric selects the per-account value used for platform leaderboards
type PlatformMetric string

const (
	PlatformTotalProblemsSolved  PlatformMetric = "totalProblemsSolved"
	PlatformContestRating        PlatformMetric = "contestRating"
	PlatformMaxRating            PlatformMetric = "maxRating"
	PlatformContestsParticipated PlatformMetric = "contestsParticipated"
	PlatformMaxStreak            PlatformMetric = "maxStreak"
	PlatformBadges               PlatformMetric = "badges"
	PlatformAcceptanceRate       PlatformMetric = "acceptanceRate"
)

var platformAccessors = map[PlatformMetric]func(Metrics) float64{
	PlatformTotalProblemsSolved:  func(m Metrics) float64 { return float64(m.TotalProblemsSolved) },
	PlatformContestRating:        func(m Metrics) float64 { return float64(m.ContestRating) },
	PlatformMaxRating:            func(m Metrics) float64 { return float64(m.MaxRating) },
	PlatformContestsParticipated: func(m Metrics) float64 { return float64(m.ContestsParticipated) },
	PlatformMaxStreak:            func(m Metrics) float64 { return float64(m.Streak.Max) },
	PlatformBadges:               func(m Metrics) float64 { return float64(m.Badges) },
	PlatformAcceptanceRate:       func(m Metrics) float64 { return float64(m.Submissions.AcceptanceRate) },
}

// ParsePlatformMetric validates a platform metric; empty selects totalProblemsSolved
func ParsePlatformMetric(s string) (PlatformMetric, error) {
	if s == "" {
		return PlatformTotalProblemsSolved, nil
	}
	if _, ok := platformAccessors[PlatformMetric(s)]; !ok {
		return "", ErrInvalidMetric
	}
	return PlatformMetric(s), nil
}

// Value extracts the metric from an account's metrics
func (m PlatformMetric) Value(metrics Metrics) float64 {
	return platformAccessors[m](metrics)
}

// LeaderboardEntry represents a single ranked entry. AccountID and Platform
// are set only for per-platform leaderboards.
type LeaderboardEntry struct {
	Position   int       `json:"position"`
	Percentile int       `json:"percentile"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username,omitempty"`
	AccountID  string    `json:"account_id,omitempty"`
	Platform   Platform  `json:"platform,omitempty"`
	Value      float64   `json:"value"`
	CreatedAt  time.Time `json:"-"`
}

// Leaderboard is a top-N slice of a ranked set
type Leaderboard struct {
	Mode     string             `json:"mode"`
	Metric   string             `json:"metric"`
	Platform Platform           `json:"platform,omitempty"`
	Total    int                `json:"total"`
	Entries  []LeaderboardEntry `json:"entries"`
}

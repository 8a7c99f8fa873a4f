package domain

import "time"

// ScopeOverall is the snapshot scope that aggregates all platforms of a user
const ScopeOverall = "overall"

// ParseScope validates a snapshot scope; empty selects ScopeOverall
func ParseScope(s string) (string, error) {
	if s == "" || s == ScopeOverall {
		return ScopeOverall, nil
	}
	p, err := ParsePlatform(s)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// SnapshotMetrics is the copy of metrics kept per snapshot
type SnapshotMetrics struct {
	ProblemsSolved       int   `json:"problems_solved"`
	Rating               int   `json:"rating"`
	ContestsParticipated int   `json:"contests_participated"`
	EasySolved           int   `json:"easy_solved,omitempty"`
	MediumSolved         int   `json:"medium_solved,omitempty"`
	HardSolved           int   `json:"hard_solved,omitempty"`
	CompositeScore       int64 `json:"composite_score,omitempty"`
}

// SnapshotDeltas are changes relative to the previous day's snapshot
type SnapshotDeltas struct {
	ProblemsSolved       int `json:"problems_solved"`
	Rating               int `json:"rating"`
	ContestsParticipated int `json:"contests_participated"`
}

// StatsSnapshot is one day of history for a user in a scope (a platform or
// ScopeOverall). There is at most one snapshot per (user, scope, day).
type StatsSnapshot struct {
	UserID    string          `json:"user_id"`
	Scope     string          `json:"scope"`
	Day       time.Time       `json:"day"`
	Metrics   SnapshotMetrics `json:"metrics"`
	Deltas    SnapshotDeltas  `json:"deltas"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Day truncates t to its UTC calendar day
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// GrowthMetric selects the snapshot field used for growth queries
type GrowthMetric string

const (
	GrowthProblemsSolved GrowthMetric = "problemsSolved"
	GrowthRating         GrowthMetric = "rating"
	GrowthContests       GrowthMetric = "contestsParticipated"
)

// ParseGrowthMetric validates a growth metric name
func ParseGrowthMetric(s string) (GrowthMetric, error) {
	switch GrowthMetric(s) {
	case GrowthProblemsSolved, GrowthRating, GrowthContests:
		return GrowthMetric(s), nil
	}
	return "", ErrInvalidMetric
}

// Value returns the metric from a snapshot
func (g GrowthMetric) Value(m SnapshotMetrics) int {
	switch g {
	case GrowthRating:
		return m.Rating
	case GrowthContests:
		return m.ContestsParticipated
	default:
		return m.ProblemsSolved
	}
}

// GrowthWindow is a supported look-back window
type GrowthWindow string

const (
	Window7Days  GrowthWindow = "7d"
	Window30Days GrowthWindow = "30d"
)

// ParseGrowthWindow validates a growth window
func ParseGrowthWindow(s string) (GrowthWindow, error) {
	switch GrowthWindow(s) {
	case Window7Days, Window30Days:
		return GrowthWindow(s), nil
	}
	return "", ErrInvalidWindow
}

// Duration returns the window length
func (w GrowthWindow) Duration() time.Duration {
	if w == Window30Days {
		return 30 * 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

// Growth is the change of a metric over a window. Available is false when
// no baseline snapshot exists at or before the window start; Value is then 0.
type Growth struct {
	Scope     string       `json:"scope"`
	Window    GrowthWindow `json:"window"`
	Metric    GrowthMetric `json:"metric"`
	Value     int          `json:"value"`
	Available bool         `json:"available"`
}

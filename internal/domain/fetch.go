package domain

import "context"

// RawMetrics is a freshly fetched metrics payload. Nil fields are absent in
// the source and leave the existing value untouched when merged.
type RawMetrics struct {
	TotalProblemsSolved  *int            `json:"total_problems_solved,omitempty"`
	EasySolved           *int            `json:"easy_solved,omitempty"`
	MediumSolved         *int            `json:"medium_solved,omitempty"`
	HardSolved           *int            `json:"hard_solved,omitempty"`
	ContestRating        *int            `json:"contest_rating,omitempty"`
	MaxRating            *int            `json:"max_rating,omitempty"`
	ContestsParticipated *int            `json:"contests_participated,omitempty"`
	GlobalRank           *int            `json:"global_rank,omitempty"`
	CountryRank          *int            `json:"country_rank,omitempty"`
	Badges               *int            `json:"badges,omitempty"`
	Streak               *RawStreak      `json:"streak,omitempty"`
	Submissions          *RawSubmissions `json:"submissions,omitempty"`
	Languages            map[string]int  `json:"languages,omitempty"`
	RecentActivity       []Activity      `json:"recent_activity,omitempty"`
}

// RawStreak is the streak group of a fetched payload
type RawStreak struct {
	Current *int `json:"current,omitempty"`
	Max     *int `json:"max,omitempty"`
}

// RawSubmissions is the submission group of a fetched payload
type RawSubmissions struct {
	Total    *int `json:"total,omitempty"`
	Accepted *int `json:"accepted,omitempty"`
}

// Fetcher retrieves raw metrics for one platform account. Implementations
// fail with an error wrapping ErrRateLimited, ErrNotFound, ErrTransient or
// ErrMalformed.
type Fetcher interface {
	Fetch(ctx context.Context, platform Platform, username string) (*RawMetrics, error)
}

// FetcherFunc adapts a function to the Fetcher interface
type FetcherFunc func(ctx context.Context, platform Platform, username string) (*RawMetrics, error)

// Fetch calls f(ctx, platform, username)
func (f FetcherFunc) Fetch(ctx context.Context, platform Platform, username string) (*RawMetrics, error) {
	return f(ctx, platform, username)
}

// Int returns a pointer to v. Handy for building RawMetrics.
func Int(v int) *int {
	return &v
}

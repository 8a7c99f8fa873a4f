package domain

import (
	"maps"
	"slices"
	"time"
)

// Platform identifies an external competitive-programming platform
type Platform string

const (
	PlatformLeetCode      Platform = "leetcode"
	PlatformCodeforces    Platform = "codeforces"
	PlatformCodeChef      Platform = "codechef"
	PlatformAtCoder       Platform = "atcoder"
	PlatformHackerRank    Platform = "hackerrank"
	PlatformGeeksForGeeks Platform = "geeksforgeeks"
)

// Platforms lists every supported platform
var Platforms = []Platform{
	PlatformLeetCode,
	PlatformCodeforces,
	PlatformCodeChef,
	PlatformAtCoder,
	PlatformHackerRank,
	PlatformGeeksForGeeks,
}

// ParsePlatform validates a platform identifier
func ParsePlatform(s string) (Platform, error) {
	p := Platform(s)
	if slices.Contains(Platforms, p) {
		return p, nil
	}
	return "", ErrUnknownPlatform
}

// SyncStatus represents the outcome of the last sync attempt for an account
type SyncStatus string

const (
	SyncStatusNever   SyncStatus = "never"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
)

// MaxRecentActivity bounds the recent activity log kept per account
const MaxRecentActivity = 30

// Streak holds current and best daily solving streaks
type Streak struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// SubmissionStats holds submission totals
type SubmissionStats struct {
	Total          int `json:"total"`
	Accepted       int `json:"accepted"`
	AcceptanceRate int `json:"acceptance_rate"`
}

// Activity is a single entry of the recent activity log
type Activity struct {
	Title     string    `json:"title"`
	Kind      string    `json:"kind,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Metrics is the per-account statistics block
type Metrics struct {
	TotalProblemsSolved  int             `json:"total_problems_solved"`
	EasySolved           int             `json:"easy_solved"`
	MediumSolved         int             `json:"medium_solved"`
	HardSolved           int             `json:"hard_solved"`
	ContestRating        int             `json:"contest_rating"`
	MaxRating            int             `json:"max_rating"`
	ContestsParticipated int             `json:"contests_participated"`
	GlobalRank           int             `json:"global_rank"`
	CountryRank          int             `json:"country_rank"`
	Badges               int             `json:"badges"`
	Streak               Streak          `json:"streak"`
	Submissions          SubmissionStats `json:"submissions"`
	Languages            map[string]int  `json:"languages,omitempty"`
	RecentActivity       []Activity      `json:"recent_activity,omitempty"`
}

// Clone returns a deep copy of the metrics block
func (m Metrics) Clone() Metrics {
	out := m
	if m.Languages != nil {
		out.Languages = maps.Clone(m.Languages)
	}
	if m.RecentActivity != nil {
		out.RecentActivity = slices.Clone(m.RecentActivity)
	}
	return out
}

// SyncError records the last failed sync attempt
type SyncError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PlatformAccount is a user's linked identity on one external platform
type PlatformAccount struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Platform     Platform   `json:"platform"`
	Username     string     `json:"username"`
	Active       bool       `json:"active"`
	Metrics      Metrics    `json:"metrics"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	SyncStatus   SyncStatus `json:"sync_status"`
	LastError    *SyncError `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the account
func (a *PlatformAccount) Clone() *PlatformAccount {
	if a == nil {
		return nil
	}
	out := *a
	out.Metrics = a.Metrics.Clone()
	if a.LastSyncedAt != nil {
		t := *a.LastSyncedAt
		out.LastSyncedAt = &t
	}
	if a.LastError != nil {
		e := *a.LastError
		out.LastError = &e
	}
	return &out
}

// IsStale reports whether the account is eligible for a sync cycle at the
// given cutoff.
func (a *PlatformAccount) IsStale(cutoff time.Time) bool {
	if !a.Active {
		return false
	}
	if a.SyncStatus == SyncStatusNever || a.LastSyncedAt == nil {
		return true
	}
	return a.LastSyncedAt.Before(cutoff)
}

// LinkAccountRequest represents a request to link a platform account
type LinkAccountRequest struct {
	Platform string `json:"platform" validate:"required,platform"`
	Username string `json:"username" validate:"required,max=64,excludesall=/?#\x00\n\r\t"`
}

package domain

import (
	"context"
	"time"
)

// AccountStore persists platform accounts and user scores
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (*PlatformAccount, error)
	// CreateAccount inserts a new account. It fails with ErrAccountExists when
	// the user already has an active account on the same platform.
	CreateAccount(ctx context.Context, account *PlatformAccount) error
	SaveAccount(ctx context.Context, account *PlatformAccount) error
	DeactivateAccount(ctx context.Context, accountID string, now time.Time) error
	ListAccountsByUser(ctx context.Context, userID string) ([]*PlatformAccount, error)
	ListAccountsByPlatform(ctx context.Context, platform Platform) ([]*PlatformAccount, error)
	ListActiveAccounts(ctx context.Context) ([]*PlatformAccount, error)
	// ListStaleAccounts returns active accounts never synced or last synced
	// before cutoff.
	ListStaleAccounts(ctx context.Context, cutoff time.Time) ([]*PlatformAccount, error)

	GetUserScore(ctx context.Context, userID string) (*UserScore, error)
	PutUserScore(ctx context.Context, score *UserScore) error
}

// SnapshotStore persists daily stats snapshots
type SnapshotStore interface {
	// UpsertSnapshot writes the snapshot for (user, scope, day), replacing an
	// existing one for the same day.
	UpsertSnapshot(ctx context.Context, snapshot *StatsSnapshot) error
	// ListSnapshots returns snapshots with from <= day <= to, oldest first.
	ListSnapshots(ctx context.Context, userID, scope string, from, to time.Time) ([]StatsSnapshot, error)
	// LatestSnapshot returns the most recent snapshot with day <= at, or
	// ErrSnapshotNotFound.
	LatestSnapshot(ctx context.Context, userID, scope string, at time.Time) (*StatsSnapshot, error)
	PurgeSnapshots(ctx context.Context, before time.Time) (int64, error)
}

// UserDirectory is the read-only view of the identity collaborator
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	ListPublicUsers(ctx context.Context) ([]User, error)
}

// Store bundles every storage contract
type Store interface {
	AccountStore
	SnapshotStore
	UserDirectory
}

// CycleSummary is the result of one sync cycle
type CycleSummary struct {
	Total     int           `json:"total"`
	Success   int           `json:"success"`
	Error     int           `json:"error"`
	Skipped   int           `json:"skipped"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

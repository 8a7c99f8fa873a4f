package domain

import "errors"

// Domain errors
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrAccountNotFound  = errors.New("platform account not found")
	ErrAccountExists    = errors.New("an active account for this platform already exists")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrUnknownPlatform  = errors.New("unknown platform")
	ErrInvalidMetric    = errors.New("invalid ranking metric")
	ErrInvalidWindow    = errors.New("invalid growth window")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInternalError    = errors.New("internal server error")

	// ErrStoreUnavailable marks storage-layer outages. It is the only error
	// that aborts a sync cycle.
	ErrStoreUnavailable = errors.New("storage unavailable")

	ErrCycleInProgress = errors.New("sync cycle already in progress")
	ErrAccountLeased   = errors.New("account is being synced by another worker")
)

// Fetch errors reported by External Fetcher implementations.
var (
	ErrRateLimited = errors.New("rate limited by platform")
	ErrNotFound    = errors.New("platform profile not found")
	ErrTransient   = errors.New("transient fetch failure")
	ErrMalformed   = errors.New("malformed metrics payload")
)

// ErrRegression is returned by the merger when the regression guard is on and
// an incoming absolute counter drops below the tolerated floor.
var ErrRegression = errors.New("incoming counters regress below existing values")

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrSnapshotNotFound)
}

// FetchErrorKind returns a short label for a fetch or merge failure, suitable
// for metrics labels.
func FetchErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrRegression):
		return "regression"
	default:
		return "unknown"
	}
}

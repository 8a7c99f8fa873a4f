package domain

import "time"

// User is the identity collaborator's view of a registered user
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	IsPublic  bool      `json:"is_public"`
	CreatedAt time.Time `json:"created_at"`
}

// UserScore is the denormalized composite score of a user. It is always
// derived from the user's active accounts, never authored directly.
type UserScore struct {
	UserID         string    `json:"user_id"`
	CompositeScore int64     `json:"composite_score"`
	TotalProblems  int       `json:"total_problems"`
	AvgRating      float64   `json:"avg_rating"`
	MaxStreak      int       `json:"max_streak"`
	AccountCount   int       `json:"account_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Aggregate is the reduction of a user's active accounts
type Aggregate struct {
	TotalProblems  int     `json:"total_problems"`
	AvgRating      float64 `json:"avg_rating"`
	MaxStreak      int     `json:"max_streak"`
	AccountCount   int     `json:"account_count"`
	TotalContests  int     `json:"total_contests"`
	CompositeScore int64   `json:"composite_score"`
}

// Score converts the aggregate into a UserScore for the given user
func (a Aggregate) Score(userID string, now time.Time) *UserScore {
	return &UserScore{
		UserID:         userID,
		CompositeScore: a.CompositeScore,
		TotalProblems:  a.TotalProblems,
		AvgRating:      a.AvgRating,
		MaxStreak:      a.MaxStreak,
		AccountCount:   a.AccountCount,
		UpdatedAt:      now,
	}
}

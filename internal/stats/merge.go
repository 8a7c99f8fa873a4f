package stats

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cpstats-sync/internal/domain"
)

// MergeOptions tunes the merger
type MergeOptions struct {
	// RegressionGuard rejects payloads whose total solved count drops by more
	// than RegressionTolerance below the stored value.
	RegressionGuard     bool
	RegressionTolerance int
}

// Merge folds freshly fetched metrics into an existing record. Incoming
// counters are authoritative absolute values and overwrite the existing ones.
// Nested groups merge field by field. On error the existing metrics are
// returned unchanged.
func Merge(existing domain.Metrics, incoming *domain.RawMetrics, opts MergeOptions) (domain.Metrics, error) {
	if incoming == nil {
		return existing, fmt.Errorf("%w: empty payload", domain.ErrMalformed)
	}
	if err := validate(incoming); err != nil {
		return existing, err
	}
	if opts.RegressionGuard && incoming.TotalProblemsSolved != nil {
		floor := existing.TotalProblemsSolved - opts.RegressionTolerance
		if *incoming.TotalProblemsSolved < floor {
			return existing, fmt.Errorf("%w: total solved %d < %d",
				domain.ErrRegression, *incoming.TotalProblemsSolved, existing.TotalProblemsSolved)
		}
	}

	merged := existing.Clone()

	overwrite(&merged.TotalProblemsSolved, incoming.TotalProblemsSolved)
	overwrite(&merged.EasySolved, incoming.EasySolved)
	overwrite(&merged.MediumSolved, incoming.MediumSolved)
	overwrite(&merged.HardSolved, incoming.HardSolved)
	overwrite(&merged.ContestRating, incoming.ContestRating)
	overwrite(&merged.MaxRating, incoming.MaxRating)
	overwrite(&merged.ContestsParticipated, incoming.ContestsParticipated)
	overwrite(&merged.GlobalRank, incoming.GlobalRank)
	overwrite(&merged.CountryRank, incoming.CountryRank)
	overwrite(&merged.Badges, incoming.Badges)

	if s := incoming.Streak; s != nil {
		overwrite(&merged.Streak.Current, s.Current)
		overwrite(&merged.Streak.Max, s.Max)
	}
	if s := incoming.Submissions; s != nil {
		overwrite(&merged.Submissions.Total, s.Total)
		overwrite(&merged.Submissions.Accepted, s.Accepted)
	}
	if merged.Submissions.Accepted > merged.Submissions.Total {
		return existing, fmt.Errorf("%w: accepted %d exceeds total %d",
			domain.ErrMalformed, merged.Submissions.Accepted, merged.Submissions.Total)
	}
	merged.Submissions.AcceptanceRate = AcceptanceRate(merged.Submissions.Accepted, merged.Submissions.Total)

	if incoming.Languages != nil {
		merged.Languages = make(map[string]int, len(incoming.Languages))
		for lang, n := range incoming.Languages {
			merged.Languages[lang] = n
		}
	}
	if len(incoming.RecentActivity) > 0 {
		merged.RecentActivity = mergeActivity(existing.RecentActivity, incoming.RecentActivity)
	}

	return merged, nil
}

// AcceptanceRate returns round(accepted/total*100) clamped to [0,100], or 0
// when total is not positive.
func AcceptanceRate(accepted, total int) int {
	if total <= 0 || accepted <= 0 {
		return 0
	}
	rate := int(math.Round(float64(accepted) / float64(total) * 100))
	if rate > 100 {
		return 100
	}
	return rate
}

// ApplySuccess stores merged metrics on the account and marks it synced
func ApplySuccess(account *domain.PlatformAccount, merged domain.Metrics, now time.Time) {
	synced := now
	account.Metrics = merged
	account.SyncStatus = domain.SyncStatusSuccess
	account.LastError = nil
	account.LastSyncedAt = &synced
	account.UpdatedAt = now
}

// ApplyFailure records a failed sync attempt. Metrics and LastSyncedAt are
// left untouched so the account is retried on the next cycle.
func ApplyFailure(account *domain.PlatformAccount, cause error, now time.Time) {
	account.SyncStatus = domain.SyncStatusError
	account.LastError = &domain.SyncError{
		Message:   cause.Error(),
		Timestamp: now,
	}
	account.UpdatedAt = now
}

func overwrite(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

type namedCount struct {
	name string
	v    *int
}

func validate(m *domain.RawMetrics) error {
	fields := []namedCount{
		{"total_problems_solved", m.TotalProblemsSolved},
		{"easy_solved", m.EasySolved},
		{"medium_solved", m.MediumSolved},
		{"hard_solved", m.HardSolved},
		{"contest_rating", m.ContestRating},
		{"max_rating", m.MaxRating},
		{"contests_participated", m.ContestsParticipated},
		{"global_rank", m.GlobalRank},
		{"country_rank", m.CountryRank},
		{"badges", m.Badges},
	}
	if m.Streak != nil {
		fields = append(fields,
			namedCount{"streak.current", m.Streak.Current},
			namedCount{"streak.max", m.Streak.Max},
		)
	}
	if m.Submissions != nil {
		fields = append(fields,
			namedCount{"submissions.total", m.Submissions.Total},
			namedCount{"submissions.accepted", m.Submissions.Accepted},
		)
	}
	for _, f := range fields {
		if f.v != nil && *f.v < 0 {
			return fmt.Errorf("%w: %s is negative", domain.ErrMalformed, f.name)
		}
	}
	for lang, n := range m.Languages {
		if n < 0 {
			return fmt.Errorf("%w: languages[%s] is negative", domain.ErrMalformed, lang)
		}
	}
	return nil
}

// mergeActivity unions both logs, newest first, dropping duplicates and
// keeping at most MaxRecentActivity entries.
func mergeActivity(existing, incoming []domain.Activity) []domain.Activity {
	type key struct {
		title string
		ts    int64
	}
	seen := make(map[key]struct{}, len(existing)+len(incoming))
	out := make([]domain.Activity, 0, len(existing)+len(incoming))
	for _, list := range [][]domain.Activity{incoming, existing} {
		for _, a := range list {
			k := key{a.Title, a.Timestamp.UnixNano()}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if len(out) > domain.MaxRecentActivity {
		out = out[:domain.MaxRecentActivity]
	}
	return out
}

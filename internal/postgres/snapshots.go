package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cpstats-sync/internal/domain"
)

const snapshotColumns = `user_id, scope, day, metrics, deltas, created_at, updated_at`

func scanSnapshot(row pgx.Row) (*domain.StatsSnapshot, error) {
	var (
		s       domain.StatsSnapshot
		metrics []byte
		deltas  []byte
	)
	if err := row.Scan(&s.UserID, &s.Scope, &s.Day, &metrics, &deltas, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metrics, &s.Metrics); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot metrics: %w", err)
	}
	if err := json.Unmarshal(deltas, &s.Deltas); err != nil {
		return nil, fmt.Errorf("unmarshaling snapshot deltas: %w", err)
	}
	s.Day = domain.Day(s.Day)
	return &s, nil
}

// UpsertSnapshot writes the snapshot for its (user, scope, day), keeping the
// original created_at on same-day overwrites
func (r *Repository) UpsertSnapshot(ctx context.Context, snapshot *domain.StatsSnapshot) error {
	metrics, err := json.Marshal(snapshot.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling snapshot metrics: %w", err)
	}
	deltas, err := json.Marshal(snapshot.Deltas)
	if err != nil {
		return fmt.Errorf("marshaling snapshot deltas: %w", err)
	}

	query := `
		INSERT INTO stats_snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, scope, day)
		DO UPDATE SET metrics = $4, deltas = $5, updated_at = $7
	`
	_, err = r.pool.Exec(ctx, query,
		snapshot.UserID,
		snapshot.Scope,
		domain.Day(snapshot.Day),
		metrics,
		deltas,
		snapshot.CreatedAt,
		snapshot.UpdatedAt,
	)
	if err != nil {
		return wrap("upserting snapshot", err)
	}
	return nil
}

// ListSnapshots retrieves snapshots in [from, to], oldest first
func (r *Repository) ListSnapshots(ctx context.Context, userID, scope string, from, to time.Time) ([]domain.StatsSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM stats_snapshots
		WHERE user_id = $1 AND scope = $2 AND day >= $3 AND day <= $4
		ORDER BY day
	`
	rows, err := r.pool.Query(ctx, query, userID, scope, domain.Day(from), domain.Day(to))
	if err != nil {
		return nil, wrap("listing snapshots", err)
	}
	defer rows.Close()

	var snapshots []domain.StatsSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		snapshots = append(snapshots, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("listing snapshots", err)
	}
	return snapshots, nil
}

// LatestSnapshot retrieves the newest snapshot whose day is not after at
func (r *Repository) LatestSnapshot(ctx context.Context, userID, scope string, at time.Time) (*domain.StatsSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM stats_snapshots
		WHERE user_id = $1 AND scope = $2 AND day <= $3
		ORDER BY day DESC
		LIMIT 1
	`
	s, err := scanSnapshot(r.pool.QueryRow(ctx, query, userID, scope, domain.Day(at)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSnapshotNotFound
		}
		return nil, wrap("getting latest snapshot", err)
	}
	return s, nil
}

// PurgeSnapshots deletes snapshots whose day is before the given day
func (r *Repository) PurgeSnapshots(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM stats_snapshots WHERE day < $1`, domain.Day(before))
	if err != nil {
		return 0, wrap("purging snapshots", err)
	}
	return result.RowsAffected(), nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cpstats-sync/internal/config"
	"github.com/cpstats-sync/internal/domain"
)

const uniqueViolation = "23505"

// Repository provides PostgreSQL-based data access
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ domain.Store = (*Repository)(nil)

// NewRepository creates a new PostgreSQL repository
func NewRepository(ctx context.Context, cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	return connect(ctx, poolConfig, logger)
}

func connect(ctx context.Context, poolConfig *pgxpool.Config, logger *slog.Logger) (*Repository, error) {
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Ping checks database connectivity
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return wrap("pinging database", err)
	}
	return nil
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(64) PRIMARY KEY,
			username VARCHAR(255) NOT NULL DEFAULT '',
			is_public BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS platform_accounts (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			platform VARCHAR(32) NOT NULL,
			username VARCHAR(64) NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			metrics JSONB NOT NULL DEFAULT '{}',
			last_synced_at TIMESTAMPTZ,
			sync_status VARCHAR(16) NOT NULL DEFAULT 'never',
			last_error_message TEXT,
			last_error_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_platform_accounts_active
			ON platform_accounts(user_id, platform) WHERE active`,
		`CREATE INDEX IF NOT EXISTS idx_platform_accounts_user ON platform_accounts(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_platform_accounts_stale
			ON platform_accounts(last_synced_at) WHERE active`,
		`CREATE TABLE IF NOT EXISTS user_scores (
			user_id VARCHAR(64) PRIMARY KEY,
			composite_score BIGINT NOT NULL,
			total_problems INT NOT NULL,
			avg_rating DOUBLE PRECISION NOT NULL,
			max_streak INT NOT NULL,
			account_count INT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stats_snapshots (
			user_id VARCHAR(64) NOT NULL,
			scope VARCHAR(32) NOT NULL,
			day DATE NOT NULL,
			metrics JSONB NOT NULL,
			deltas JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (user_id, scope, day)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_stats_snapshots_day ON stats_snapshots(day)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return wrap("executing migration", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}

// UpsertUser inserts or updates a user in the directory
func (r *Repository) UpsertUser(ctx context.Context, user domain.User) error {
	query := `
		INSERT INTO users (id, username, is_public, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET username = $2, is_public = $3
	`
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	if _, err := r.pool.Exec(ctx, query, user.ID, user.Username, user.IsPublic, createdAt); err != nil {
		return wrap("upserting user", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (r *Repository) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT id, username, is_public, created_at FROM users WHERE id = $1`
	var u domain.User
	err := r.pool.QueryRow(ctx, query, userID).Scan(&u.ID, &u.Username, &u.IsPublic, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, wrap("getting user", err)
	}
	return &u, nil
}

// ListPublicUsers retrieves users that opted into public visibility
func (r *Repository) ListPublicUsers(ctx context.Context) ([]domain.User, error) {
	query := `SELECT id, username, is_public, created_at FROM users WHERE is_public ORDER BY id`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, wrap("listing public users", err)
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username, &u.IsPublic, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("listing public users", err)
	}
	return users, nil
}

// GetUserScore retrieves the stored composite score of a user
func (r *Repository) GetUserScore(ctx context.Context, userID string) (*domain.UserScore, error) {
	query := `
		SELECT user_id, composite_score, total_problems, avg_rating, max_streak, account_count, updated_at
		FROM user_scores
		WHERE user_id = $1
	`
	var s domain.UserScore
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&s.UserID,
		&s.CompositeScore,
		&s.TotalProblems,
		&s.AvgRating,
		&s.MaxStreak,
		&s.AccountCount,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, wrap("getting user score", err)
	}
	return &s, nil
}

// PutUserScore inserts or replaces a user's composite score
func (r *Repository) PutUserScore(ctx context.Context, score *domain.UserScore) error {
	query := `
		INSERT INTO user_scores (user_id, composite_score, total_problems, avg_rating, max_streak, account_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			composite_score = $2,
			total_problems = $3,
			avg_rating = $4,
			max_streak = $5,
			account_count = $6,
			updated_at = $7
	`
	_, err := r.pool.Exec(ctx, query,
		score.UserID,
		score.CompositeScore,
		score.TotalProblems,
		score.AvgRating,
		score.MaxStreak,
		score.AccountCount,
		score.UpdatedAt,
	)
	if err != nil {
		return wrap("putting user score", err)
	}
	return nil
}

// wrap annotates err with op and marks connectivity failures with
// domain.ErrStoreUnavailable so sync cycles can abort on them.
func wrap(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is connection exception, 57P0x is operator shutdown.
		return strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "57P01" || pgErr.Code == "57P02" || pgErr.Code == "57P03"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

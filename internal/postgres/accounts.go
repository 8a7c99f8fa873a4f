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

const accountColumns = `id, user_id, platform, username, active, metrics, last_synced_at,
	sync_status, last_error_message, last_error_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.PlatformAccount, error) {
	var (
		a          domain.PlatformAccount
		platform   string
		status     string
		metrics    []byte
		errMessage *string
		errAt      *time.Time
	)
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&platform,
		&a.Username,
		&a.Active,
		&metrics,
		&a.LastSyncedAt,
		&status,
		&errMessage,
		&errAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Platform = domain.Platform(platform)
	a.SyncStatus = domain.SyncStatus(status)
	if len(metrics) > 0 {
		if err := json.Unmarshal(metrics, &a.Metrics); err != nil {
			return nil, fmt.Errorf("unmarshaling metrics of account %s: %w", a.ID, err)
		}
	}
	if errMessage != nil {
		a.LastError = &domain.SyncError{Message: *errMessage}
		if errAt != nil {
			a.LastError.Timestamp = *errAt
		}
	}
	return &a, nil
}

func lastErrorColumns(a *domain.PlatformAccount) (*string, *time.Time) {
	if a.LastError == nil {
		return nil, nil
	}
	return &a.LastError.Message, &a.LastError.Timestamp
}

// GetAccount retrieves a platform account by ID
func (r *Repository) GetAccount(ctx context.Context, accountID string) (*domain.PlatformAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM platform_accounts WHERE id = $1`
	a, err := scanAccount(r.pool.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, wrap("getting account", err)
	}
	return a, nil
}

// CreateAccount inserts a new platform account. The partial unique index on
// (user_id, platform) rejects a second active account.
func (r *Repository) CreateAccount(ctx context.Context, account *domain.PlatformAccount) error {
	metrics, err := json.Marshal(account.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling metrics: %w", err)
	}
	errMessage, errAt := lastErrorColumns(account)

	query := `
		INSERT INTO platform_accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = r.pool.Exec(ctx, query,
		account.ID,
		account.UserID,
		string(account.Platform),
		account.Username,
		account.Active,
		metrics,
		account.LastSyncedAt,
		string(account.SyncStatus),
		errMessage,
		errAt,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAccountExists
		}
		return wrap("creating account", err)
	}
	return nil
}

// SaveAccount replaces the sync fields of an active account. It never changes
// the active flag and fails with ErrAccountNotFound once the account has been
// deactivated.
func (r *Repository) SaveAccount(ctx context.Context, account *domain.PlatformAccount) error {
	metrics, err := json.Marshal(account.Metrics)
	if err != nil {
		return fmt.Errorf("marshaling metrics: %w", err)
	}
	errMessage, errAt := lastErrorColumns(account)

	query := `
		UPDATE platform_accounts SET
			username = $2,
			metrics = $3,
			last_synced_at = $4,
			sync_status = $5,
			last_error_message = $6,
			last_error_at = $7,
			updated_at = $8
		WHERE id = $1 AND active
	`
	result, err := r.pool.Exec(ctx, query,
		account.ID,
		account.Username,
		metrics,
		account.LastSyncedAt,
		string(account.SyncStatus),
		errMessage,
		errAt,
		account.UpdatedAt,
	)
	if err != nil {
		return wrap("saving account", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// DeactivateAccount soft-deletes an account, freeing its platform slot
func (r *Repository) DeactivateAccount(ctx context.Context, accountID string, now time.Time) error {
	query := `UPDATE platform_accounts SET active = FALSE, updated_at = $2 WHERE id = $1`
	result, err := r.pool.Exec(ctx, query, accountID, now)
	if err != nil {
		return wrap("deactivating account", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

func (r *Repository) listAccounts(ctx context.Context, op, where string, args ...any) ([]*domain.PlatformAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM platform_accounts WHERE ` + where + ` ORDER BY created_at, id`
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var accounts []*domain.PlatformAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return accounts, nil
}

// ListAccountsByUser retrieves every account of a user, including inactive ones
func (r *Repository) ListAccountsByUser(ctx context.Context, userID string) ([]*domain.PlatformAccount, error) {
	return r.listAccounts(ctx, "listing accounts by user", `user_id = $1`, userID)
}

// ListAccountsByPlatform retrieves active accounts on a platform
func (r *Repository) ListAccountsByPlatform(ctx context.Context, platform domain.Platform) ([]*domain.PlatformAccount, error) {
	return r.listAccounts(ctx, "listing accounts by platform", `active AND platform = $1`, string(platform))
}

// ListActiveAccounts retrieves every active account
func (r *Repository) ListActiveAccounts(ctx context.Context) ([]*domain.PlatformAccount, error) {
	return r.listAccounts(ctx, "listing active accounts", `active`)
}

// ListStaleAccounts retrieves active accounts never synced or last synced
// before cutoff
func (r *Repository) ListStaleAccounts(ctx context.Context, cutoff time.Time) ([]*domain.PlatformAccount, error) {
	return r.listAccounts(ctx, "listing stale accounts",
		`active AND (sync_status = 'never' OR last_synced_at IS NULL OR last_synced_at < $1)`, cutoff)
}

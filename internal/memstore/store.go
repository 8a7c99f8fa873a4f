// Package memstore is an in-memory implementation of domain.Store. It backs
// local runs with store.driver=memory and serves as the storage fake in tests.
package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/cpstats-sync/internal/domain"
)

// Store keeps every record in concurrent maps. Values are cloned on the way
// in and out so callers never share memory with the store.
type Store struct {
	users     *xsync.Map[string, domain.User]
	accounts  *xsync.Map[string, *domain.PlatformAccount]
	active    *xsync.Map[string, string] // user|platform -> account id
	scores    *xsync.Map[string, domain.UserScore]
	snapshots *xsync.Map[snapshotKey, domain.StatsSnapshot]
}

type snapshotKey struct {
	userID string
	scope  string
	day    int64
}

var _ domain.Store = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{
		users:     xsync.NewMap[string, domain.User](),
		accounts:  xsync.NewMap[string, *domain.PlatformAccount](),
		active:    xsync.NewMap[string, string](),
		scores:    xsync.NewMap[string, domain.UserScore](),
		snapshots: xsync.NewMap[snapshotKey, domain.StatsSnapshot](),
	}
}

// PutUser adds or replaces a user in the directory
func (s *Store) PutUser(u domain.User) {
	s.users.Store(u.ID, u)
}

// GetUser returns a user by id
func (s *Store) GetUser(_ context.Context, userID string) (*domain.User, error) {
	u, ok := s.users.Load(userID)
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

// ListPublicUsers returns users that opted into public visibility
func (s *Store) ListPublicUsers(_ context.Context) ([]domain.User, error) {
	var out []domain.User
	s.users.Range(func(_ string, u domain.User) bool {
		if u.IsPublic {
			out = append(out, u)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func activeKey(userID string, platform domain.Platform) string {
	return userID + "|" + string(platform)
}

// GetAccount returns an account by id
func (s *Store) GetAccount(_ context.Context, accountID string) (*domain.PlatformAccount, error) {
	acc, ok := s.accounts.Load(accountID)
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	return acc.Clone(), nil
}

// CreateAccount inserts an account, reserving the (user, platform) slot when
// the account is active.
func (s *Store) CreateAccount(_ context.Context, account *domain.PlatformAccount) error {
	if account.Active {
		reserved := false
		s.active.Compute(activeKey(account.UserID, account.Platform), func(old string, loaded bool) (string, xsync.ComputeOp) {
			if loaded {
				return old, xsync.CancelOp
			}
			reserved = true
			return account.ID, xsync.UpdateOp
		})
		if !reserved {
			return domain.ErrAccountExists
		}
	}
	if _, loaded := s.accounts.LoadOrStore(account.ID, account.Clone()); loaded {
		if account.Active {
			s.active.Delete(activeKey(account.UserID, account.Platform))
		}
		return domain.ErrAccountExists
	}
	return nil
}

// SaveAccount replaces an active account. The active flag is kept from the
// stored copy; deactivated accounts fail with ErrAccountNotFound.
func (s *Store) SaveAccount(_ context.Context, account *domain.PlatformAccount) error {
	found := false
	s.accounts.Compute(account.ID, func(old *domain.PlatformAccount, loaded bool) (*domain.PlatformAccount, xsync.ComputeOp) {
		if !loaded || !old.Active {
			return old, xsync.CancelOp
		}
		found = true
		next := account.Clone()
		next.Active = true
		return next, xsync.UpdateOp
	})
	if !found {
		return domain.ErrAccountNotFound
	}
	return nil
}

// DeactivateAccount soft-deletes an account and frees its platform slot
func (s *Store) DeactivateAccount(_ context.Context, accountID string, now time.Time) error {
	var released *domain.PlatformAccount
	s.accounts.Compute(accountID, func(old *domain.PlatformAccount, loaded bool) (*domain.PlatformAccount, xsync.ComputeOp) {
		if !loaded {
			return nil, xsync.CancelOp
		}
		next := old.Clone()
		next.Active = false
		next.UpdatedAt = now
		released = old
		return next, xsync.UpdateOp
	})
	if released == nil {
		return domain.ErrAccountNotFound
	}
	s.active.Compute(activeKey(released.UserID, released.Platform), func(id string, loaded bool) (string, xsync.ComputeOp) {
		if loaded && id == accountID {
			return "", xsync.DeleteOp
		}
		return id, xsync.CancelOp
	})
	return nil
}

func (s *Store) listAccounts(keep func(*domain.PlatformAccount) bool) []*domain.PlatformAccount {
	var out []*domain.PlatformAccount
	s.accounts.Range(func(_ string, acc *domain.PlatformAccount) bool {
		if keep(acc) {
			out = append(out, acc.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListAccountsByUser returns all accounts of a user, active or not
func (s *Store) ListAccountsByUser(_ context.Context, userID string) ([]*domain.PlatformAccount, error) {
	return s.listAccounts(func(a *domain.PlatformAccount) bool { return a.UserID == userID }), nil
}

// ListAccountsByPlatform returns active accounts on a platform
func (s *Store) ListAccountsByPlatform(_ context.Context, platform domain.Platform) ([]*domain.PlatformAccount, error) {
	return s.listAccounts(func(a *domain.PlatformAccount) bool {
		return a.Active && a.Platform == platform
	}), nil
}

// ListActiveAccounts returns every active account
func (s *Store) ListActiveAccounts(_ context.Context) ([]*domain.PlatformAccount, error) {
	return s.listAccounts(func(a *domain.PlatformAccount) bool { return a.Active }), nil
}

// ListStaleAccounts returns active accounts due for a sync at cutoff
func (s *Store) ListStaleAccounts(_ context.Context, cutoff time.Time) ([]*domain.PlatformAccount, error) {
	return s.listAccounts(func(a *domain.PlatformAccount) bool { return a.IsStale(cutoff) }), nil
}

// GetUserScore returns the denormalized score of a user
func (s *Store) GetUserScore(_ context.Context, userID string) (*domain.UserScore, error) {
	score, ok := s.scores.Load(userID)
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &score, nil
}

// PutUserScore writes a user's score
func (s *Store) PutUserScore(_ context.Context, score *domain.UserScore) error {
	s.scores.Store(score.UserID, *score)
	return nil
}

// UpsertSnapshot writes a snapshot, keeping the original CreatedAt on
// same-day overwrites.
func (s *Store) UpsertSnapshot(_ context.Context, snapshot *domain.StatsSnapshot) error {
	day := domain.Day(snapshot.Day)
	key := snapshotKey{snapshot.UserID, snapshot.Scope, day.Unix()}
	s.snapshots.Compute(key, func(old domain.StatsSnapshot, loaded bool) (domain.StatsSnapshot, xsync.ComputeOp) {
		next := *snapshot
		next.Day = day
		if loaded {
			next.CreatedAt = old.CreatedAt
		}
		return next, xsync.UpdateOp
	})
	return nil
}

// ListSnapshots returns snapshots in [from, to], oldest first
func (s *Store) ListSnapshots(_ context.Context, userID, scope string, from, to time.Time) ([]domain.StatsSnapshot, error) {
	lo, hi := domain.Day(from).Unix(), domain.Day(to).Unix()
	var out []domain.StatsSnapshot
	s.snapshots.Range(func(k snapshotKey, snap domain.StatsSnapshot) bool {
		if k.userID == userID && k.scope == scope && k.day >= lo && k.day <= hi {
			out = append(out, snap)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

// LatestSnapshot returns the newest snapshot whose day is not after at
func (s *Store) LatestSnapshot(_ context.Context, userID, scope string, at time.Time) (*domain.StatsSnapshot, error) {
	limit := domain.Day(at).Unix()
	var (
		best  domain.StatsSnapshot
		found bool
	)
	s.snapshots.Range(func(k snapshotKey, snap domain.StatsSnapshot) bool {
		if k.userID != userID || k.scope != scope || k.day > limit {
			return true
		}
		if !found || snap.Day.After(best.Day) {
			best, found = snap, true
		}
		return true
	})
	if !found {
		return nil, domain.ErrSnapshotNotFound
	}
	return &best, nil
}

// PurgeSnapshots deletes snapshots whose day is before the given day
func (s *Store) PurgeSnapshots(_ context.Context, before time.Time) (int64, error) {
	limit := domain.Day(before).Unix()
	var stale []snapshotKey
	s.snapshots.Range(func(k snapshotKey, _ domain.StatsSnapshot) bool {
		if k.day < limit {
			stale = append(stale, k)
		}
		return true
	})
	for _, k := range stale {
		s.snapshots.Delete(k)
	}
	return int64(len(stale)), nil
}

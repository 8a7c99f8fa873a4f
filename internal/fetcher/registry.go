// Package fetcher provides domain.Fetcher implementations and decorators.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cpstats-sync/internal/domain"
)

// Registry dispatches fetches to a per-platform fetcher
type Registry struct {
	fetchers map[domain.Platform]domain.Fetcher
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{fetchers: make(map[domain.Platform]domain.Fetcher)}
}

// Register sets the fetcher used for platform
func (r *Registry) Register(platform domain.Platform, f domain.Fetcher) {
	r.fetchers[platform] = f
}

// Platforms returns the platforms with a registered fetcher
func (r *Registry) Platforms() []domain.Platform {
	var out []domain.Platform
	for _, p := range domain.Platforms {
		if _, ok := r.fetchers[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Fetch implements domain.Fetcher
func (r *Registry) Fetch(ctx context.Context, platform domain.Platform, username string) (*domain.RawMetrics, error) {
	f, ok := r.fetchers[platform]
	if !ok {
		return nil, fmt.Errorf("%w: no fetcher for platform %q", domain.ErrNotFound, platform)
	}
	return f.Fetch(ctx, platform, username)
}

// WithTimeout bounds every fetch by d. A fetch that runs past its deadline
// fails with ErrTransient.
func WithTimeout(next domain.Fetcher, d time.Duration) domain.Fetcher {
	return domain.FetcherFunc(func(ctx context.Context, platform domain.Platform, username string) (*domain.RawMetrics, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		raw, err := next.Fetch(ctx, platform, username)
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: fetch timed out after %s: %v", domain.ErrTransient, d, err)
		}
		return raw, err
	})
}

package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cpstats-sync/internal/domain"
)

// maxBodyBytes caps the metrics payload read from a proxy
const maxBodyBytes = 1 << 20

// HTTPFetcher reads RawMetrics as JSON from a metrics proxy at
// GET {endpoint}/{username}.
type HTTPFetcher struct {
	endpoint  string
	userAgent string
	client    *http.Client
}

// NewHTTPFetcher creates a fetcher for one proxy endpoint. A nil client uses
// http.DefaultClient; timeouts are expected to come from the context.
func NewHTTPFetcher(endpoint, userAgent string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{
		endpoint:  strings.TrimRight(endpoint, "/"),
		userAgent: userAgent,
		client:    client,
	}
}

// Fetch implements domain.Fetcher
func (f *HTTPFetcher) Fetch(ctx context.Context, platform domain.Platform, username string) (*domain.RawMetrics, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint+"/"+url.PathEscape(username), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrTransient, platform, username, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s responded 429", domain.ErrRateLimited, platform)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrNotFound, platform, username)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s responded %d", domain.ErrTransient, platform, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s responded %d", domain.ErrMalformed, platform, resp.StatusCode)
	}

	var raw domain.RawMetrics
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&raw); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("%w: reading %s response: %v", domain.ErrTransient, platform, err)
		}
		return nil, fmt.Errorf("%w: decoding %s response: %v", domain.ErrMalformed, platform, err)
	}
	return &raw, nil
}

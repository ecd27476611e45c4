package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// ErrLocatorExpired means the service rejected the artifact locator as
// expired. Counted as an ordinary download failure — the parent request is
// not re-polled for a fresh locator.
var ErrLocatorExpired = errors.New("download: locator expired")

// Fetcher transfers the bytes behind a locator to a local path. The raw
// transfer is a primitive; retry and backoff around it live in the pool.
type Fetcher interface {
	Fetch(ctx context.Context, locator, dest string) error
}

// HTTPFetcher fetches artifacts over HTTP. Redirects are not delegated to
// the client: a 3xx is followed transparently exactly one hop, so an
// expired-locator redirect loop cannot spin.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher creates a fetcher with sane timeouts and redirect handling
// disabled (handled manually in Fetch).
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client: &http.Client{
			Timeout: 5 * time.Minute,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch downloads locator into dest, creating or truncating it.
func (f *HTTPFetcher) Fetch(ctx context.Context, locator, dest string) error {
	return f.fetch(ctx, locator, dest, false)
}

func (f *HTTPFetcher) fetch(ctx context.Context, locator, dest string, redirected bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return fmt.Errorf("download: build request: %w", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("download: fetch: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		loc := resp.Header.Get("Location")
		if loc == "" || redirected {
			return fmt.Errorf("download: unresolvable redirect (%d)", resp.StatusCode)
		}
		return f.fetch(ctx, loc, dest, true)
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w (%d)", ErrLocatorExpired, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("download: create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("download: write %s: %w", dest, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return fmt.Errorf("download: close %s: %w", dest, err)
	}
	return nil
}

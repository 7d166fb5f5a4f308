package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// DefaultMaxRedirects bounds redirect chains followed by a Fetcher.
const DefaultMaxRedirects = 5

// TooManyRedirectsError is returned when a redirect chain exceeds the configured bound.
type TooManyRedirectsError struct {
	URL  string
	Hops int
}

func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("%s: stopped after %d redirects", e.URL, e.Hops)
}

// StatusError is a non-2xx final response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: HTTP %d", e.URL, e.Code)
}

// IsNotFound reports whether err is an HTTP 404 from a Fetcher.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Fetcher performs bounded-redirect HTTP GETs. Every call carries its own timeout.
type Fetcher struct {
	Client       *http.Client
	MaxRedirects int
	UserAgent    string
}

// New returns a Fetcher with its own client following at most maxRedirects hops.
func New(maxRedirects int) *Fetcher {
	return &Fetcher{Client: &http.Client{}, MaxRedirects: maxRedirects}
}

func (f *Fetcher) client() *http.Client {
	base := f.Client
	if base == nil {
		base = http.DefaultClient
	}
	max := f.MaxRedirects
	if max <= 0 {
		max = DefaultMaxRedirects
	}
	c := *base
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > max {
			return &TooManyRedirectsError{URL: via[0].URL.String(), Hops: len(via) - 1}
		}
		return nil
	}
	return &c
}

func (f *Fetcher) open(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		var tm *TooManyRedirectsError
		if errors.As(err, &tm) {
			return nil, tm
		}
		return nil, fmt.Errorf("get %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	return resp, nil
}

// Get returns the body of url, bounded by timeout.
func (f *Fetcher) Get(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	resp, err := f.open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return b, nil
}

// Download streams url into dest. The body goes to a temp file next to dest that is
// renamed into place only after a complete read, so dest is never left truncated.
func (f *Fetcher) Download(ctx context.Context, url, dest string, timeout time.Duration) error {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	resp, err := f.open(ctx, url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	_, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write %s: %w", dest, copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", closeErr)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", dest, err)
	}
	return nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

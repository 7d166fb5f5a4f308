package readiness

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loykin/pkgfeed/internal/metrics"
)

// Probe performs one readiness check. A nil error means ready.
type Probe func(ctx context.Context, endpoint string) error

// TimeoutError is returned when the endpoint never became ready.
type TimeoutError struct {
	Endpoint string
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s not ready after %d attempts", e.Endpoint, e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// Poller waits for an HTTP endpoint to answer 2xx.
type Poller struct {
	Client         *http.Client
	AttemptTimeout time.Duration // bound of a single probe; default 2s
	// Probe overrides the HTTP check.
	Probe Probe
	// Sleep overrides waiting between attempts. It must return ctx.Err() when ctx ends first.
	Sleep func(ctx context.Context, d time.Duration) error
}

// WaitUntilReady probes endpoint until it is ready or maxAttempts probes failed,
// sleeping interval between attempts but not after the last one. It returns the number
// of attempts made.
func (p *Poller) WaitUntilReady(ctx context.Context, endpoint string, maxAttempts int, interval time.Duration) (int, error) {
	if maxAttempts <= 0 {
		return 0, fmt.Errorf("readiness attempts must be positive, got %d", maxAttempts)
	}
	probe := p.Probe
	if probe == nil {
		probe = p.httpProbe
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		last = probe(ctx, endpoint)
		if last == nil {
			metrics.ObserveReadiness(endpoint, attempt, true)
			return attempt, nil
		}
		if attempt == maxAttempts {
			break
		}
		if err := sleep(ctx, interval); err != nil {
			return attempt, err
		}
	}
	metrics.ObserveReadiness(endpoint, maxAttempts, false)
	return maxAttempts, &TimeoutError{Endpoint: endpoint, Attempts: maxAttempts, Last: last}
}

func (p *Poller) httpProbe(ctx context.Context, endpoint string) error {
	timeout := p.AttemptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

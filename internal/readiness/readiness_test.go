package readiness

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingSleep(n *int) func(context.Context, time.Duration) error {
	return func(ctx context.Context, _ time.Duration) error {
		*n++
		return ctx.Err()
	}
}

func TestReadyOnFirstAttempt(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sleeps := 0
	p := &Poller{Sleep: countingSleep(&sleeps)}
	attempts, err := p.WaitUntilReady(context.Background(), ts.URL, 5, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 0, sleeps)
}

func TestReadyAfterServerWarmsUp(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sleeps := 0
	p := &Poller{Sleep: countingSleep(&sleeps)}
	attempts, err := p.WaitUntilReady(context.Background(), ts.URL, 10, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, sleeps)
}

func TestClosedPortFailsAfterExactlyMaxAttempts(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	sleeps := 0
	p := &Poller{Sleep: countingSleep(&sleeps), AttemptTimeout: 500 * time.Millisecond}
	attempts, err := p.WaitUntilReady(context.Background(), "http://"+addr+"/-/ping", 4, time.Second)
	require.Error(t, err)

	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 4, te.Attempts)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 3, sleeps, "no sleep after the last failed attempt")
	assert.NotNil(t, te.Last)
}

func TestProbeOverrideCountsCalls(t *testing.T) {
	calls := 0
	p := &Poller{
		Probe: func(context.Context, string) error {
			calls++
			return errors.New("refused")
		},
		Sleep: func(context.Context, time.Duration) error { return nil },
	}
	_, err := p.WaitUntilReady(context.Background(), "x", 7, 0)
	require.Error(t, err)
	assert.Equal(t, 7, calls)
}

func TestAttemptTimeoutBoundsSlowServer(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	p := &Poller{AttemptTimeout: 50 * time.Millisecond, Sleep: func(context.Context, time.Duration) error { return nil }}
	start := time.Now()
	_, err := p.WaitUntilReady(context.Background(), ts.URL, 2, 0)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestCancelledContextStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{Probe: func(context.Context, string) error {
		cancel()
		return errors.New("down")
	}}
	attempts, err := p.WaitUntilReady(ctx, "x", 100, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestInvalidAttempts(t *testing.T) {
	_, err := (&Poller{}).WaitUntilReady(context.Background(), "x", 0, 0)
	assert.Error(t, err)
}

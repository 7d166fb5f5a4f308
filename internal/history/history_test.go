package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestEventValidate(t *testing.T) {
	now := time.Now()
	testCases := []struct {
		name  string
		event Event
		valid bool
	}{
		{"start", Event{Type: EventStart, OccurredAt: now, Subject: "registry", PID: 10}, true},
		{"publish", Event{Type: EventPublish, OccurredAt: now, Subject: "a@1.0.0", Outcome: OutcomeSkipped}, true},
		{"empty type", Event{OccurredAt: now, Subject: "x"}, false},
		{"zero time", Event{Type: EventStop, Subject: "x"}, false},
		{"empty subject", Event{Type: EventStop, OccurredAt: now}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRecorderFillsDefaults(t *testing.T) {
	s := &memSink{}
	r := &Recorder{RunID: "run-1", Sinks: []Sink{s}}
	r.Record(context.Background(), Event{Type: EventMirror, Subject: "libraries", Outcome: OutcomeOK})

	require.Len(t, s.events, 1)
	assert.Equal(t, "run-1", s.events[0].RunID)
	assert.False(t, s.events[0].OccurredAt.IsZero())
}

func TestRecorderSwallowsSinkErrors(t *testing.T) {
	var buf bytes.Buffer
	bad := &memSink{err: errors.New("db down")}
	good := &memSink{}
	r := &Recorder{Sinks: []Sink{bad, good}, Log: slog.New(slog.NewTextHandler(&buf, nil))}

	r.Record(context.Background(), Event{Type: EventSync, Subject: "resources"})
	assert.Len(t, good.events, 1)
	assert.Contains(t, buf.String(), "db down")

	r.Record(context.Background(), Event{Type: EventSync})
	assert.Len(t, good.events, 1, "invalid event must be dropped")

	require.NoError(t, r.Close())
	assert.True(t, bad.closed)
	assert.True(t, good.closed)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(context.Background(), Event{Type: EventStart, Subject: "x"})
	assert.NoError(t, r.Close())
}

package history

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EventType defines the kind of recorded event.
type EventType string

const (
	EventStart   EventType = "service_start"
	EventStop    EventType = "service_stop"
	EventMirror  EventType = "mirror"
	EventPublish EventType = "publish"
	EventSync    EventType = "sync"
	EventUpdate  EventType = "update"
)

// Outcome values used by the pipeline.
const (
	OutcomeOK      = "ok"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Event is one entry in the operational history: a service lifecycle change or the
// result of one pipeline unit. RunID groups the events of a single CLI invocation.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RunID      string    `json:"run_id"`
	Subject    string    `json:"subject"` // service, repository or package name
	PID        int       `json:"pid,omitempty"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
}

// Validate checks the fields every sink relies on.
func (e Event) Validate() error {
	switch {
	case e.Type == "":
		return errors.New("event type is empty")
	case e.OccurredAt.IsZero():
		return errors.New("event time is zero")
	case e.Subject == "":
		return errors.New("event subject is empty")
	}
	return nil
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to sinks. Sink failures are logged, never returned:
// history is an audit trail and must not fail an operation.
// The zero value and a nil *Recorder are valid and drop everything.
type Recorder struct {
	RunID string
	Sinks []Sink
	Log   *slog.Logger
}

// Record fills RunID and OccurredAt when unset and sends e to every sink.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil || len(r.Sinks) == 0 {
		return
	}
	if e.RunID == "" {
		e.RunID = r.RunID
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := e.Validate(); err != nil {
		r.logger().Warn("history event dropped", "error", err)
		return
	}
	for _, s := range r.Sinks {
		if err := s.Send(ctx, e); err != nil {
			r.logger().Warn("history sink failed", "type", e.Type, "subject", e.Subject, "error", err)
		}
	}
}

// Close closes every sink that implements io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.Sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}

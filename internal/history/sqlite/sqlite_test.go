package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/pkgfeed/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventStart, OccurredAt: time.Now().UTC(), RunID: "r1", Subject: "registry", PID: 100, Outcome: history.OutcomeOK},
		{Type: history.EventPublish, OccurredAt: time.Now().UTC(), RunID: "r1", Subject: "a@1.0.0", Outcome: history.OutcomeSkipped, Detail: "already published"},
		{Type: history.EventPublish, OccurredAt: time.Now().UTC(), RunID: "r1", Subject: "b@2.0.0", Outcome: history.OutcomeOK},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	n, err := sink.count(ctx, "r1", history.EventPublish)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 publish events, got %d", n)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	e := history.Event{Type: history.EventStop, OccurredAt: time.Now().UTC(), RunID: "mem", Subject: "static", PID: 7}
	if err := sink.Send(ctx, e); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}
	n, err := sink.count(ctx, "mem", history.EventStop)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 stop event, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_Empty(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), RunID: "c", Subject: "registry"}
	if err := sink.Send(ctx, e); err == nil {
		t.Log("send with cancelled context succeeded")
	}
}

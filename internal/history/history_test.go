package history

import (
	"context"
	"testing"
	"time"
)

func TestNewBackendDisabledWithoutDSN(t *testing.T) {
	b, err := NewBackend(BackendConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b != nil {
		t.Fatal("expected a nil backend when no DSN is configured")
	}
}

func TestNewBackendRejectsUnknownScheme(t *testing.T) {
	_, err := NewBackend(BackendConfig{DSN: "mysql://localhost/db"})
	if err == nil {
		t.Fatal("expected an error for an unrecognized DSN scheme")
	}
}

func TestNewSQLiteBackendRequiresPath(t *testing.T) {
	_, err := NewSQLiteBackend("", BackendConfig{})
	if err == nil {
		t.Fatal("expected an error when no sqlite path is given")
	}
}

func TestSQLiteBackendEnqueueAndFlush(t *testing.T) {
	dir := t.TempDir()
	b, err := NewSQLiteBackend(dir+"/history.db", BackendConfig{BatchSize: 10})
	if err != nil {
		t.Fatalf("NewSQLiteBackend: %v", err)
	}
	defer b.Stop()

	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	b.Enqueue(Decision{Provider: "anthropic", Model: "claude-sonnet-4-5", Rank: 1, Success: true, DecidedAt: time.Now()})
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	summaries, err := b.QuerySummary(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("QuerySummary: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Provider != "anthropic" {
		t.Fatalf("expected one anthropic summary row, got %+v", summaries)
	}
}

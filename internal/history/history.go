// Package history implements the selection-history backend:
// an optional, pluggable record of every Selector decision, adapted from
// the usage.Backend/SQLiteBackend pair (request-usage tracking)
// to this domain's selection-decision tracking. Disabled unless a DSN is
// configured.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/pi-agent/model-selector/internal/config"
)

// Decision is one recorded Selector.Run outcome.
type Decision struct {
	Provider    string
	Model       string
	WindowLabel string
	Rank        int
	Reason      string
	Success     bool
	DecidedAt   time.Time
}

// Summary aggregates decisions for one provider over a time window.
type Summary struct {
	Provider     string
	Selections   int64
	FailureCount int64
}

// Backend defines the persistence contract for selection decisions.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Enqueue adds a decision to the write queue. Non-blocking.
	Enqueue(d Decision)
	// Flush forces pending records to be written to storage.
	Flush(ctx context.Context) error
	// QuerySummary returns per-provider decision counts since the given time.
	QuerySummary(ctx context.Context, since time.Time) ([]Summary, error)
	// Cleanup removes records older than the given time.
	Cleanup(ctx context.Context, before time.Time) (int64, error)
	// Start begins background workers (write loop, cleanup loop).
	Start() error
	// Stop gracefully shuts down the backend, flushing pending writes.
	Stop() error
}

// BackendConfig holds parameters for backend initialization.
type BackendConfig struct {
	// DSN is the database connection string (sqlite://... or postgres://...).
	DSN string
	// BatchSize is the number of records to batch before writing.
	BatchSize int
	// FlushInterval is how often to flush pending writes.
	FlushInterval time.Duration
	// RetentionDays is how many days of records to keep.
	RetentionDays int
}

// NewBackend creates the appropriate backend based on DSN configuration,
// or (nil, nil) if no DSN is set -- history is purely additive observability
// and never required for a selection to succeed.
func NewBackend(cfg BackendConfig) (Backend, error) {
	if cfg.DSN == "" {
		return nil, nil
	}
	parsed, err := config.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	switch parsed.Backend {
	case "postgres":
		return NewPostgresBackend(parsed.URL, cfg)
	case "sqlite":
		return NewSQLiteBackend(parsed.Path, cfg)
	default:
		return nil, fmt.Errorf("unknown history backend type: %q", parsed.Backend)
	}
}

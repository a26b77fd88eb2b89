package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pi-agent/model-selector/internal/logging"
)

// PostgresBackend implements Backend using PostgreSQL via pgx, following
// PostgresBackend: a pooled connection, schema-on-connect,
// and the same batching write/cleanup loop shape as SQLiteBackend.
type PostgresBackend struct {
	pool          *pgxpool.Pool
	recordChan    chan Decision
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
}

// NewPostgresBackend creates a new PostgreSQL-backed history persistence
// layer. The backend must be started with Start() before use.
func NewPostgresBackend(dsn string, cfg BackendConfig) (*PostgresBackend, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := ensurePostgresHistorySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}

	return &PostgresBackend{
		pool:          pool,
		recordChan:    make(chan Decision, defaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		retentionDays: retentionDays,
	}, nil
}

func ensurePostgresHistorySchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
	CREATE TABLE IF NOT EXISTS selection_decisions (
		id BIGSERIAL PRIMARY KEY,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		window_label TEXT NOT NULL DEFAULT '',
		rank INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL DEFAULT TRUE,
		decided_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_decided_at ON selection_decisions(decided_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_provider ON selection_decisions(provider);
	`
	_, err := pool.Exec(ctx, schema)
	return err
}

// Start begins background workers (write loop, cleanup loop).
func (b *PostgresBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

// Stop gracefully shuts down the backend, flushing pending writes.
func (b *PostgresBackend) Stop() error {
	if b == nil {
		return nil
	}
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		if b.pool != nil {
			b.pool.Close()
		}
	})
	return nil
}

// Enqueue adds a decision to the write queue. Non-blocking.
func (b *PostgresBackend) Enqueue(d Decision) {
	if b == nil {
		return
	}
	select {
	case b.recordChan <- d:
	default:
		logging.Warnf("model-selector: history queue full, dropping decision for %s/%s", d.Provider, d.Model)
	}
}

// Flush forces pending records to be written to storage.
func (b *PostgresBackend) Flush(ctx context.Context) error {
	if b == nil {
		return nil
	}
	batch := make([]Decision, 0, b.batchSize)
	for {
		select {
		case d := <-b.recordChan:
			batch = append(batch, d)
			if len(batch) >= b.batchSize {
				if err := b.writeBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				return b.writeBatch(ctx, batch)
			}
			return nil
		}
	}
}

// QuerySummary returns per-provider decision counts since the given time.
func (b *PostgresBackend) QuerySummary(ctx context.Context, since time.Time) ([]Summary, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT provider,
			COUNT(*),
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END)
		FROM selection_decisions
		WHERE decided_at >= $1
		GROUP BY provider
		ORDER BY COUNT(*) DESC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var s Summary
		if err := rows.Scan(&s.Provider, &s.Selections, &s.FailureCount); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Cleanup removes records older than the given time.
func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM selection_decisions WHERE decided_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (b *PostgresBackend) writeLoop() {
	defer b.wg.Done()
	batch := make([]Decision, 0, b.batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := b.writeBatch(ctx, batch); err != nil {
			logging.Errorf("model-selector: failed to write history batch: %v", err)
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case d := <-b.recordChan:
			batch = append(batch, d)
			if len(batch) >= b.batchSize {
				flush()
			}
		case <-b.flushTicker.C:
			flush()
		case <-b.stopChan:
			for {
				select {
				case d := <-b.recordChan:
					batch = append(batch, d)
					if len(batch) >= b.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (b *PostgresBackend) writeBatch(ctx context.Context, records []Decision) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, d := range records {
		_, err := tx.Exec(ctx, `
			INSERT INTO selection_decisions (provider, model, window_label, rank, reason, success, decided_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, d.Provider, d.Model, d.WindowLabel, d.Rank, d.Reason, d.Success, d.DecidedAt)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to insert decision: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (b *PostgresBackend) cleanupLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.cleanupTicker.C:
			cutoff := time.Now().AddDate(0, 0, -b.retentionDays)
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			n, err := b.Cleanup(ctx, cutoff)
			cancel()
			if err != nil {
				logging.Errorf("model-selector: failed to clean up history: %v", err)
			} else if n > 0 {
				logging.Infof("model-selector: cleaned up %d decisions older than %d days", n, b.retentionDays)
			}
		case <-b.stopChan:
			return
		}
	}
}

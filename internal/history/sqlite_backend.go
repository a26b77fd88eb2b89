package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pi-agent/model-selector/internal/logging"
)

// SQLiteBackend implements Backend over modernc.org/sqlite, following the
// teacher's SQLiteBackend: a buffered channel feeding a batching write
// loop, plus a daily cleanup loop, all under WAL mode.
type SQLiteBackend struct {
	db            *sql.DB
	recordChan    chan Decision
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	batchSize     int
	retentionDays int
	dbPath        string
}

const (
	defaultBatchSize         = 50
	defaultFlushInterval     = 5 * time.Second
	defaultRetentionDays     = 90
	defaultChannelBufferSize = 500
)

func initHistorySchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS selection_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		window_label TEXT NOT NULL DEFAULT '',
		rank INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		success BOOLEAN NOT NULL DEFAULT 1,
		decided_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_decided_at ON selection_decisions(decided_at);
	CREATE INDEX IF NOT EXISTS idx_decisions_provider ON selection_decisions(provider);
	`
	_, err := db.Exec(schema)
	return err
}

// NewSQLiteBackend creates a new SQLite-backed history persistence layer.
// The backend must be started with Start() before use.
func NewSQLiteBackend(dbPath string, cfg BackendConfig) (*SQLiteBackend, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if strings.HasPrefix(dbPath, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[1:])
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-64000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initHistorySchema(db); err != nil {
		_ = db.Close()
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

	return &SQLiteBackend{
		db:            db,
		recordChan:    make(chan Decision, defaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		retentionDays: retentionDays,
		dbPath:        dbPath,
	}, nil
}

// Start begins background workers (write loop, cleanup loop).
func (b *SQLiteBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

// Stop gracefully shuts down the backend, flushing pending writes.
func (b *SQLiteBackend) Stop() error {
	if b == nil {
		return nil
	}
	var err error
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		if b.db != nil {
			err = b.db.Close()
		}
	})
	return err
}

// Enqueue adds a decision to the write queue. Non-blocking: a full channel
// drops the record with a warning rather than blocking the Selector.
func (b *SQLiteBackend) Enqueue(d Decision) {
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
func (b *SQLiteBackend) Flush(ctx context.Context) error {
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
func (b *SQLiteBackend) QuerySummary(ctx context.Context, since time.Time) ([]Summary, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT provider,
			COUNT(*),
			SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END)
		FROM selection_decisions
		WHERE decided_at >= ?
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
func (b *SQLiteBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	result, err := b.db.ExecContext(ctx, `DELETE FROM selection_decisions WHERE decided_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (b *SQLiteBackend) writeLoop() {
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

func (b *SQLiteBackend) writeBatch(ctx context.Context, records []Decision) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO selection_decisions (provider, model, window_label, rank, reason, success, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, d := range records {
		if _, err := stmt.ExecContext(ctx, d.Provider, d.Model, d.WindowLabel, d.Rank, d.Reason, d.Success, d.DecidedAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert decision: %w", err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) cleanupLoop() {
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

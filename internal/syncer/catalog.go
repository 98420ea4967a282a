package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Catalog remembers which run logs were already delivered, so repeated
// sync invocations skip completed files.
type Catalog struct {
	db *sql.DB
	mu sync.Mutex
}

// SyncedRun is one catalog row.
type SyncedRun struct {
	WALPath   string
	RunID     string
	StorageID string
	Records   int
	SyncedAt  time.Time
}

const catalogSchema = `
CREATE TABLE IF NOT EXISTS synced_runs (
	wal_path   TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL,
	storage_id TEXT NOT NULL,
	records    INTEGER NOT NULL,
	synced_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_synced_runs_run_id ON synced_runs(run_id);
`

// NewCatalog opens (or creates) the catalog database at dbPath.
func NewCatalog(dbPath string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("syncer: failed to open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("syncer: failed to initialize catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// IsSynced reports whether walPath was already replayed to completion.
func (c *Catalog) IsSynced(ctx context.Context, walPath string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var runID string
	err := c.db.QueryRowContext(ctx,
		"SELECT run_id FROM synced_runs WHERE wal_path = ?", walPath,
	).Scan(&runID)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("syncer: failed to query catalog: %w", err)
	}
	return true, nil
}

// MarkSynced records a completed replay. Re-marking the same path
// replaces the previous row.
func (c *Catalog) MarkSynced(ctx context.Context, walPath, runID, storageID string, records int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO synced_runs (wal_path, run_id, storage_id, records, synced_at)
		 VALUES (?, ?, ?, ?, ?)`,
		walPath, runID, storageID, records, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("syncer: failed to record synced run: %w", err)
	}
	return nil
}

// Synced lists completed replays, newest first.
func (c *Catalog) Synced(ctx context.Context) ([]SyncedRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx,
		`SELECT wal_path, run_id, storage_id, records, synced_at
		 FROM synced_runs ORDER BY synced_at DESC, wal_path`)
	if err != nil {
		return nil, fmt.Errorf("syncer: failed to list synced runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncedRun
	for rows.Next() {
		var r SyncedRun
		var syncedAt int64
		if err := rows.Scan(&r.WALPath, &r.RunID, &r.StorageID, &r.Records, &syncedAt); err != nil {
			return nil, fmt.Errorf("syncer: failed to scan synced run: %w", err)
		}
		r.SyncedAt = time.Unix(syncedAt, 0)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("syncer: failed to iterate synced runs: %w", err)
	}
	return runs, nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

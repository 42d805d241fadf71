// Package rundb maintains a SQLite catalog of runs and their cache
// entries. The catalog is an index over the content store, not a source
// of truth: the filesystem always wins, and diagnostics reconcile the
// two.
package rundb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run is absent from the catalog.
var ErrRunNotFound = errors.New("run not found")

// Catalog is the SQLite-backed run catalog.
type Catalog struct {
	db   *sql.DB
	path string
}

// Config holds catalog configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewCatalog creates a new catalog instance. Call Init before use.
func NewCatalog(cfg Config) (*Catalog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &Catalog{path: cfg.Path}, nil
}

// Init opens the database, enables WAL mode, and runs migrations.
func (c *Catalog) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", c.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	c.db = db
	return c.migrate()
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// migrate applies the embedded schema migrations.
func (c *Catalog) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(c.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordSave upserts a cache entry, updates its run's aggregates, and
// appends a saved event, all in one transaction.
func (c *Catalog) RecordSave(ctx context.Context, entry CacheEntry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, first_seen_at, last_activity_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_activity_at = excluded.last_activity_at
	`, entry.RunID, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_entries
			(run_id, key, data_name, lineage_hash, plugin_version,
			 record_count, size_bytes, compressed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, key) DO UPDATE SET
			data_name      = excluded.data_name,
			lineage_hash   = excluded.lineage_hash,
			plugin_version = excluded.plugin_version,
			record_count   = excluded.record_count,
			size_bytes     = excluded.size_bytes,
			compressed     = excluded.compressed,
			updated_at     = excluded.updated_at
	`, entry.RunID, entry.Key, entry.DataName, entry.LineageHash, entry.PluginVersion,
		entry.RecordCount, entry.SizeBytes, entry.Compressed, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert cache entry: %w", err)
	}

	if err := c.refreshRunAggregates(ctx, tx, entry.RunID, now); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cache_events (run_id, key, event, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.RunID, entry.Key, EventSaved, "", now)
	if err != nil {
		return fmt.Errorf("failed to record save event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordDelete removes a cache entry from the catalog and appends a
// deleted event. Unknown entries only get the event.
func (c *Catalog) RecordDelete(ctx context.Context, runID, key, detail string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE run_id = ? AND key = ?`, runID, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}

	if err := c.refreshRunAggregates(ctx, tx, runID, now); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cache_events (run_id, key, event, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, key, EventDeleted, detail, now); err != nil {
		return fmt.Errorf("failed to record delete event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// refreshRunAggregates recomputes a run's entry count and total size.
func (c *Catalog) refreshRunAggregates(ctx context.Context, tx *sql.Tx, runID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE runs SET
			entry_count = (SELECT COUNT(*) FROM cache_entries WHERE run_id = ?),
			total_bytes = (SELECT COALESCE(SUM(size_bytes), 0) FROM cache_entries WHERE run_id = ?),
			last_activity_at = ?
		WHERE id = ?
	`, runID, runID, now, runID)
	if err != nil {
		return fmt.Errorf("failed to refresh run aggregates: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (c *Catalog) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	err := c.db.QueryRowContext(ctx, `
		SELECT id, first_seen_at, last_activity_at, entry_count, total_bytes
		FROM runs WHERE id = ?
	`, id).Scan(&run.ID, &run.FirstSeenAt, &run.LastActivityAt, &run.EntryCount, &run.TotalBytes)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns all runs ordered by most recent activity.
func (c *Catalog) ListRuns(ctx context.Context) ([]*Run, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, first_seen_at, last_activity_at, entry_count, total_bytes
		FROM runs ORDER BY last_activity_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(&run.ID, &run.FirstSeenAt, &run.LastActivityAt, &run.EntryCount, &run.TotalBytes); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListEntries returns the catalog's cache entries for a run, newest first.
func (c *Catalog) ListEntries(ctx context.Context, runID string) ([]*CacheEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, key, data_name, lineage_hash, plugin_version,
		       record_count, size_bytes, compressed, created_at, updated_at
		FROM cache_entries WHERE run_id = ?
		ORDER BY updated_at DESC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ListEntriesByDataName returns all entries for a data product across runs.
func (c *Catalog) ListEntriesByDataName(ctx context.Context, dataName string) ([]*CacheEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT run_id, key, data_name, lineage_hash, plugin_version,
		       record_count, size_bytes, compressed, created_at, updated_at
		FROM cache_entries WHERE data_name = ?
		ORDER BY run_id, updated_at DESC
	`, dataName)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*CacheEntry, error) {
	var entries []*CacheEntry
	for rows.Next() {
		e := &CacheEntry{}
		if err := rows.Scan(&e.RunID, &e.Key, &e.DataName, &e.LineageHash, &e.PluginVersion,
			&e.RecordCount, &e.SizeBytes, &e.Compressed, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListEvents returns a run's audit trail, newest first, up to limit rows.
func (c *Catalog) ListEvents(ctx context.Context, runID string, limit int) ([]*CacheEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, run_id, key, event, detail, created_at
		FROM cache_events WHERE run_id = ?
		ORDER BY id DESC LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache events: %w", err)
	}
	defer rows.Close()

	var events []*CacheEvent
	for rows.Next() {
		ev := &CacheEvent{}
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Key, &ev.Event, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

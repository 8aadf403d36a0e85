// Package store provides the embedded SQLite database and blob
// directory backing a single engine instance.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mercury-chat/engine/internal/logging"
	_ "modernc.org/sqlite"
)

// Connection pool constants.
const (
	// MaxOpenConns limits concurrent database connections. SQLite WAL
	// mode only supports one writer at a time, so having many
	// connections just increases lock contention.
	MaxOpenConns = 8

	// MaxIdleConns caps warm idle connections.
	MaxIdleConns = 4

	// CheckpointInterval is how often the background routine runs an
	// automatic WAL checkpoint, keeping the WAL file from growing
	// without bound between natural checkpoints.
	CheckpointInterval = 5 * time.Minute
)

// DB wraps the SQL handle and the blob directory that sits alongside it.
type DB struct {
	*sql.DB
	path     string
	blobsDir string
}

// Open opens or creates the SQLite database at path, and ensures the
// sibling blob directory (for message/attachment payloads that don't
// belong in SQL rows) exists.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	blobsDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobsDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create blob directory: %w", err)
	}

	// PRAGMAs are per-connection; embedding them in the DSN ensures
	// every pooled connection picks them up, not just the first one.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=cache_size(-64000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.SetMaxOpenConns(MaxOpenConns)
	db.SetMaxIdleConns(MaxIdleConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set database permissions: %w", err)
	}

	return &DB{DB: db, path: path, blobsDir: blobsDir}, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// BlobsDir returns the directory storing blob payloads referenced by
// the attachments table (spec §3 Message, §4.16 blob repack on import).
func (db *DB) BlobsDir() string { return db.blobsDir }

// BlobPath returns the on-disk path for a blob by its stored name.
func (db *DB) BlobPath(name string) string {
	return filepath.Join(db.blobsDir, name)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

// Checkpoint merges the write-ahead log back into the main database
// file, using PASSIVE mode so it never blocks a concurrent writer.
func (db *DB) Checkpoint() error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("store: checkpoint WAL: %w", err)
	}
	return nil
}

// StartCheckpointRoutine runs periodic WAL checkpoints until ctx is
// cancelled. Call once at engine startup.
func (db *DB) StartCheckpointRoutine(ctx context.Context) {
	log := logging.WithComponent("store")

	ticker := time.NewTicker(CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.Checkpoint(); err != nil {
				log.Error().Err(err).Msg("periodic WAL checkpoint failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Migrate runs all pending schema migrations in version order.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("store: create schema_version table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version > currentVersion {
			if err := db.applyMigration(m); err != nil {
				return fmt.Errorf("store: apply migration %d: %w", m.Version, err)
			}
		}
	}
	return nil
}

func (db *DB) applyMigration(m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.Version); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit()
}

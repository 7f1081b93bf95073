// Package db provides the local SQLite store for the sync queue.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "dukanx.db"

// DefaultBusyTimeout bounds how long a writer waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// DB wraps the sql.DB with DukanX-specific configuration.
type DB struct {
	*sql.DB
	Path string
}

// Open opens the SQLite database in dataDir and applies all embedded
// migrations. The database is opened with:
// - WAL mode for concurrent reads/writes
// - a busy timeout so concurrent writers queue instead of failing
// - foreign key constraints enabled
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := OpenPath(filepath.Join(dataDir, FileName))
	if err != nil {
		return nil, err
	}
	if err := Migrate(context.Background(), db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// OpenPath opens the database file at path without running migrations.
func OpenPath(path string) (*DB, error) {
	// modernc.org/sqlite is pure Go, no CGO
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", DefaultBusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return &DB{DB: sqlDB, Path: path}, nil
}

// Migrate brings the schema up to date using the embedded migrations.
func Migrate(ctx context.Context, sqlDB *sql.DB) error {
	m := NewMigrator(sqlDB, Migrations())
	if err := m.Init(ctx); err != nil {
		return err
	}
	return m.Up(ctx)
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}

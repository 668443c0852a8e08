// Package db is the SQL archive backend for work orders and runs. It
// offers the same storage.Store interface as the file backend, over a
// driver abstraction covering SQLite (default) and PostgreSQL.
package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/agentgate/agentgate/internal/db/driver"
)

//go:embed schema
var schemaFS embed.FS

// embedFSAdapter exposes embed.FS through driver.SchemaFS.
type embedFSAdapter struct {
	fs embed.FS
}

func (e *embedFSAdapter) ReadDir(name string) ([]driver.DirEntry, error) {
	entries, err := e.fs.ReadDir(name)
	if err != nil {
		return nil, err
	}
	out := make([]driver.DirEntry, len(entries))
	for i, entry := range entries {
		out[i] = dirEntryAdapter{entry}
	}
	return out, nil
}

func (e *embedFSAdapter) ReadFile(name string) ([]byte, error) {
	return e.fs.ReadFile(name)
}

type dirEntryAdapter struct {
	fs.DirEntry
}

func (d dirEntryAdapter) Name() string { return d.DirEntry.Name() }
func (d dirEntryAdapter) IsDir() bool  { return d.DirEntry.IsDir() }

// DB wraps an open, migrated archive database.
type DB struct {
	drv driver.Driver
	dsn string
}

// Open opens (creating if needed) a SQLite archive at the given path.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}
	return OpenWithDialect(driver.DialectSQLite, path)
}

// OpenInMemory opens a private in-memory SQLite archive. Each call gets
// an isolated database; used in tests.
func OpenInMemory() (*DB, error) {
	return OpenWithDialect(driver.DialectSQLite, ":memory:")
}

// OpenWithDialect opens an archive on the given dialect and runs the
// schema migrations.
func OpenWithDialect(dialect driver.Dialect, dsn string) (*DB, error) {
	drv, err := driver.New(dialect)
	if err != nil {
		return nil, err
	}
	if err := drv.Open(dsn); err != nil {
		return nil, err
	}
	if err := drv.Migrate(context.Background(), &embedFSAdapter{fs: schemaFS}); err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &DB{drv: drv, dsn: dsn}, nil
}

// Driver returns the underlying driver.
func (d *DB) Driver() driver.Driver {
	return d.drv
}

// Close closes the database.
func (d *DB) Close() error {
	return d.drv.Close()
}

// Package database provides the narrow SQLite query interface the rest of
// the daemon is written against.
//
// The concrete engine is ncruces/go-sqlite3 (pure Go, wazero-backed), the
// same driver the storage layer has always used. Callers treat the store as
// an opaque durable table store: Exec for writes, the typed helpers for
// reads. Cross-table integrity is enforced by the schema's foreign keys.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"
)

// ErrNoResults is returned when a query matched no rows.
var ErrNoResults = errors.New("no results")

// ErrInvalidResult is returned when a row does not scan into the shape the
// caller asked for.
var ErrInvalidResult = errors.New("invalid result")

// DB wraps a single SQLite database connection pool.
type DB struct {
	db     *sql.DB
	path   string
	closed atomic.Bool
}

// setupWASMCache configures WASM compilation caching so the SQLite engine
// is not re-JITted on every process start. Falls back to an in-memory
// cache when the cache directory cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "micasa", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Open opens (creating if necessary) the database at path and initializes
// the schema. Failure here is fatal to the process; there is no degraded
// mode without a store.
func Open(ctx context.Context, path string) (*DB, error) {
	var connStr string
	isInMemory := path == ":memory:"
	if isInMemory {
		// Shared cache so every pooled connection sees the same data.
		// WAL does not work for in-memory databases.
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		// In-memory databases are isolated per connection by default;
		// force a single connection so writes are visible everywhere.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer plus unlimited readers; cap the pool so
		// scheduler workers cannot pile up on write-lock contention.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close checkpoints the WAL and closes the pool. Safe to call twice.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	_, _ = d.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return d.db.Close()
}

// Path returns the path the database was opened with.
func (d *DB) Path() string { return d.path }

// Exec runs a statement and returns the number of affected rows.
func (d *DB) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Insert runs an INSERT statement and returns the new row id.
func (d *DB) Insert(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Query exposes raw row iteration for callers that scan into typed
// destinations themselves.
func (d *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return d.db.QueryContext(ctx, query, args...)
}

// Value scans a single-column, single-row result into T.
func Value[T any](ctx context.Context, d *DB, query string, args ...any) (T, error) {
	var out T
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return out, ErrNoResults
	}
	if err != nil {
		if isScanError(err) {
			return out, fmt.Errorf("%w: %v", ErrInvalidResult, err)
		}
		return out, err
	}
	return out, nil
}

// Row returns the first result row as a column-name keyed map, or
// ErrNoResults.
func Row(ctx context.Context, d *DB, query string, args ...any) (map[string]any, error) {
	rows, err := Rows(ctx, d, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoResults
	}
	return rows[0], nil
}

// Rows returns all result rows as column-name keyed maps. An empty result
// is not an error here; callers that require at least one row use Row.
func Rows(ctx context.Context, d *DB, query string, args ...any) ([]map[string]any, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}

	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResult, err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func isScanError(err error) bool {
	// database/sql wraps destination conversion failures with this prefix.
	return err != nil && strings.Contains(err.Error(), "Scan error")
}

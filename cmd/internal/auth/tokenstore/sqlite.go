package tokenstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);`

// SQLiteBackend stores values in a single-file SQLite database.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and wraps it in a store.
// path ":memory:" gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*KV, error) {
	b, err := OpenSQLiteBackend(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(b, opts...), nil
}

// OpenSQLiteBackend opens the backend without wrapping it.
func OpenSQLiteBackend(ctx context.Context, path string) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("tokenstore: empty sqlite path")
	}

	memory := path == ":memory:"
	dsn := path
	if !memory {
		// Tokens are credentials; keep the directory private.
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("tokenstore: create directory: %w", err)
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: open sqlite: %w", err)
	}
	if memory {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tokenstore: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("tokenstore: migrate sqlite: %w", err)
	}
	if !memory {
		_ = os.Chmod(path, 0o600)
	}
	return &SQLiteBackend{db: db, path: path}, nil
}

// Path returns the database location.
func (b *SQLiteBackend) Path() string { return b.path }

func (b *SQLiteBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *SQLiteBackend) Set(ctx context.Context, key, value string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().UTC())
	return err
}

// Delete removes keys in one transaction so a sign-out never leaves a partial set.
func (b *SQLiteBackend) Delete(ctx context.Context, keys ...string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

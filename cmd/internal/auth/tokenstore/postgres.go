package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend shares tokens across a fleet of kiosks; each kiosk owns one
// profile row set.
//
// Ownership model: the backend does NOT own the pool unless it was created by
// OpenPostgres.
type PostgresBackend struct {
	pool    *pgxpool.Pool
	schema  string
	profile string
	owned   bool
}

// PostgresOption configures PostgresBackend.
type PostgresOption func(*PostgresBackend) error

// WithSchema sets the schema holding client_tokens (default "dash").
func WithSchema(schema string) PostgresOption {
	return func(b *PostgresBackend) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("tokenstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("tokenstore: invalid schema identifier")
		}
		b.schema = schema
		return nil
	}
}

// WithProfile sets the profile name keying this client's rows (default "default").
func WithProfile(profile string) PostgresOption {
	return func(b *PostgresBackend) error {
		profile = strings.TrimSpace(profile)
		if profile == "" {
			return errors.New("tokenstore: empty profile")
		}
		b.profile = profile
		return nil
	}
}

// NewPostgresBackend wraps a caller-owned pool.
func NewPostgresBackend(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresBackend, error) {
	b := &PostgresBackend{pool: pool, schema: "dash", profile: "default"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.pool == nil {
		return nil, errors.New("tokenstore: nil pool")
	}
	return b, nil
}

// OpenPostgres dials databaseURL, ensures the table and wraps it in a store.
// Close on the returned store closes the pool.
func OpenPostgres(ctx context.Context, databaseURL string, pgOpts []PostgresOption, opts ...Option) (*KV, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: connect postgres: %w", err)
	}
	b, err := NewPostgresBackend(pool, pgOpts...)
	if err != nil {
		pool.Close()
		return nil, err
	}
	b.owned = true
	if err := b.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return New(b, opts...), nil
}

// EnsureSchema creates the schema and table when missing.
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{b.schema}.Sanitize()); err != nil {
		return fmt.Errorf("tokenstore: create schema: %w", err)
	}
	_, err := b.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS `+b.table()+` (
  profile    TEXT        NOT NULL,
  key        TEXT        NOT NULL,
  value      TEXT        NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (profile, key)
)`)
	if err != nil {
		return fmt.Errorf("tokenstore: create table: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := b.pool.QueryRow(ctx,
		`SELECT value FROM `+b.table()+` WHERE profile = $1 AND key = $2`,
		b.profile, key,
	).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *PostgresBackend) Set(ctx context.Context, key, value string) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO `+b.table()+` (profile, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (profile, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, b.profile, key, value, time.Now().UTC())
	return err
}

func (b *PostgresBackend) Delete(ctx context.Context, keys ...string) error {
	_, err := b.pool.Exec(ctx,
		`DELETE FROM `+b.table()+` WHERE profile = $1 AND key = ANY($2)`,
		b.profile, keys,
	)
	return err
}

// Close closes the pool when the backend opened it.
func (b *PostgresBackend) Close() error {
	if b.owned {
		b.pool.Close()
	}
	return nil
}

func (b *PostgresBackend) table() string {
	return pgx.Identifier{b.schema, "client_tokens"}.Sanitize()
}

var pgIdentRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

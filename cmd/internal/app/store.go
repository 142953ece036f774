package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/attia12/stage-mouna/cmd/internal/auth/tokenstore"
	"github.com/attia12/stage-mouna/cmd/security/seal"
)

// openStore builds the token store selected by cfg.Driver. The returned pool
// is non-nil for the postgres driver and is owned by the caller.
func openStore(ctx context.Context, cfg StoreConfig, log Logger) (*tokenstore.KV, *pgxpool.Pool, error) {
	opts := []tokenstore.Option{tokenstore.WithLogger(log)}
	if cfg.Passphrase != "" {
		sl, err := seal.New(cfg.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, tokenstore.WithSealer(sl))
	}

	switch cfg.Driver {
	case DriverMemory:
		log.Info("store.open", "driver", cfg.Driver)
		return tokenstore.NewMemory(opts...), nil, nil

	case DriverSQLite:
		path := expandHome(cfg.Path)
		st, err := tokenstore.OpenSQLite(ctx, path, opts...)
		if err != nil {
			return nil, nil, err
		}
		log.Info("store.open", "driver", cfg.Driver, "path", path, "sealed", cfg.Passphrase != "")
		return st, nil, nil

	case DriverPostgres:
		pool, err := newDBPool(ctx, cfg.DatabaseURL, cfg.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("store: %w", err)
		}
		b, err := tokenstore.NewPostgresBackend(pool,
			tokenstore.WithSchema(cfg.Schema),
			tokenstore.WithProfile(cfg.Profile),
		)
		if err == nil {
			err = b.EnsureSchema(ctx)
		}
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("store.open", "driver", cfg.Driver, "schema", cfg.Schema, "profile", cfg.Profile, "sealed", cfg.Passphrase != "")
		return tokenstore.New(b, opts...), pool, nil

	default:
		return nil, nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
	}
}

// newDBPool builds a pgxpool and validates connectivity.
func newDBPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := pingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// pingDB checks if we can acquire a connection within timeout.
func pingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	conn.Release()
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

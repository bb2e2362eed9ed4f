// Package db opens the Postgres pool and creates the schema.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pool to url and pings it.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, errors.New("database url is empty")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// Table is a store that can create its own table.
type Table interface {
	EnsureTable(ctx context.Context) error
}

// Named pairs a table with a name for error messages.
type Named struct {
	Name  string
	Table Table
}

// EnsureSchema creates tables in order. Referenced tables must come first.
func EnsureSchema(ctx context.Context, tables ...Named) error {
	for _, t := range tables {
		if err := t.Table.EnsureTable(ctx); err != nil {
			return fmt.Errorf("ensure %s table: %w", t.Name, err)
		}
	}
	return nil
}

// Package cache is the client's local sqlite store: the last known dataset, the outbox of
// mutations that could not reach the server, and a few session flags.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/bilbo-22/familist/pkg/model"
)

var ErrNoSnapshot = errors.New("no cached snapshot")

type Cache struct {
	db *sql.DB
}

// Open creates or opens the cache database at path. ":memory:" gives a private in-memory cache.
func Open(path string) (*Cache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	// one connection keeps :memory: a single database and serializes writers
	db.SetMaxOpenConns(1)
	c := &Cache{db: db}
	if err := c.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) init() error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS snapshot (
			id integer not null primary key check (id = 1),
			content text not null,
			updated_at integer not null
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			seq integer primary key autoincrement,
			key text not null unique,
			method text not null,
			path text not null,
			body blob,
			created_at integer not null
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key text not null primary key,
			value text not null
		)`,
	} {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create cache tables: %w", err)
		}
	}
	return nil
}

func (c *Cache) Close() error {
	return c.db.Close()
}

// SaveSnapshot replaces the cached dataset.
func (c *Cache) SaveSnapshot(ctx context.Context, d model.Dataset) error {
	return saveSnapshot(ctx, c.db, d)
}

// LoadSnapshot returns ErrNoSnapshot until a dataset has been saved.
func (c *Cache) LoadSnapshot(ctx context.Context) (model.Dataset, error) {
	return loadSnapshot(ctx, c.db)
}

// UpdateSnapshot applies fn to the cached dataset (empty if none) in one transaction.
func (c *Cache) UpdateSnapshot(ctx context.Context, fn func(d *model.Dataset)) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()
	d, err := loadSnapshot(ctx, tx)
	if errors.Is(err, ErrNoSnapshot) {
		d = model.Dataset{}.Clone()
	} else if err != nil {
		return err
	}
	fn(&d)
	if err := saveSnapshot(ctx, tx, d); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func saveSnapshot(ctx context.Context, q querier, d model.Dataset) error {
	raw, err := json.Marshal(d.Clone())
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if _, err := q.ExecContext(
		ctx, `INSERT OR REPLACE INTO snapshot (id, content, updated_at) VALUES (1, ?, ?)`,
		string(raw), time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, q querier) (model.Dataset, error) {
	var raw string
	if err := q.QueryRowContext(ctx, `SELECT content FROM snapshot WHERE id = 1`).Scan(&raw); errors.Is(err, sql.ErrNoRows) {
		return model.Dataset{}, ErrNoSnapshot
	} else if err != nil {
		return model.Dataset{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	var d model.Dataset
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return model.Dataset{}, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return d.Clone(), nil
}

// SetMeta stores a session flag.
func (c *Cache) SetMeta(ctx context.Context, key, value string) error {
	if _, err := c.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Meta(ctx context.Context, key string) (string, bool, error) {
	var value string
	if err := c.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value); errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

func (c *Cache) DeleteMeta(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

package cache

import (
	"context"
	"fmt"
	"time"
)

// Entry is a mutation request that failed to reach the server. Key is sent as the
// Idempotency-Key when it is replayed.
type Entry struct {
	Seq       int64
	Key       string
	Method    string
	Path      string
	Body      []byte
	CreatedAt time.Time
}

// Enqueue appends a request to the outbox. Re-enqueueing a key already present is a no-op.
func (c *Cache) Enqueue(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if _, err := c.db.ExecContext(
		ctx, `INSERT OR IGNORE INTO outbox (key, method, path, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.Key, e.Method, e.Path, e.Body, e.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

// Pending lists outbox entries oldest first.
func (c *Cache) Pending(ctx context.Context) ([]Entry, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT seq, key, method, path, body, created_at FROM outbox ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			created int64
		)
		if err := rows.Scan(&e.Seq, &e.Key, &e.Method, &e.Path, &e.Body, &created); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		e.CreatedAt = time.UnixMilli(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	return out, nil
}

func (c *Cache) Remove(ctx context.Context, seq int64) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM outbox WHERE seq = ?`, seq); err != nil {
		return fmt.Errorf("failed to remove outbox entry %d: %w", seq, err)
	}
	return nil
}

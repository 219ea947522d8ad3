// Package cache is the agent's only persisted state across restarts
// (§6): a local SQLite-backed store-and-forward queue for the log
// shipper. Every other component treats the IaaS API as the sole
// source of truth and keeps nothing on disk.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rs/zerolog"

	"github.com/virctl/robot/pkg/log"
)

// Cache wraps the local SQLite database the log shipper uses to queue
// lines that could not be forwarded immediately, so a restart does not
// lose them.
type Cache struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the shipping queue table exists.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	const schema = `
CREATE TABLE IF NOT EXISTS shipped_lines (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	line TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}

	return &Cache{db: db, logger: log.WithComponent("cache")}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Enqueue queues one log line for shipment.
func (c *Cache) Enqueue(ctx context.Context, line string) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO shipped_lines (line, created_at) VALUES (?, ?)`, line, time.Now().UTC())
	return err
}

// Pending returns up to limit queued lines, oldest first, along with
// their row ids so the caller can delete them once shipped.
func (c *Cache) Pending(ctx context.Context, limit int) (ids []int64, lines []string, err error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, line FROM shipped_lines ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("querying pending lines: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var line string
		if err := rows.Scan(&id, &line); err != nil {
			return nil, nil, fmt.Errorf("scanning pending line: %w", err)
		}
		ids = append(ids, id)
		lines = append(lines, line)
	}
	return ids, lines, rows.Err()
}

// Ack deletes rows that have been shipped successfully.
func (c *Cache) Ack(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		if _, err := c.db.ExecContext(ctx, `DELETE FROM shipped_lines WHERE id = ?`, id); err != nil {
			return fmt.Errorf("deleting shipped line %d: %w", id, err)
		}
	}
	return nil
}

// Package sqlite stores responses to keyed proxy calls so retried requests
// replay the original outcome instead of spending twice.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/allowance/pkg/models"
)

// Cache is an idempotency-key response cache backed by SQLite.
type Cache struct {
	db     *sql.DB
	ttl    time.Duration
	hits   atomic.Int64
	misses atomic.Int64
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS idempotency_entries (
	key_hash TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	response BLOB NOT NULL,
	created_unix INTEGER NOT NULL,
	expires_unix INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idem_session ON idempotency_entries(session_id);
`

// New creates a Cache with the given database path and entry TTL.
func New(dbPath string, ttl time.Duration) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Cache{db: db, ttl: ttl}, nil
}

// HashKey scopes a client idempotency key to its session.
func HashKey(sessionID, key string) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Get returns the stored response for the key, if present and not expired.
func (c *Cache) Get(ctx context.Context, sessionID, key string) (models.IdempotencyEntry, bool) {
	e := models.IdempotencyEntry{Key: key, SessionID: sessionID}
	var created, expires int64

	err := c.db.QueryRowContext(ctx,
		`SELECT status_code, response, created_unix, expires_unix FROM idempotency_entries WHERE key_hash = ?`,
		HashKey(sessionID, key),
	).Scan(&e.StatusCode, &e.Response, &created, &expires)
	if err != nil {
		c.misses.Add(1)
		return models.IdempotencyEntry{}, false
	}

	e.CreatedAt = time.Unix(0, created).UTC()
	e.TTL = time.Duration(expires - created)
	if time.Now().UnixNano() > expires {
		c.misses.Add(1)
		return models.IdempotencyEntry{}, false
	}

	c.hits.Add(1)
	return e, true
}

// Put stores a response. The first stored response for a key wins until it expires.
func (c *Cache) Put(ctx context.Context, e models.IdempotencyEntry) error {
	if e.Key == "" {
		return errors.New("cache put: empty key")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	ttl := e.TTL
	if ttl <= 0 {
		ttl = c.ttl
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO idempotency_entries (key_hash, session_id, status_code, response, created_unix, expires_unix)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key_hash) DO UPDATE SET
			status_code = excluded.status_code,
			response = excluded.response,
			created_unix = excluded.created_unix,
			expires_unix = excluded.expires_unix
		 WHERE idempotency_entries.expires_unix < excluded.created_unix`,
		HashKey(e.SessionID, e.Key), e.SessionID, e.StatusCode, e.Response,
		e.CreatedAt.UnixNano(), e.CreatedAt.Add(ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_entries`).Scan(&count)
	if err != nil {
		return models.CacheStats{}, fmt.Errorf("cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes entries. If expiredOnly is true, only expired entries are removed.
func (c *Cache) Clear(ctx context.Context, expiredOnly bool) error {
	query := `DELETE FROM idempotency_entries`
	var args []any
	if expiredOnly {
		query += ` WHERE expires_unix < ?`
		args = append(args, time.Now().UnixNano())
	}
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

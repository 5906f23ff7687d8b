// Package audit keeps a SQLite log of signed authorizations and how their
// verification went.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/allowance/pkg/models"
)

// Logger writes and queries authorization records in a dedicated SQLite database.
type Logger struct {
	db   *sql.DB
	cfg  models.AuditConfig
	done chan struct{}
	wg   sync.WaitGroup
}

// New opens the audit SQLite database and creates the schema.
func New(cfg models.AuditConfig) (*Logger, error) {
	db, err := sql.Open("sqlite", cfg.DBPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit db: %w", err)
	}

	l := &Logger{
		db:   db,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	if cfg.RetentionDays > 0 {
		l.wg.Add(1)
		go l.retentionLoop()
	}

	return l, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS authorizations (
		id           TEXT PRIMARY KEY,
		key_id       TEXT NOT NULL,
		kind         TEXT NOT NULL,
		principal    TEXT NOT NULL,
		session_id   TEXT,
		nonce        INTEGER NOT NULL,
		amount       TEXT NOT NULL,
		message      TEXT,
		message_hash TEXT NOT NULL,
		verified     INTEGER NOT NULL,
		failure      TEXT,
		created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_auth_key ON authorizations(key_id)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_auth_created ON authorizations(created_at)`)
	return err
}

// Log inserts a record. A nil Logger discards it.
func (l *Logger) Log(ctx context.Context, rec models.AuthorizationRecord) error {
	if l == nil || l.db == nil {
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	msg := rec.Message
	if !l.cfg.StoreMessages {
		msg = ""
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO authorizations
		(id, key_id, kind, principal, session_id, nonce, amount, message, message_hash, verified, failure, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.KeyID, rec.Kind, rec.Principal, rec.SessionID,
		int64(rec.Nonce), rec.Amount.String(), msg, Fingerprint(rec.Message),
		rec.Verified, rec.Failure, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("log authorization: %w", err)
	}
	return nil
}

// Query returns records matching the given options, newest first.
func (l *Logger) Query(ctx context.Context, opts models.AuditQueryOpts) ([]models.AuthorizationRecord, error) {
	q := `SELECT id, key_id, kind, principal, session_id, nonce, amount, message, verified, failure, created_at
		FROM authorizations WHERE 1=1`
	var args []any

	if opts.KeyID != "" {
		q += " AND key_id = ?"
		args = append(args, opts.KeyID)
	}
	if opts.Kind != "" {
		q += " AND kind = ?"
		args = append(args, opts.Kind)
	}
	if opts.Principal != "" {
		q += " AND principal = ?"
		args = append(args, opts.Principal)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UTC())
	}
	if opts.Failed {
		q += " AND verified = 0"
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuthorizationRecord
	for rows.Next() {
		var r models.AuthorizationRecord
		var sessionID, message, failure sql.NullString
		var nonce int64
		var amount string
		if err := rows.Scan(
			&r.ID, &r.KeyID, &r.Kind, &r.Principal, &sessionID,
			&nonce, &amount, &message, &r.Verified, &failure, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		r.SessionID = sessionID.String
		r.Message = message.String
		r.Failure = failure.String
		r.Nonce = uint64(nonce)
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse audit amount %q: %w", amount, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Stats returns counts grouped by kind and day.
func (l *Logger) Stats(ctx context.Context) ([]models.AuditStat, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT kind, substr(created_at, 1, 10) AS day, count(*) AS cnt,
		        sum(CASE WHEN verified = 0 THEN 1 ELSE 0 END) AS failures
		 FROM authorizations GROUP BY kind, day ORDER BY day DESC, kind`)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	var stats []models.AuditStat
	for rows.Next() {
		var s models.AuditStat
		var day sql.NullString
		if err := rows.Scan(&s.Kind, &day, &s.Count, &s.Failures); err != nil {
			return nil, fmt.Errorf("scan audit stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes records older than the configured retention period.
func (l *Logger) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.cfg.RetentionDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM authorizations WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	return l.db.Close()
}

func (l *Logger) retentionLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			_, _ = l.Cleanup(context.Background())
		}
	}
}

// Fingerprint returns the SHA-256 hex digest of a signed message.
func Fingerprint(message string) string {
	h := sha256.Sum256([]byte(message))
	return hex.EncodeToString(h[:])
}

// Package tracker keeps a durable journal of ledger transactions.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/allowance/pkg/models"
)

// Tracker records and queries journaled transactions.
type Tracker interface {
	// Append stores one transaction. Appending the same ID twice is a no-op.
	Append(ctx context.Context, tx models.Transaction) error
	// QueryByPrincipal returns transactions paid by principal since a given time, newest first.
	QueryByPrincipal(ctx context.Context, principal string, since time.Time) ([]models.Transaction, error)
	// TotalByPrincipal returns the accepted amount paid by principal since a given time.
	TotalByPrincipal(ctx context.Context, principal string, since time.Time) (decimal.Decimal, error)
	// Summary aggregates transactions per principal and category, optionally filtered by principal.
	Summary(ctx context.Context, principal string) ([]models.TransactionSummary, error)
	// Close releases resources.
	Close() error
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	from_principal TEXT NOT NULL,
	to_principal TEXT NOT NULL,
	amount TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	offering_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	rejection_reason TEXT NOT NULL DEFAULT '',
	origin TEXT NOT NULL DEFAULT 'local',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tx_from_time ON transactions(from_principal, created_at);
`

// New creates a SQLiteTracker and runs auto-migration.
func New(dbPath string) (*SQLiteTracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open tracker db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}

	return &SQLiteTracker{db: db}, nil
}

// Append stores a transaction.
func (t *SQLiteTracker) Append(ctx context.Context, tx models.Transaction) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO transactions (id, from_principal, to_principal, amount, category, offering_id, status, rejection_reason, origin, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		tx.ID, tx.From, tx.To, tx.Amount.String(), tx.Category, tx.OfferingID,
		string(tx.Status), tx.RejectionReason, string(tx.Origin), tx.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// QueryByPrincipal returns transactions paid by principal since a given time.
func (t *SQLiteTracker) QueryByPrincipal(ctx context.Context, principal string, since time.Time) ([]models.Transaction, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, from_principal, to_principal, amount, category, offering_id, status, rejection_reason, origin, created_at
		 FROM transactions WHERE from_principal = ? AND created_at >= ? ORDER BY created_at DESC`,
		principal, since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// TotalByPrincipal sums accepted amounts. Amounts are stored as text so the
// sum is computed with decimals rather than SQLite REAL arithmetic.
func (t *SQLiteTracker) TotalByPrincipal(ctx context.Context, principal string, since time.Time) (decimal.Decimal, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT amount FROM transactions WHERE from_principal = ? AND status = ? AND created_at >= ?`,
		principal, string(models.OutcomeAccepted), since.UTC(),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("total transactions: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("scan amount: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse amount %q: %w", raw, err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}

// Summary returns transactions aggregated by principal and category.
func (t *SQLiteTracker) Summary(ctx context.Context, principal string) ([]models.TransactionSummary, error) {
	query := `SELECT from_principal, category, status, amount FROM transactions`
	var args []any
	if principal != "" {
		query += ` WHERE from_principal = ?`
		args = append(args, principal)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	agg := newAggregator()
	for rows.Next() {
		var from, category, status, raw string
		if err := rows.Scan(&from, &category, &status, &raw); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", raw, err)
		}
		agg.add(from, category, models.Outcome(status), amount)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return agg.summaries(), nil
}

// Close releases the database connection.
func (t *SQLiteTracker) Close() error {
	return t.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (models.Transaction, error) {
	var tx models.Transaction
	var amount, status, origin string
	if err := s.Scan(&tx.ID, &tx.From, &tx.To, &amount, &tx.Category, &tx.OfferingID,
		&status, &tx.RejectionReason, &origin, &tx.Timestamp); err != nil {
		return tx, fmt.Errorf("scan transaction: %w", err)
	}
	a, err := decimal.NewFromString(amount)
	if err != nil {
		return tx, fmt.Errorf("parse amount %q: %w", amount, err)
	}
	tx.Amount = a
	tx.Status = models.Outcome(status)
	tx.Origin = models.Origin(origin)
	return tx, nil
}

type aggregator struct {
	rows map[[2]string]*models.TransactionSummary
}

func newAggregator() *aggregator {
	return &aggregator{rows: make(map[[2]string]*models.TransactionSummary)}
}

func (a *aggregator) add(principal, category string, status models.Outcome, amount decimal.Decimal) {
	key := [2]string{principal, category}
	s, ok := a.rows[key]
	if !ok {
		s = &models.TransactionSummary{Principal: principal, Category: category}
		a.rows[key] = s
	}
	if status == models.OutcomeAccepted {
		s.Accepted++
		s.TotalAccepted = s.TotalAccepted.Add(amount)
	} else {
		s.Rejected++
	}
}

func (a *aggregator) summaries() []models.TransactionSummary {
	out := make([]models.TransactionSummary, 0, len(a.rows))
	for _, s := range a.rows {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Principal != out[j].Principal {
			return out[i].Principal < out[j].Principal
		}
		return out[i].Category < out[j].Category
	})
	return out
}

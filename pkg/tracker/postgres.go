package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/pario-ai/allowance/pkg/models"
)

// PostgresTracker implements Tracker on PostgreSQL. Amounts are NUMERIC and
// totals are summed by the database.
type PostgresTracker struct {
	db *sql.DB
}

const createPostgresTable = `
CREATE TABLE IF NOT EXISTS transactions (
	id TEXT PRIMARY KEY,
	from_principal TEXT NOT NULL,
	to_principal TEXT NOT NULL,
	amount NUMERIC(20, 8) NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	offering_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	rejection_reason TEXT NOT NULL DEFAULT '',
	origin TEXT NOT NULL DEFAULT 'local',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_tx_from_time ON transactions(from_principal, created_at);
`

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db}
}

// OpenPostgres connects with dsn and creates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresTracker, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	t := NewPostgres(db)
	if err := t.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

// Migrate creates the journal table.
func (t *PostgresTracker) Migrate(ctx context.Context) error {
	if _, err := t.db.ExecContext(ctx, createPostgresTable); err != nil {
		return fmt.Errorf("migrate postgres journal: %w", err)
	}
	return nil
}

// Append stores a transaction.
func (t *PostgresTracker) Append(ctx context.Context, tx models.Transaction) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO transactions (id, from_principal, to_principal, amount, category, offering_id, status, rejection_reason, origin, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		tx.ID, tx.From, tx.To, tx.Amount, tx.Category, tx.OfferingID,
		string(tx.Status), tx.RejectionReason, string(tx.Origin), tx.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append transaction: %w", err)
	}
	return nil
}

// QueryByPrincipal returns transactions paid by principal since a given time.
func (t *PostgresTracker) QueryByPrincipal(ctx context.Context, principal string, since time.Time) ([]models.Transaction, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, from_principal, to_principal, amount, category, offering_id, status, rejection_reason, origin, created_at
		 FROM transactions WHERE from_principal = $1 AND created_at >= $2 ORDER BY created_at DESC`,
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

// TotalByPrincipal returns the accepted amount paid by principal since a given time.
func (t *PostgresTracker) TotalByPrincipal(ctx context.Context, principal string, since time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := t.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE from_principal = $1 AND status = $2 AND created_at >= $3`,
		principal, string(models.OutcomeAccepted), since.UTC(),
	).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("total transactions: %w", err)
	}
	return total, nil
}

// Summary returns transactions aggregated by principal and category.
func (t *PostgresTracker) Summary(ctx context.Context, principal string) ([]models.TransactionSummary, error) {
	query := `SELECT from_principal, category,
		COUNT(*) FILTER (WHERE status = 'accepted'),
		COUNT(*) FILTER (WHERE status <> 'accepted'),
		COALESCE(SUM(amount) FILTER (WHERE status = 'accepted'), 0)
		FROM transactions`
	var args []any
	if principal != "" {
		query += ` WHERE from_principal = $1`
		args = append(args, principal)
	}
	query += ` GROUP BY from_principal, category ORDER BY from_principal, category`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var out []models.TransactionSummary
	for rows.Next() {
		var s models.TransactionSummary
		if err := rows.Scan(&s.Principal, &s.Category, &s.Accepted, &s.Rejected, &s.TotalAccepted); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (t *PostgresTracker) Close() error {
	return t.db.Close()
}

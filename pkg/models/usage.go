package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PrincipalAccount holds a principal's balance and running spend totals.
// Only the ledger commit path mutates it.
type PrincipalAccount struct {
	ID             string          `json:"id"`
	Balance        decimal.Decimal `json:"balance"`
	SpentToday     decimal.Decimal `json:"spent_today"`
	SpentLifetime  decimal.Decimal `json:"spent_lifetime"`
	DayWindowStart time.Time       `json:"day_window_start"`
}

// SpendAttempt is a validated request to move money.
type SpendAttempt struct {
	Amount         decimal.Decimal `json:"amount"`
	Counterparty   string          `json:"counterparty"`
	Category       string          `json:"category,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	RequestedNonce *uint64         `json:"requested_nonce,omitempty"`
}

// NewSpendAttempt validates the boundary input once.
func NewSpendAttempt(amount decimal.Decimal, counterparty, category string, ts time.Time) (SpendAttempt, error) {
	if !amount.IsPositive() {
		return SpendAttempt{}, errors.New("spend attempt: amount must be positive")
	}
	if counterparty == "" {
		return SpendAttempt{}, errors.New("spend attempt: counterparty is required")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return SpendAttempt{
		Amount:       amount,
		Counterparty: counterparty,
		Category:     category,
		Timestamp:    ts,
	}, nil
}

// Origin says which side produced a transaction decision.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Transaction is an immutable ledger entry, created once per attempt.
type Transaction struct {
	ID              string          `json:"id"`
	From            string          `json:"from"`
	To              string          `json:"to"`
	Amount          decimal.Decimal `json:"amount"`
	Category        string          `json:"category,omitempty"`
	OfferingID      string          `json:"offering_id,omitempty"`
	Status          Outcome         `json:"status"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	Origin          Origin          `json:"origin"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Accepted reports whether the transaction committed.
func (t Transaction) Accepted() bool { return t.Status == OutcomeAccepted }

// TransactionSummary aggregates journal entries per principal and category.
type TransactionSummary struct {
	Principal     string          `json:"principal"`
	Category      string          `json:"category"`
	Accepted      int             `json:"accepted"`
	Rejected      int             `json:"rejected"`
	TotalAccepted decimal.Decimal `json:"total_accepted"`
}

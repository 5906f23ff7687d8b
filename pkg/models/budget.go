package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidPolicy is wrapped by every ValidationError.
var ErrInvalidPolicy = errors.New("invalid budget policy")

// ValidationError reports a malformed policy. It is fatal to construction.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid budget policy: %s: %s", e.Field, e.Reason)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidPolicy).
func (e *ValidationError) Unwrap() error { return ErrInvalidPolicy }

// BudgetPolicy is an immutable description of a spending authority.
// A zero ceiling means no limit for that tier.
type BudgetPolicy struct {
	MaxPerTransaction     decimal.Decimal `json:"max_per_transaction"`
	MaxPerDay             decimal.Decimal `json:"max_per_day"`
	MaxLifetime           decimal.Decimal `json:"max_lifetime"`
	AllowedCounterparties []string        `json:"allowed_counterparties,omitempty"`
	AllowedCategories     []string        `json:"allowed_categories,omitempty"`
	ExpiresAt             time.Time       `json:"expires_at,omitzero"`
}

// NewBudgetPolicy builds and validates a policy.
func NewBudgetPolicy(maxPerTx, maxPerDay, maxLifetime decimal.Decimal, expiresAt time.Time) (BudgetPolicy, error) {
	p := BudgetPolicy{
		MaxPerTransaction: maxPerTx,
		MaxPerDay:         maxPerDay,
		MaxLifetime:       maxLifetime,
		ExpiresAt:         expiresAt,
	}
	if err := p.Validate(); err != nil {
		return BudgetPolicy{}, err
	}
	return p, nil
}

// Validate checks tier ordering. Zero-valued tiers are unbounded and never
// participate in an ordering check.
func (p BudgetPolicy) Validate() error {
	for _, tier := range []struct {
		name string
		v    decimal.Decimal
	}{
		{"max_per_transaction", p.MaxPerTransaction},
		{"max_per_day", p.MaxPerDay},
		{"max_lifetime", p.MaxLifetime},
	} {
		if tier.v.IsNegative() {
			return &ValidationError{Field: tier.name, Reason: "must not be negative"}
		}
	}
	if p.MaxPerDay.IsPositive() && p.MaxPerTransaction.GreaterThan(p.MaxPerDay) {
		return &ValidationError{
			Field:  "max_per_transaction",
			Reason: fmt.Sprintf("%s exceeds max_per_day %s", p.MaxPerTransaction, p.MaxPerDay),
		}
	}
	if p.MaxLifetime.IsPositive() && p.MaxPerDay.GreaterThan(p.MaxLifetime) {
		return &ValidationError{
			Field:  "max_per_day",
			Reason: fmt.Sprintf("%s exceeds max_lifetime %s", p.MaxPerDay, p.MaxLifetime),
		}
	}
	if p.MaxLifetime.IsPositive() && p.MaxPerTransaction.GreaterThan(p.MaxLifetime) {
		return &ValidationError{
			Field:  "max_per_transaction",
			Reason: fmt.Sprintf("%s exceeds max_lifetime %s", p.MaxPerTransaction, p.MaxLifetime),
		}
	}
	return nil
}

// WithAllowLists returns a copy of p restricted to the given counterparties and
// categories. Empty slices allow everything.
func (p BudgetPolicy) WithAllowLists(counterparties, categories []string) BudgetPolicy {
	p.AllowedCounterparties = append([]string(nil), counterparties...)
	p.AllowedCategories = append([]string(nil), categories...)
	return p
}

// Expired reports whether the policy has expired at t.
func (p BudgetPolicy) Expired(t time.Time) bool {
	return !p.ExpiresAt.IsZero() && !t.Before(p.ExpiresAt)
}

// AllowsCounterparty reports whether id passes the counterparty allow-list.
func (p BudgetPolicy) AllowsCounterparty(id string) bool {
	return allowed(p.AllowedCounterparties, id)
}

// AllowsCategory reports whether tag passes the category allow-list.
func (p BudgetPolicy) AllowsCategory(tag string) bool {
	return allowed(p.AllowedCategories, tag)
}

func allowed(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Outcome tags a spend decision.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
)

// Rejection reasons, one per evaluator tier.
const (
	ReasonExpired             = "expired"
	ReasonNotAllowed          = "not_allowed"
	ReasonMaxPerTx            = "max_per_tx"
	ReasonDailyLimit          = "daily limit"
	ReasonTotalLimit          = "total limit"
	ReasonInsufficientBalance = "insufficient balance"

	// ReasonHardLimit is applied by the ledger, not the evaluator, when a
	// commit would cross the ledger-wide ceiling.
	ReasonHardLimit = "hard limit"
)

// Decision is the result of evaluating a spend attempt.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason,omitempty"`
}

// Accept returns an accepting decision.
func Accept() Decision { return Decision{Outcome: OutcomeAccepted} }

// Reject returns a rejecting decision naming the failing tier.
func Reject(reason string) Decision {
	return Decision{Outcome: OutcomeRejected, Reason: reason}
}

// Accepted reports whether the decision allows the spend.
func (d Decision) Accepted() bool { return d.Outcome == OutcomeAccepted }

// Headroom reports how much more may be spent on each tier.
// A nil pointer means the tier is unbounded.
type Headroom struct {
	PerTransaction *decimal.Decimal `json:"per_transaction,omitempty"`
	Today          *decimal.Decimal `json:"today,omitempty"`
	Lifetime       *decimal.Decimal `json:"lifetime,omitempty"`
	Balance        decimal.Decimal  `json:"balance"`
}

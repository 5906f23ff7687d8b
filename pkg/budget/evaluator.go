// Package budget evaluates spend attempts against layered budget policies.
package budget

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/allowance/pkg/models"
)

// Evaluate checks attempt against policy using the account counters as given.
// Checks run in a fixed order and the first failing tier names the rejection.
// Evaluate never mutates its inputs; callers that need a consistent view must
// pass a snapshot taken under their own lock.
func Evaluate(policy models.BudgetPolicy, account models.PrincipalAccount, attempt models.SpendAttempt) models.Decision {
	if policy.Expired(attempt.Timestamp) {
		return models.Reject(models.ReasonExpired)
	}
	if !policy.AllowsCounterparty(attempt.Counterparty) || !policy.AllowsCategory(attempt.Category) {
		return models.Reject(models.ReasonNotAllowed)
	}
	if bounded(policy.MaxPerTransaction) && attempt.Amount.GreaterThan(policy.MaxPerTransaction) {
		return models.Reject(models.ReasonMaxPerTx)
	}
	if bounded(policy.MaxPerDay) && account.SpentToday.Add(attempt.Amount).GreaterThan(policy.MaxPerDay) {
		return models.Reject(models.ReasonDailyLimit)
	}
	if bounded(policy.MaxLifetime) && account.SpentLifetime.Add(attempt.Amount).GreaterThan(policy.MaxLifetime) {
		return models.Reject(models.ReasonTotalLimit)
	}
	if account.Balance.LessThan(attempt.Amount) {
		return models.Reject(models.ReasonInsufficientBalance)
	}
	return models.Accept()
}

// Remaining reports the headroom left on each tier for the account.
func Remaining(policy models.BudgetPolicy, account models.PrincipalAccount) models.Headroom {
	h := models.Headroom{Balance: nonNegative(account.Balance)}
	if bounded(policy.MaxPerTransaction) {
		v := policy.MaxPerTransaction
		h.PerTransaction = &v
	}
	if bounded(policy.MaxPerDay) {
		v := nonNegative(policy.MaxPerDay.Sub(account.SpentToday))
		h.Today = &v
	}
	if bounded(policy.MaxLifetime) {
		v := nonNegative(policy.MaxLifetime.Sub(account.SpentLifetime))
		h.Lifetime = &v
	}
	return h
}

// Spendable returns the largest single amount the account could spend now,
// the minimum of every bounded tier and the balance.
func Spendable(policy models.BudgetPolicy, account models.PrincipalAccount) decimal.Decimal {
	h := Remaining(policy, account)
	out := h.Balance
	for _, tier := range []*decimal.Decimal{h.PerTransaction, h.Today, h.Lifetime} {
		if tier != nil && tier.LessThan(out) {
			out = *tier
		}
	}
	return out
}

// DayStart returns the start of the UTC day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Rollover resets SpentToday if at lies in a later UTC day window than the
// account's current one. It reports whether a reset happened.
func Rollover(account *models.PrincipalAccount, at time.Time) bool {
	day := DayStart(at)
	if account.DayWindowStart.IsZero() {
		account.DayWindowStart = day
		return false
	}
	if day.After(account.DayWindowStart) {
		account.SpentToday = decimal.Zero
		account.DayWindowStart = day
		return true
	}
	return false
}

func bounded(limit decimal.Decimal) bool { return limit.IsPositive() }

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

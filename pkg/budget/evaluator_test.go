package budget

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/allowance/pkg/models"
)

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func attempt(t *testing.T, amount, to, category string) models.SpendAttempt {
	t.Helper()
	a, err := models.NewSpendAttempt(dec(amount), to, category, now)
	if err != nil {
		t.Fatalf("NewSpendAttempt: %v", err)
	}
	return a
}

func account(balance, today, lifetime string) models.PrincipalAccount {
	return models.PrincipalAccount{
		ID:             "agent-1",
		Balance:        dec(balance),
		SpentToday:     dec(today),
		SpentLifetime:  dec(lifetime),
		DayWindowStart: DayStart(now),
	}
}

func TestEvaluateTiers(t *testing.T) {
	base := models.BudgetPolicy{
		MaxPerTransaction: dec("2"),
		MaxPerDay:         dec("3"),
		MaxLifetime:       dec("10"),
	}

	tests := []struct {
		name    string
		policy  models.BudgetPolicy
		account models.PrincipalAccount
		amount  string
		to      string
		want    string
	}{
		{"accepted", base, account("100", "0", "0"), "2", "seller-a", ""},
		{"expired", func() models.BudgetPolicy { p := base; p.ExpiresAt = now; return p }(), account("100", "0", "0"), "1", "seller-a", models.ReasonExpired},
		{"counterparty not allowed", base.WithAllowLists([]string{"seller-b"}, nil), account("100", "0", "0"), "1", "seller-a", models.ReasonNotAllowed},
		{"per transaction", base, account("100", "0", "0"), "2.01", "seller-a", models.ReasonMaxPerTx},
		{"daily", base, account("100", "2", "2"), "2", "seller-a", models.ReasonDailyLimit},
		{"lifetime", base, account("100", "0", "9"), "2", "seller-a", models.ReasonTotalLimit},
		{"balance", base, account("1", "0", "0"), "2", "seller-a", models.ReasonInsufficientBalance},
		{"daily exact boundary", base, account("100", "1", "1"), "2", "seller-a", ""},
		{"unbounded", models.BudgetPolicy{}, account("1000", "500", "900"), "999", "seller-a", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.policy, tt.account, attempt(t, tt.amount, tt.to, "compute"))
			if tt.want == "" {
				if !d.Accepted() {
					t.Fatalf("expected accepted, got rejected (%s)", d.Reason)
				}
				return
			}
			if d.Accepted() {
				t.Fatalf("expected rejection %q, got accepted", tt.want)
			}
			if d.Reason != tt.want {
				t.Errorf("expected reason %q, got %q", tt.want, d.Reason)
			}
		})
	}
}

func TestEvaluateCategoryAllowList(t *testing.T) {
	p := models.BudgetPolicy{}.WithAllowLists(nil, []string{"compute"})
	if d := Evaluate(p, account("10", "0", "0"), attempt(t, "1", "s", "storage")); d.Reason != models.ReasonNotAllowed {
		t.Errorf("expected not_allowed, got %q", d.Reason)
	}
	if d := Evaluate(p, account("10", "0", "0"), attempt(t, "1", "s", "compute")); !d.Accepted() {
		t.Errorf("expected accepted, got %q", d.Reason)
	}
}

// Expiry wins over every other failing tier.
func TestEvaluateOrder(t *testing.T) {
	p := models.BudgetPolicy{MaxPerTransaction: dec("1"), MaxPerDay: dec("1"), ExpiresAt: now.Add(-time.Second)}
	p = p.WithAllowLists([]string{"other"}, nil)
	d := Evaluate(p, account("0", "1", "1"), attempt(t, "5", "s", ""))
	if d.Reason != models.ReasonExpired {
		t.Errorf("expected expired, got %q", d.Reason)
	}

	p.ExpiresAt = time.Time{}
	d = Evaluate(p, account("0", "1", "1"), attempt(t, "5", "s", ""))
	if d.Reason != models.ReasonNotAllowed {
		t.Errorf("expected not_allowed, got %q", d.Reason)
	}
}

func TestDailyScenario(t *testing.T) {
	p, err := models.NewBudgetPolicy(dec("2"), dec("3"), decimal.Zero, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	acct := account("100", "0", "0")

	if d := Evaluate(p, acct, attempt(t, "2", "s", "")); !d.Accepted() {
		t.Fatalf("first spend: expected accepted, got %q", d.Reason)
	}
	acct.SpentToday = acct.SpentToday.Add(dec("2"))

	d := Evaluate(p, acct, attempt(t, "2", "s", ""))
	if d.Reason != models.ReasonDailyLimit {
		t.Fatalf("second spend: expected daily limit, got %q", d.Reason)
	}
	if !acct.SpentToday.Equal(dec("2")) {
		t.Errorf("expected spentToday 2, got %s", acct.SpentToday)
	}

	strict, err := models.NewBudgetPolicy(dec("1"), dec("3"), decimal.Zero, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if d := Evaluate(strict, account("100", "0", "0"), attempt(t, "2", "s", "")); d.Reason != models.ReasonMaxPerTx {
		t.Errorf("expected max_per_tx, got %q", d.Reason)
	}
}

func TestRemaining(t *testing.T) {
	p := models.BudgetPolicy{MaxPerDay: dec("5"), MaxLifetime: dec("20")}
	h := Remaining(p, account("3", "4", "19.5"))

	if h.PerTransaction != nil {
		t.Errorf("expected unbounded per-transaction headroom, got %s", h.PerTransaction)
	}
	if h.Today == nil || !h.Today.Equal(dec("1")) {
		t.Errorf("expected today headroom 1, got %v", h.Today)
	}
	if h.Lifetime == nil || !h.Lifetime.Equal(dec("0.5")) {
		t.Errorf("expected lifetime headroom 0.5, got %v", h.Lifetime)
	}
	if got := Spendable(p, account("3", "4", "19.5")); !got.Equal(dec("0.5")) {
		t.Errorf("expected spendable 0.5, got %s", got)
	}
}

func TestRollover(t *testing.T) {
	acct := account("10", "3", "3")

	if Rollover(&acct, now.Add(time.Hour)) {
		t.Error("expected no rollover within the same day")
	}
	if !Rollover(&acct, now.Add(24*time.Hour)) {
		t.Fatal("expected rollover on the next day")
	}
	if !acct.SpentToday.IsZero() {
		t.Errorf("expected spentToday reset, got %s", acct.SpentToday)
	}
	if !acct.SpentLifetime.Equal(dec("3")) {
		t.Errorf("expected lifetime untouched, got %s", acct.SpentLifetime)
	}
	if !acct.DayWindowStart.Equal(DayStart(now.Add(24 * time.Hour))) {
		t.Errorf("unexpected window start %v", acct.DayWindowStart)
	}
}

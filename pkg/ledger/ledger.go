// Package ledger is the in-memory spend ledger. Every check-then-commit runs in
// a single critical section so concurrent spends can never push a counter past
// its ceiling.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pario-ai/allowance/pkg/budget"
	"github.com/pario-ai/allowance/pkg/models"
	"github.com/pario-ai/allowance/pkg/telemetry"
)

// Journal receives every ledger entry after it is committed in memory.
// tracker.Tracker satisfies it.
type Journal interface {
	Append(ctx context.Context, tx models.Transaction) error
}

// AlertEvent describes the soft alert crossing.
type AlertEvent struct {
	Committed decimal.Decimal
	Threshold decimal.Decimal
	Limit     decimal.Decimal
	Commits   int
	At        time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithHardLimit sets the ceiling on the committed total. Zero disables it.
func WithHardLimit(limit decimal.Decimal) Option {
	return func(l *Ledger) { l.hardLimit = limit }
}

// WithAlertThreshold sets the committed total at which the soft alert fires.
func WithAlertThreshold(threshold decimal.Decimal) Option {
	return func(l *Ledger) { l.alertThreshold = threshold }
}

// WithAlertHandler sets the callback run once when the alert threshold is reached.
// It runs outside the ledger lock and may call back into the ledger.
func WithAlertHandler(fn func(AlertEvent)) Option {
	return func(l *Ledger) { l.onAlert = fn }
}

// WithJournal mirrors every entry to j.
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithMetrics records outcomes on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type categoryTotals struct {
	calls     int64
	committed decimal.Decimal
}

// Ledger holds accounts, the append-only entry sequence and the committed
// totals. The zero value is not usable; call New.
type Ledger struct {
	mu             sync.Mutex
	accounts       map[string]*models.PrincipalAccount
	entries        []models.Transaction
	committed      decimal.Decimal
	commits        int
	categories     map[string]*categoryTotals
	costs          map[string]*models.CostModel
	hardLimit      decimal.Decimal
	alertThreshold decimal.Decimal
	alertFired     bool

	onAlert func(AlertEvent)
	journal Journal
	logger  *zap.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New creates an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts:   make(map[string]*models.PrincipalAccount),
		categories: make(map[string]*categoryTotals),
		costs:      make(map[string]*models.CostModel),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OpenAccount creates an account with an opening balance.
func (l *Ledger) OpenAccount(id string, balance decimal.Decimal) error {
	if id == "" {
		return fmt.Errorf("open account: empty id")
	}
	if balance.IsNegative() {
		return fmt.Errorf("open account %s: negative balance", id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.accounts[id]; ok {
		return fmt.Errorf("open account %s: %w", id, ErrAccountExists)
	}
	l.accounts[id] = &models.PrincipalAccount{
		ID:             id,
		Balance:        balance,
		DayWindowStart: budget.DayStart(l.now()),
	}
	return nil
}

// Deposit credits an existing account.
func (l *Ledger) Deposit(id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("deposit %s: %w", id, ErrInvalidAmount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("deposit %s: %w", id, ErrUnknownPrincipal)
	}
	acct.Balance = acct.Balance.Add(amount)
	return nil
}

// Account returns a snapshot of the account, rolled over to the current day.
func (l *Ledger) Account(id string) (models.PrincipalAccount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[id]
	if !ok {
		return models.PrincipalAccount{}, fmt.Errorf("account %s: %w", id, ErrUnknownPrincipal)
	}
	budget.Rollover(acct, l.now())
	return *acct, nil
}

// Apply evaluates attempt against policy and commits it if accepted, in one
// critical section. Constraint rejections come back as rejected transactions
// with a nil error. Expiry and the daily window are judged at the ledger's
// clock; the attempt's own timestamp is replaced.
func (l *Ledger) Apply(ctx context.Context, principal string, policy models.BudgetPolicy, attempt models.SpendAttempt) (models.Transaction, error) {
	return l.apply(ctx, principal, policy, attempt, "")
}

// ApplyOffering is Apply for a spend that buys a market offering.
func (l *Ledger) ApplyOffering(ctx context.Context, principal string, policy models.BudgetPolicy, attempt models.SpendAttempt, offeringID string) (models.Transaction, error) {
	return l.apply(ctx, principal, policy, attempt, offeringID)
}

func (l *Ledger) apply(ctx context.Context, principal string, policy models.BudgetPolicy, attempt models.SpendAttempt, offeringID string) (models.Transaction, error) {
	if !attempt.Amount.IsPositive() {
		return models.Transaction{}, fmt.Errorf("apply spend: %w", ErrInvalidAmount)
	}

	l.mu.Lock()
	acct, ok := l.accounts[principal]
	if !ok {
		l.mu.Unlock()
		return models.Transaction{}, fmt.Errorf("apply spend for %s: %w", principal, ErrUnknownPrincipal)
	}
	attempt.Timestamp = l.now()
	budget.Rollover(acct, attempt.Timestamp)

	decision := budget.Evaluate(policy, *acct, attempt)
	if decision.Accepted() && l.exceedsHardLimit(attempt.Amount) {
		decision = models.Reject(models.ReasonHardLimit)
	}

	tx := models.Transaction{
		ID:         uuid.NewString(),
		From:       principal,
		To:         attempt.Counterparty,
		Amount:     attempt.Amount,
		Category:   attempt.Category,
		OfferingID: offeringID,
		Status:     decision.Outcome,
		Origin:     models.OriginLocal,
		Timestamp:  attempt.Timestamp,
	}
	var alert *AlertEvent
	if decision.Accepted() {
		acct.Balance = acct.Balance.Sub(attempt.Amount)
		acct.SpentToday = acct.SpentToday.Add(attempt.Amount)
		acct.SpentLifetime = acct.SpentLifetime.Add(attempt.Amount)
		if payee, ok := l.accounts[attempt.Counterparty]; ok && payee != acct {
			payee.Balance = payee.Balance.Add(attempt.Amount)
		}
		alert = l.commitLocked(attempt.Amount, attempt.Category)
	} else {
		tx.RejectionReason = decision.Reason
	}
	l.entries = append(l.entries, tx)
	l.mu.Unlock()

	l.afterCommit(ctx, tx, alert)
	return tx, nil
}

// RecordSpend adds amount to the committed total if that stays within the hard
// limit, and returns the new total. On breach it returns *LimitExceeded and
// changes nothing.
func (l *Ledger) RecordSpend(ctx context.Context, principal string, amount decimal.Decimal, meta models.SpendMeta) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("record spend: %w", ErrInvalidAmount)
	}
	l.mu.Lock()
	tx, total, alert, err := l.recordLocked(principal, amount, meta)
	l.mu.Unlock()
	if err != nil {
		l.refused(ctx, err)
		return decimal.Zero, err
	}
	l.afterCommit(ctx, tx, alert)
	return total, nil
}

// RegisterCostModel installs or replaces the unit pricing for a category.
// Aggregates of a replaced model are kept.
func (l *Ledger) RegisterCostModel(category string, perThousandInput, perThousandOutput decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.costs[category]; ok {
		m.CostPerThousandInput = perThousandInput
		m.CostPerThousandOutput = perThousandOutput
		return
	}
	l.costs[category] = &models.CostModel{
		Name:                  category,
		CostPerThousandInput:  perThousandInput,
		CostPerThousandOutput: perThousandOutput,
	}
}

// RecordUsage prices a call from the category's cost model and records it as
// a hard-limit spend. Model aggregates change in the same critical section,
// and only when the spend is accepted.
func (l *Ledger) RecordUsage(ctx context.Context, principal, category string, inputUnits, outputUnits int64, latency time.Duration) (decimal.Decimal, error) {
	l.mu.Lock()
	model, ok := l.costs[category]
	if !ok {
		l.mu.Unlock()
		return decimal.Zero, fmt.Errorf("record usage %s: %w", category, ErrUnknownCategory)
	}
	cost := model.Price(inputUnits, outputUnits)
	meta := models.SpendMeta{Category: category, InputUnits: inputUnits, OutputUnits: outputUnits, Latency: latency}

	var (
		tx    models.Transaction
		alert *AlertEvent
		err   error
	)
	if cost.IsPositive() {
		tx, _, alert, err = l.recordLocked(principal, cost, meta)
	}
	if err == nil {
		model.TotalCalls++
		model.TotalInputUnits += inputUnits
		model.TotalOutputUnits += outputUnits
		model.TotalLatency += latency
		model.TotalCost = model.TotalCost.Add(cost)
	}
	l.mu.Unlock()

	if err != nil {
		l.refused(ctx, err)
		return decimal.Zero, err
	}
	if cost.IsPositive() {
		l.afterCommit(ctx, tx, alert)
	}
	return cost, nil
}

// recordLocked must be called with l.mu held.
func (l *Ledger) recordLocked(principal string, amount decimal.Decimal, meta models.SpendMeta) (models.Transaction, decimal.Decimal, *AlertEvent, error) {
	if l.exceedsHardLimit(amount) {
		return models.Transaction{}, decimal.Zero, nil, &LimitExceeded{
			Projected: l.committed.Add(amount),
			Limit:     l.hardLimit,
			Committed: l.committed,
			Commits:   l.commits,
			Principal: principal,
			Category:  meta.Category,
		}
	}
	now := l.now()
	if acct, ok := l.accounts[principal]; ok {
		budget.Rollover(acct, now)
		acct.SpentToday = acct.SpentToday.Add(amount)
		acct.SpentLifetime = acct.SpentLifetime.Add(amount)
	}
	alert := l.commitLocked(amount, meta.Category)
	tx := models.Transaction{
		ID:        uuid.NewString(),
		From:      principal,
		To:        meta.Category,
		Amount:    amount,
		Category:  meta.Category,
		Status:    models.OutcomeAccepted,
		Origin:    models.OriginLocal,
		Timestamp: now,
	}
	l.entries = append(l.entries, tx)
	return tx, l.committed, alert, nil
}

func (l *Ledger) exceedsHardLimit(amount decimal.Decimal) bool {
	return l.hardLimit.IsPositive() && l.committed.Add(amount).GreaterThan(l.hardLimit)
}

// commitLocked updates the totals and flips the alert latch. The returned
// event is non-nil exactly once per ledger.
func (l *Ledger) commitLocked(amount decimal.Decimal, category string) *AlertEvent {
	l.committed = l.committed.Add(amount)
	l.commits++
	c, ok := l.categories[category]
	if !ok {
		c = &categoryTotals{}
		l.categories[category] = c
	}
	c.calls++
	c.committed = c.committed.Add(amount)

	if l.alertFired || !l.alertThreshold.IsPositive() || l.committed.LessThan(l.alertThreshold) {
		return nil
	}
	l.alertFired = true
	return &AlertEvent{
		Committed: l.committed,
		Threshold: l.alertThreshold,
		Limit:     l.hardLimit,
		Commits:   l.commits,
		At:        l.now(),
	}
}

func (l *Ledger) afterCommit(ctx context.Context, tx models.Transaction, alert *AlertEvent) {
	if tx.Accepted() {
		l.logger.Debug("spend committed",
			zap.String("principal", tx.From),
			zap.String("to", tx.To),
			zap.String("amount", tx.Amount.String()),
			zap.String("category", tx.Category),
		)
	} else {
		l.logger.Debug("spend rejected",
			zap.String("principal", tx.From),
			zap.String("amount", tx.Amount.String()),
			zap.String("reason", tx.RejectionReason),
		)
	}
	l.metrics.RecordSpend(ctx, string(tx.Origin), string(tx.Status), tx.RejectionReason, tx.Amount.InexactFloat64())

	if alert != nil {
		l.logger.Warn("spend alert threshold reached",
			zap.String("committed", alert.Committed.String()),
			zap.String("threshold", alert.Threshold.String()),
			zap.Int("commits", alert.Commits),
		)
		l.metrics.RecordAlert(ctx)
		if l.onAlert != nil {
			l.onAlert(*alert)
		}
	}

	if l.journal != nil {
		if err := l.journal.Append(ctx, tx); err != nil {
			l.logger.Error("journal append failed", zap.String("tx", tx.ID), zap.Error(err))
		}
	}
}

func (l *Ledger) refused(ctx context.Context, err error) {
	var le *LimitExceeded
	if !errors.As(err, &le) {
		return
	}
	l.logger.Warn("hard limit refused spend",
		zap.String("principal", le.Principal),
		zap.String("category", le.Category),
		zap.String("projected", le.Projected.String()),
		zap.String("limit", le.Limit.String()),
	)
	l.metrics.RecordLimitBreach(ctx, le.Category)
}

// TotalCommitted returns the committed total across all spends.
func (l *Ledger) TotalCommitted() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// AlertFired reports whether the soft alert has fired.
func (l *Ledger) AlertFired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.alertFired
}

// Snapshot is a consistent copy of the ledger state.
type Snapshot struct {
	Accounts   map[string]models.PrincipalAccount `json:"accounts"`
	Committed  decimal.Decimal                    `json:"committed"`
	Commits    int                                `json:"commits"`
	Entries    int                                `json:"entries"`
	HardLimit  decimal.Decimal                    `json:"hard_limit"`
	AlertFired bool                               `json:"alert_fired"`
}

// Snapshot copies the ledger state under the lock.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Snapshot{
		Accounts:   make(map[string]models.PrincipalAccount, len(l.accounts)),
		Committed:  l.committed,
		Commits:    l.commits,
		Entries:    len(l.entries),
		HardLimit:  l.hardLimit,
		AlertFired: l.alertFired,
	}
	for id, acct := range l.accounts {
		s.Accounts[id] = *acct
	}
	return s
}

// Entries returns a copy of the append-only entry sequence.
func (l *Ledger) Entries() []models.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.Transaction, len(l.entries))
	copy(out, l.entries)
	return out
}

// CategorySummaries returns committed spend per category, sorted by name.
func (l *Ledger) CategorySummaries() []models.CategorySummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.CategorySummary, 0, len(l.categories))
	for name, c := range l.categories {
		s := models.CategorySummary{Category: name, Calls: c.calls, Committed: c.committed}
		if m, ok := l.costs[name]; ok {
			cp := *m
			s.Model = &cp
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// ResetDailyUsage zeroes SpentToday on every account. Lifetime totals stay.
func (l *Ledger) ResetDailyUsage() {
	l.mu.Lock()
	defer l.mu.Unlock()
	day := budget.DayStart(l.now())
	for _, acct := range l.accounts {
		acct.SpentToday = decimal.Zero
		acct.DayWindowStart = day
	}
}

// Report renders a human-readable progress summary.
func (l *Ledger) Report() string {
	snap := l.Snapshot()
	cats := l.CategorySummaries()

	var b strings.Builder
	if snap.HardLimit.IsPositive() {
		pct := snap.Committed.Div(snap.HardLimit).Mul(decimal.NewFromInt(100))
		fmt.Fprintf(&b, "committed %s of %s (%s%%) across %s commits\n",
			snap.Committed.StringFixed(2), snap.HardLimit.StringFixed(2), pct.StringFixed(1),
			humanize.Comma(int64(snap.Commits)))
	} else {
		fmt.Fprintf(&b, "committed %s across %s commits (no hard limit)\n",
			snap.Committed.StringFixed(2), humanize.Comma(int64(snap.Commits)))
	}
	if snap.AlertFired {
		b.WriteString("alert threshold reached\n")
	}
	for _, c := range cats {
		fmt.Fprintf(&b, "  %-16s %10s  %s calls\n", c.Category, c.Committed.StringFixed(4), humanize.Comma(c.Calls))
	}

	ids := make([]string, 0, len(snap.Accounts))
	for id := range snap.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		a := snap.Accounts[id]
		fmt.Fprintf(&b, "  %-16s balance %s  today %s  lifetime %s\n",
			id, a.Balance.StringFixed(2), a.SpentToday.StringFixed(2), a.SpentLifetime.StringFixed(2))
	}
	return b.String()
}

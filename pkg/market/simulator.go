// Package market is a local, seeded stand-in for a service marketplace. It
// lists priced offerings, settles purchases through the spend ledger and
// simulates whether each purchase is delivered.
package market

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pario-ai/allowance/pkg/budget"
	"github.com/pario-ai/allowance/pkg/events"
	"github.com/pario-ai/allowance/pkg/ledger"
	"github.com/pario-ai/allowance/pkg/models"
)

var (
	// ErrUnknownOffering is returned for an offering id that was never registered.
	ErrUnknownOffering = errors.New("unknown offering")
	// ErrSellerMismatch is returned when a purchase names the wrong seller for an offering.
	ErrSellerMismatch = errors.New("offering sold by a different seller")
	// ErrInvalidOffering is returned for out-of-range offering parameters.
	ErrInvalidOffering = errors.New("invalid offering")
)

// Filter narrows Discover results. Zero fields match everything.
type Filter struct {
	Category       string
	Seller         string
	MaxPrice       decimal.Decimal
	MinReliability float64
}

// PrincipalStatus is a principal's account, policy and headroom.
type PrincipalStatus struct {
	Account  models.PrincipalAccount `json:"account"`
	Policy   models.BudgetPolicy     `json:"policy"`
	Headroom models.Headroom         `json:"headroom"`
	Revoked  bool                    `json:"revoked"`
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithSeed seeds the delivery PRNG.
func WithSeed(seed int64) Option {
	return func(s *Simulator) { s.rng = rand.New(rand.NewSource(seed)) }
}

// WithLedger settles purchases on l instead of a fresh ledger.
func WithLedger(l *ledger.Ledger) Option {
	return func(s *Simulator) { s.ledger = l }
}

// WithPublisher publishes transaction and delivery events on p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Simulator) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// Simulator is safe for concurrent use.
type Simulator struct {
	ledger    *ledger.Ledger
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.RWMutex
	policies  map[string]models.BudgetPolicy
	revoked   map[string]bool
	offerings map[string]models.Offering

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a simulator. Without WithSeed the PRNG is seeded with 1.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		publisher: events.Nop{},
		logger:    zap.NewNop(),
		now:       time.Now,
		policies:  make(map[string]models.BudgetPolicy),
		revoked:   make(map[string]bool),
		offerings: make(map[string]models.Offering),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(1))
	}
	if s.ledger == nil {
		s.ledger = ledger.New(ledger.WithLogger(s.logger), ledger.WithClock(s.now))
	}
	return s
}

// Ledger returns the settlement ledger.
func (s *Simulator) Ledger() *ledger.Ledger { return s.ledger }

// CreatePrincipal opens an account governed by policy.
func (s *Simulator) CreatePrincipal(id string, balance decimal.Decimal, policy models.BudgetPolicy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("create principal %s: %w", id, err)
	}
	if err := s.ledger.OpenAccount(id, balance); err != nil {
		// Sellers get an account on first listing; adopt it.
		if !errors.Is(err, ledger.ErrAccountExists) {
			return fmt.Errorf("create principal: %w", err)
		}
		s.mu.RLock()
		_, taken := s.policies[id]
		s.mu.RUnlock()
		if taken {
			return fmt.Errorf("create principal: %w", err)
		}
		if balance.IsPositive() {
			if err := s.ledger.Deposit(id, balance); err != nil {
				return fmt.Errorf("create principal: %w", err)
			}
		}
	}
	s.mu.Lock()
	s.policies[id] = policy
	s.mu.Unlock()
	return nil
}

// RegisterOffering lists a priced service. The seller gets a zero-balance
// account if it has none, so payments have somewhere to land.
func (s *Simulator) RegisterOffering(seller, category string, price, referencePrice decimal.Decimal, reliability, qualityScore float64) (models.Offering, error) {
	switch {
	case seller == "":
		return models.Offering{}, fmt.Errorf("register offering: empty seller: %w", ErrInvalidOffering)
	case !price.IsPositive():
		return models.Offering{}, fmt.Errorf("register offering: price must be positive: %w", ErrInvalidOffering)
	case reliability < 0 || reliability > 1:
		return models.Offering{}, fmt.Errorf("register offering: reliability %v outside [0,1]: %w", reliability, ErrInvalidOffering)
	case qualityScore < 0 || qualityScore > 1:
		return models.Offering{}, fmt.Errorf("register offering: quality %v outside [0,1]: %w", qualityScore, ErrInvalidOffering)
	}
	if err := s.ledger.OpenAccount(seller, decimal.Zero); err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		return models.Offering{}, fmt.Errorf("register offering: %w", err)
	}
	o := models.Offering{
		ID:             uuid.NewString(),
		Seller:         seller,
		Category:       category,
		Price:          price,
		ReferencePrice: referencePrice,
		Reliability:    reliability,
		QualityScore:   qualityScore,
	}
	s.mu.Lock()
	s.offerings[o.ID] = o
	s.mu.Unlock()
	return o, nil
}

// Offering returns a listed offering.
func (s *Simulator) Offering(id string) (models.Offering, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offerings[id]
	return o, ok
}

// Discover returns matching offerings ordered by ascending price, ties by id.
func (s *Simulator) Discover(f Filter) []models.Offering {
	s.mu.RLock()
	out := make([]models.Offering, 0, len(s.offerings))
	for _, o := range s.offerings {
		if f.Category != "" && o.Category != f.Category {
			continue
		}
		if f.Seller != "" && o.Seller != f.Seller {
			continue
		}
		if f.MaxPrice.IsPositive() && o.Price.GreaterThan(f.MaxPrice) {
			continue
		}
		if o.Reliability < f.MinReliability {
			continue
		}
		out = append(out, o)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Price.Cmp(out[j].Price); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Transact pays seller from buyer under the buyer's policy. offeringID may be
// empty for a plain transfer. Policy rejections are returned as rejected
// transactions with a nil error.
func (s *Simulator) Transact(ctx context.Context, buyer, seller string, amount decimal.Decimal, offeringID string) (models.Transaction, error) {
	s.mu.RLock()
	policy, ok := s.policies[buyer]
	var offering models.Offering
	var listed bool
	if offeringID != "" {
		offering, listed = s.offerings[offeringID]
	}
	s.mu.RUnlock()

	if !ok {
		return models.Transaction{}, fmt.Errorf("transact: buyer %s: %w", buyer, ledger.ErrUnknownPrincipal)
	}
	category := ""
	if offeringID != "" {
		if !listed {
			return models.Transaction{}, fmt.Errorf("transact: %s: %w", offeringID, ErrUnknownOffering)
		}
		if offering.Seller != seller {
			return models.Transaction{}, fmt.Errorf("transact: %s: %w", offeringID, ErrSellerMismatch)
		}
		category = offering.Category
	}

	attempt, err := models.NewSpendAttempt(amount, seller, category, s.now().UTC())
	if err != nil {
		return models.Transaction{}, fmt.Errorf("transact: %w", err)
	}
	tx, err := s.ledger.ApplyOffering(ctx, buyer, policy, attempt, offeringID)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("transact: %w", err)
	}
	s.publish(ctx, events.TopicTransactions, buyer, events.TransactionRecorded{
		TransactionID: tx.ID,
		From:          tx.From,
		To:            tx.To,
		Amount:        tx.Amount,
		Category:      tx.Category,
		OfferingID:    tx.OfferingID,
		Status:        string(tx.Status),
		Reason:        tx.RejectionReason,
		OccurredAt:    tx.Timestamp,
	})
	return tx, nil
}

// SimulateDelivery draws a delivery outcome for the offering. With the same
// seed and call sequence the outcomes are identical.
func (s *Simulator) SimulateDelivery(ctx context.Context, offeringID string) (models.Delivery, error) {
	o, ok := s.Offering(offeringID)
	if !ok {
		return models.Delivery{}, fmt.Errorf("simulate delivery: %s: %w", offeringID, ErrUnknownOffering)
	}

	s.rngMu.Lock()
	success := s.rng.Float64() < o.Reliability
	jitter := s.rng.Float64()
	s.rngMu.Unlock()

	d := models.Delivery{OfferingID: offeringID, Success: success}
	if success {
		d.Quality = clamp01(o.QualityScore + (jitter-0.5)*0.2)
	}
	s.publish(ctx, events.TopicDeliveries, offeringID, events.DeliverySimulated{
		OfferingID: offeringID,
		Success:    d.Success,
		Quality:    d.Quality,
		OccurredAt: s.now().UTC(),
	})
	return d, nil
}

// Purchase buys an offering at its listed price and, if the payment is
// accepted, simulates the delivery.
func (s *Simulator) Purchase(ctx context.Context, buyer, offeringID string) (models.Transaction, *models.Delivery, error) {
	o, ok := s.Offering(offeringID)
	if !ok {
		return models.Transaction{}, nil, fmt.Errorf("purchase: %s: %w", offeringID, ErrUnknownOffering)
	}
	tx, err := s.Transact(ctx, buyer, o.Seller, o.Price, o.ID)
	if err != nil || !tx.Accepted() {
		return tx, nil, err
	}
	d, err := s.SimulateDelivery(ctx, o.ID)
	if err != nil {
		return tx, nil, err
	}
	return tx, &d, nil
}

// ResetDailyUsage clears every principal's daily counter.
func (s *Simulator) ResetDailyUsage() {
	s.ledger.ResetDailyUsage()
}

// Revoke expires the principal's policy immediately. Later spends are
// rejected as expired.
func (s *Simulator) Revoke(ctx context.Context, principal string) error {
	now := s.now().UTC()
	s.mu.Lock()
	policy, ok := s.policies[principal]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("revoke %s: %w", principal, ledger.ErrUnknownPrincipal)
	}
	policy.ExpiresAt = now
	s.policies[principal] = policy
	s.revoked[principal] = true
	s.mu.Unlock()

	s.logger.Warn("principal revoked", zap.String("principal", principal))
	s.publish(ctx, events.TopicPrincipals, principal, events.PrincipalRevoked{Principal: principal, OccurredAt: now})
	return nil
}

// Principal returns the principal's current status.
func (s *Simulator) Principal(id string) (PrincipalStatus, error) {
	s.mu.RLock()
	policy, ok := s.policies[id]
	revoked := s.revoked[id]
	s.mu.RUnlock()
	if !ok {
		return PrincipalStatus{}, fmt.Errorf("principal %s: %w", id, ledger.ErrUnknownPrincipal)
	}
	acct, err := s.ledger.Account(id)
	if err != nil {
		return PrincipalStatus{}, err
	}
	return PrincipalStatus{
		Account:  acct,
		Policy:   policy,
		Headroom: budget.Remaining(policy, acct),
		Revoked:  revoked,
	}, nil
}

// Principals returns the ids of all principals, sorted.
func (s *Simulator) Principals() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.policies))
	for id := range s.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Simulator) publish(ctx context.Context, topic, key string, event any) {
	if err := s.publisher.Publish(ctx, topic, key, event); err != nil {
		s.logger.Error("publish event failed", zap.String("topic", topic), zap.Error(err))
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pario-ai/allowance/pkg/models"
	"github.com/pario-ai/allowance/pkg/signer"
	"github.com/pario-ai/allowance/pkg/telemetry"
)

// Coordinator owns the open sessions of a set of principals, one session per
// principal.
type Coordinator struct {
	client      *Client
	logger      *zap.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
	concurrency int

	mu         sync.Mutex
	sessions   map[string]*Session
	identities map[string]*signer.Identity
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithIdentity signs delegations and spends of principal with id.
func WithIdentity(principal string, id *signer.Identity) CoordinatorOption {
	return func(c *Coordinator) { c.identities[principal] = id }
}

// WithConcurrency bounds how many sessions CloseAll tears down at once.
func WithConcurrency(n int) CoordinatorOption {
	return func(c *Coordinator) { c.concurrency = n }
}

func WithLogger(l *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *telemetry.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator that opens sessions through client.
func NewCoordinator(client *Client, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		client:      client,
		logger:      zap.NewNop(),
		now:         time.Now,
		concurrency: 8,
		sessions:    make(map[string]*Session),
		identities:  make(map[string]*signer.Identity),
	}
	for _, o := range opts {
		o(c)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	return c
}

// Open registers a capped session for principal. A remote budget refusal is
// returned as a rejected decision with a nil session and nil error.
func (c *Coordinator) Open(ctx context.Context, principal string, limits Limits) (*Session, models.Decision, error) {
	policy, err := limits.Policy()
	if err != nil {
		return nil, models.Decision{}, err
	}

	c.mu.Lock()
	if _, ok := c.sessions[principal]; ok {
		c.mu.Unlock()
		return nil, models.Decision{}, ErrSessionExists
	}
	identity := c.identities[principal]
	c.mu.Unlock()

	req := models.OpenSessionRequest{
		Principal:     principal,
		MaxTotal:      limits.MaxTotal,
		MaxPerRequest: limits.MaxPerRequest,
	}
	if !limits.ExpiresAt.IsZero() {
		exp := limits.ExpiresAt.UTC()
		req.ExpiresAt = &exp
	}
	if identity != nil {
		auth, _, err := identity.SignDelegation(principal, policy)
		if err != nil {
			return nil, models.Decision{}, err
		}
		req.Authorization = &auth
	}

	resp, err := c.client.OpenSession(ctx, req)
	if err != nil {
		var be *BudgetExceeded
		if errors.As(err, &be) {
			c.logger.Debug("session refused", zap.String("principal", principal), zap.String("reason", be.Reason()))
			return nil, models.Reject(be.Reason()), nil
		}
		return nil, models.Decision{}, err
	}

	s := &Session{
		client:        c.client,
		identity:      identity,
		logger:        c.logger,
		metrics:       c.metrics,
		now:           c.now,
		id:            resp.SessionID,
		token:         resp.Token,
		principal:     principal,
		maxTotal:      limits.MaxTotal,
		maxPerRequest: limits.MaxPerRequest,
		totalSpent:    decimal.Zero,
		status:        StatusActive,
	}
	// Keep the caps the server actually granted when it reports them.
	if !resp.MaxTotal.IsZero() {
		s.maxTotal = resp.MaxTotal
	}
	if !resp.MaxPerRequest.IsZero() {
		s.maxPerRequest = resp.MaxPerRequest
	}

	c.mu.Lock()
	if _, ok := c.sessions[principal]; ok {
		c.mu.Unlock()
		// Lost a race with a concurrent Open; release the remote session.
		_, _ = s.Close(context.WithoutCancel(ctx))
		return nil, models.Decision{}, ErrSessionExists
	}
	c.sessions[principal] = s
	c.mu.Unlock()

	c.metrics.SessionOpened(ctx)
	c.logger.Info("session opened",
		zap.String("principal", principal),
		zap.String("session", s.id),
		zap.String("max_total", s.maxTotal.String()),
	)
	return s, models.Accept(), nil
}

// Session returns the open session of principal.
func (c *Coordinator) Session(principal string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil, ErrNoSessions
	}
	s, ok := c.sessions[principal]
	if !ok {
		return nil, ErrNoSessionForPrincipal
	}
	return s, nil
}

// Call debits principal's session.
func (c *Coordinator) Call(ctx context.Context, principal string, req Request) (CallResult, error) {
	s, err := c.Session(principal)
	if err != nil {
		return CallResult{}, err
	}
	res, err := s.Call(ctx, req)
	if s.Status() == StatusClosed {
		c.forget(s)
	}
	return res, err
}

// Sessions returns the active sessions ordered by principal.
func (c *Coordinator) Sessions() []*Session {
	c.mu.Lock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].principal < out[j].principal })
	return out
}

// Close tears down principal's session.
func (c *Coordinator) Close(ctx context.Context, principal string) (CloseResult, error) {
	s, err := c.Session(principal)
	if err != nil {
		return CloseResult{}, err
	}
	return c.closeSession(ctx, s)
}

func (c *Coordinator) closeSession(ctx context.Context, s *Session) (CloseResult, error) {
	res, err := s.Close(ctx)
	if s.Status() == StatusClosed {
		if c.forget(s) {
			c.metrics.SessionClosed(ctx)
		}
		c.logger.Info("session closed",
			zap.String("principal", s.principal),
			zap.String("session", s.id),
			zap.String("total_spent", res.TotalSpent.String()),
		)
	}
	return res, err
}

func (c *Coordinator) forget(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.principal] == s {
		delete(c.sessions, s.principal)
		return true
	}
	return false
}

// TeardownOutcome is the result of closing one session during CloseAll.
type TeardownOutcome struct {
	Principal string
	SessionID string
	Result    CloseResult
	Err       error
	// StillActive is set when the failure does not prove the remote side
	// closed the session; it stays in the coordinator.
	StillActive bool
}

// TeardownReport collects every CloseAll outcome.
type TeardownReport struct {
	Closed []TeardownOutcome
	Failed []TeardownOutcome
}

// Err combines the failures, or returns nil.
func (r TeardownReport) Err() error {
	var err error
	for _, f := range r.Failed {
		err = multierr.Append(err, f.Err)
	}
	return err
}

// CloseAll attempts to close every session. One failure never stops the
// others from being attempted.
func (c *Coordinator) CloseAll(ctx context.Context) TeardownReport {
	sessions := c.Sessions()
	outcomes := make([]TeardownOutcome, len(sessions))

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, s := range sessions {
		g.Go(func() error {
			res, err := c.closeSession(ctx, s)
			outcomes[i] = TeardownOutcome{
				Principal:   s.principal,
				SessionID:   s.id,
				Result:      res,
				Err:         err,
				StillActive: s.Status() == StatusActive,
			}
			return nil
		})
	}
	_ = g.Wait()

	var report TeardownReport
	for _, o := range outcomes {
		if o.Err == nil {
			report.Closed = append(report.Closed, o)
			continue
		}
		c.logger.Error("session teardown failed",
			zap.String("principal", o.Principal),
			zap.String("session", o.SessionID),
			zap.Bool("still_active", o.StillActive),
			zap.Error(o.Err),
		)
		report.Failed = append(report.Failed, o)
	}
	return report
}

// WithSession opens a session, runs fn and closes the session on every exit
// path, panics included. A close failure is appended to fn's error.
func (c *Coordinator) WithSession(ctx context.Context, principal string, limits Limits, fn func(context.Context, *Session) error) (err error) {
	s, dec, err := c.Open(ctx, principal, limits)
	if err != nil {
		return err
	}
	if !dec.Accepted() {
		return &SessionRejected{Principal: principal, Reason: dec.Reason}
	}

	defer func() {
		_, cerr := c.closeSession(context.WithoutCancel(ctx), s)
		err = multierr.Append(err, cerr)
	}()
	return fn(ctx, s)
}

// SpendOnce opens a session, makes a single call and closes it.
func (c *Coordinator) SpendOnce(ctx context.Context, principal string, limits Limits, req Request) (CallResult, CloseResult, error) {
	s, dec, err := c.Open(ctx, principal, limits)
	if err != nil {
		return CallResult{}, CloseResult{}, err
	}
	if !dec.Accepted() {
		return CallResult{}, CloseResult{}, &SessionRejected{Principal: principal, Reason: dec.Reason}
	}

	call, callErr := s.Call(ctx, req)
	final, closeErr := c.closeSession(context.WithoutCancel(ctx), s)
	return call, final, multierr.Append(callErr, closeErr)
}

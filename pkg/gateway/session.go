package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pario-ai/allowance/pkg/models"
	"github.com/pario-ai/allowance/pkg/signer"
	"github.com/pario-ai/allowance/pkg/telemetry"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive Status = "active"
	StatusClosed Status = "closed"
)

// Limits are the caps requested for a session. Zero means unbounded.
type Limits struct {
	MaxTotal      decimal.Decimal
	MaxPerRequest decimal.Decimal
	ExpiresAt     time.Time
}

// Policy expresses the limits as a budget policy, which also validates them.
func (l Limits) Policy() (models.BudgetPolicy, error) {
	return models.NewBudgetPolicy(l.MaxPerRequest, decimal.Zero, l.MaxTotal, l.ExpiresAt)
}

// Request is one debited call.
type Request struct {
	ServiceType    string
	Payload        json.RawMessage
	MaxPrice       decimal.Decimal
	IdempotencyKey string
}

// CallResult is the outcome of Session.Call. Transaction is always set;
// Result only when the remote side accepted the call.
type CallResult struct {
	Transaction  models.Transaction
	Result       models.ProxyResult
	TotalSpent   decimal.Decimal
	Remaining    *decimal.Decimal
	RequestCount int64
}

// CloseResult is the reconciled state of a closed session.
type CloseResult struct {
	SessionID    string
	Principal    string
	TotalSpent   decimal.Decimal
	RequestCount int64
	// AlreadyClosed is set when the remote side no longer knew the session.
	AlreadyClosed bool
}

// Session is one open, capped delegation. Bookkeeping is serialized per
// session; network calls are not.
type Session struct {
	client   *Client
	identity *signer.Identity
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	id            string
	token         string
	principal     string
	maxTotal      decimal.Decimal
	maxPerRequest decimal.Decimal

	mu           sync.Mutex
	totalSpent   decimal.Decimal
	requestCount int64
	status       Status

	closeMu  sync.Mutex
	closed   *CloseResult
	closeErr error
}

func (s *Session) ID() string                     { return s.id }
func (s *Session) Principal() string              { return s.principal }
func (s *Session) MaxTotal() decimal.Decimal      { return s.maxTotal }
func (s *Session) MaxPerRequest() decimal.Decimal { return s.maxPerRequest }

// TotalSpent is the last remote-confirmed spend.
func (s *Session) TotalSpent() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSpent
}

// RequestCount is the last remote-confirmed request count.
func (s *Session) RequestCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount
}

// Status reports whether the session is still active.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Call debits the session for one request. Budget rejections, local or
// remote, are returned as rejected transactions with a nil error. Any error
// leaves the session counters untouched.
func (s *Session) Call(ctx context.Context, req Request) (CallResult, error) {
	start := s.now()

	s.mu.Lock()
	if s.status == StatusClosed {
		s.mu.Unlock()
		return CallResult{}, ErrSessionClosed
	}
	spent := s.totalSpent
	s.mu.Unlock()

	if reason, ok := s.precheck(spent, req.MaxPrice); !ok {
		tx := s.transaction(req, models.OriginLocal, req.MaxPrice, reason)
		s.record(ctx, start, tx, "rejected")
		return CallResult{Transaction: tx, TotalSpent: spent}, nil
	}

	body := models.ProxyRequest{
		SessionID:   s.id,
		ServiceType: req.ServiceType,
		Payload:     req.Payload,
	}
	if req.MaxPrice.IsPositive() {
		mp := req.MaxPrice
		body.MaxPrice = &mp
	}
	if s.identity != nil {
		if spendCap := s.spendCap(spent, req.MaxPrice); spendCap.IsPositive() {
			auth, _, err := s.identity.SignSpend(req.ServiceType, spendCap)
			if err != nil {
				return CallResult{}, err
			}
			body.Authorization = &auth
			if body.MaxPrice == nil {
				body.MaxPrice = &spendCap
			}
		}
	}

	resp, result, err := s.client.Proxy(ctx, s.token, req.IdempotencyKey, body)
	if err != nil {
		var be *BudgetExceeded
		if errors.As(err, &be) {
			tx := s.transaction(req, models.OriginRemote, req.MaxPrice, be.Reason())
			s.record(ctx, start, tx, "rejected")
			return CallResult{Transaction: tx, TotalSpent: spent}, nil
		}
		var ae *APIError
		if errors.As(err, &ae) && (ae.Status == http.StatusNotFound || ae.Code == models.CodeSessionClosed) {
			s.markClosed()
		}
		s.metrics.RecordCall(ctx, s.now().Sub(start), "error")
		return CallResult{}, err
	}

	s.mu.Lock()
	if s.status == StatusActive && resp.RequestCount >= s.requestCount {
		s.totalSpent = *resp.TotalSpent
		s.requestCount = resp.RequestCount
	} else {
		s.logger.Debug("stale call response ignored",
			zap.String("session", s.id),
			zap.Int64("request_count", resp.RequestCount),
			zap.Int64("applied", s.requestCount),
		)
	}
	s.mu.Unlock()

	tx := s.transaction(req, models.OriginRemote, *result.AmountPaid, "")
	tx.To = result.Seller
	tx.OfferingID = result.OfferingID
	s.record(ctx, start, tx, "ok")

	return CallResult{
		Transaction:  tx,
		Result:       result,
		TotalSpent:   *resp.TotalSpent,
		Remaining:    resp.Remaining,
		RequestCount: resp.RequestCount,
	}, nil
}

// precheck refuses calls the session caps already rule out.
func (s *Session) precheck(spent, maxPrice decimal.Decimal) (string, bool) {
	if s.maxPerRequest.IsPositive() && maxPrice.GreaterThan(s.maxPerRequest) {
		return models.ReasonMaxPerTx, false
	}
	if s.maxTotal.IsPositive() {
		if !spent.LessThan(s.maxTotal) {
			return models.ReasonTotalLimit, false
		}
		if maxPrice.IsPositive() && spent.Add(maxPrice).GreaterThan(s.maxTotal) {
			return models.ReasonTotalLimit, false
		}
	}
	return "", true
}

// spendCap is the amount a signed spend instruction authorizes: the request's
// max price, else the per-request cap, else what is left of the session.
func (s *Session) spendCap(spent, maxPrice decimal.Decimal) decimal.Decimal {
	switch {
	case maxPrice.IsPositive():
		return maxPrice
	case s.maxPerRequest.IsPositive():
		return s.maxPerRequest
	case s.maxTotal.IsPositive():
		return s.maxTotal.Sub(spent)
	}
	return decimal.Zero
}

func (s *Session) transaction(req Request, origin models.Origin, amount decimal.Decimal, reason string) models.Transaction {
	tx := models.Transaction{
		ID:        uuid.NewString(),
		From:      s.principal,
		To:        req.ServiceType,
		Amount:    amount,
		Category:  req.ServiceType,
		Status:    models.OutcomeAccepted,
		Origin:    origin,
		Timestamp: s.now().UTC(),
	}
	if reason != "" {
		tx.Status = models.OutcomeRejected
		tx.RejectionReason = reason
	}
	return tx
}

func (s *Session) record(ctx context.Context, start time.Time, tx models.Transaction, status string) {
	s.metrics.RecordCall(ctx, s.now().Sub(start), status)
	s.metrics.RecordSpend(ctx, string(tx.Origin), string(tx.Status), tx.RejectionReason, tx.Amount.InexactFloat64())
	if !tx.Accepted() {
		s.logger.Debug("call rejected",
			zap.String("session", s.id),
			zap.String("principal", s.principal),
			zap.String("origin", string(tx.Origin)),
			zap.String("reason", tx.RejectionReason),
		)
	}
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.status = StatusClosed
	s.mu.Unlock()
}

// Close tears the session down. Once the remote side has confirmed the close,
// later calls return the first result without another request. A transport
// failure leaves the session active so Close can be retried.
func (s *Session) Close(ctx context.Context) (CloseResult, error) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed != nil {
		return *s.closed, s.closeErr
	}

	resp, err := s.client.CloseSession(ctx, s.token, s.id)

	var (
		pe *ProtocolError
		ae *APIError
	)
	switch {
	case err == nil:
		s.mu.Lock()
		s.status = StatusClosed
		s.totalSpent = *resp.TotalSpent
		if resp.RequestCount > s.requestCount {
			s.requestCount = resp.RequestCount
		}
		result := CloseResult{SessionID: s.id, Principal: s.principal, TotalSpent: s.totalSpent, RequestCount: s.requestCount}
		s.mu.Unlock()
		s.closed = &result
		return result, nil

	case errors.As(err, &pe):
		// A 2xx with a bad body still closed the session remotely.
		result := s.closeLocally(false)
		s.closed, s.closeErr = &result, err
		return result, err

	case errors.As(err, &ae) && ae.Status == http.StatusNotFound:
		result := s.closeLocally(true)
		s.closed = &result
		return result, nil
	}

	return CloseResult{SessionID: s.id, Principal: s.principal, TotalSpent: s.TotalSpent()}, err
}

func (s *Session) closeLocally(already bool) CloseResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusClosed
	return CloseResult{
		SessionID:     s.id,
		Principal:     s.principal,
		TotalSpent:    s.totalSpent,
		RequestCount:  s.requestCount,
		AlreadyClosed: already,
	}
}

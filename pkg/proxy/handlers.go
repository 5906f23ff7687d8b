package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pario-ai/allowance/pkg/budget"
	"github.com/pario-ai/allowance/pkg/ledger"
	"github.com/pario-ai/allowance/pkg/market"
	"github.com/pario-ai/allowance/pkg/models"
)

const maxBodyBytes = 1 << 20

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req models.OpenSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, models.CodeInvalidRequest, "invalid request body", "")
		return
	}
	if req.Principal == "" {
		writeJSONError(w, http.StatusBadRequest, models.CodeInvalidRequest, "principal is required", "")
		return
	}

	if d, ok := s.denied[req.Principal]; ok {
		msg := d.Message
		if msg == "" {
			msg = "principal is not permitted to open sessions"
		}
		writeJSONError(w, http.StatusForbidden, models.CodePolicyDenied, msg, d.Contact)
		return
	}

	limits, err := models.NewBudgetPolicy(req.MaxPerRequest, decimal.Zero, req.MaxTotal, deref(req.ExpiresAt))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, models.CodeInvalidRequest, err.Error(), "")
		return
	}

	status, err := s.market.Principal(req.Principal)
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownPrincipal) {
			writeJSONError(w, http.StatusNotFound, models.CodeNotFound, "unknown principal", "")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, models.CodeInternal, "principal lookup failed", "")
		return
	}
	now := s.now()
	if status.Revoked || status.Policy.Expired(now) {
		writeJSONError(w, http.StatusForbidden, models.CodePolicyDenied, "spending authority revoked or expired", "")
		return
	}
	if limits.Expired(now) {
		writeJSONError(w, http.StatusBadRequest, models.CodeInvalidRequest, "session expiry is in the past", "")
		return
	}

	keyID, err := s.verifyDelegation(r.Context(), req)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, models.CodeUnauthorized, "delegation rejected: "+err.Error(), "")
		return
	}

	if !budget.Spendable(status.Policy, status.Account).IsPositive() {
		writeJSONError(w, http.StatusUnprocessableEntity, models.CodeBudgetExceeded, "no spendable budget left", "")
		return
	}

	sess := &session{
		id:            uuid.NewString(),
		principal:     req.Principal,
		keyID:         keyID,
		maxTotal:      req.MaxTotal,
		maxPerRequest: grantedPerRequest(req.MaxPerRequest, status.Policy.MaxPerTransaction),
		expiresAt:     deref(req.ExpiresAt),
		spent:         decimal.Zero,
	}
	token, err := s.issueToken(sess)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, models.CodeInternal, "issue token failed", "")
		return
	}

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.metrics.SessionOpened(r.Context())
	s.logger.Info("session opened",
		zap.String("session", sess.id),
		zap.String("principal", sess.principal),
		zap.String("max_total", sess.maxTotal.String()),
	)
	writeJSON(w, http.StatusCreated, models.OpenSessionResponse{
		SessionID:     sess.id,
		Token:         token,
		MaxTotal:      sess.maxTotal,
		MaxPerRequest: sess.maxPerRequest,
	})
}

// grantedPerRequest narrows the requested per-request cap to the principal's
// own per-transaction ceiling.
func grantedPerRequest(requested, policy decimal.Decimal) decimal.Decimal {
	if !policy.IsPositive() {
		return requested
	}
	if !requested.IsPositive() || requested.GreaterThan(policy) {
		return policy
	}
	return requested
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	claims, err := s.authenticate(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, models.CodeUnauthorized, err.Error(), "")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, models.CodeInvalidRequest, "failed to read request body", "")
		return
	}
	r.Body.Close()

	var req models.ProxyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, models.CodeInvalidRequest, "invalid request body", "")
		return
	}
	if req.SessionID != claims.SessionID {
		writeJSONError(w, http.StatusUnauthorized, models.CodeUnauthorized, "token does not belong to session", "")
		return
	}

	sess, ok := s.lookup(req.SessionID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, models.CodeNotFound, "unknown session", "")
		return
	}

	key := r.Header.Get("Idempotency-Key")
	code, out, hit := s.settleOnce(r.Context(), sess, req, key)

	w.Header().Set("Content-Type", "application/json")
	if key != "" {
		if hit {
			w.Header().Set("X-Allowance-Idempotent", "hit")
		} else {
			w.Header().Set("X-Allowance-Idempotent", "miss")
		}
	}
	w.WriteHeader(code)
	w.Write(out)
}

// settleOnce settles one proxy call under the session lock. A keyed call is
// looked up and stored in the idempotency cache while the lock is held, so
// concurrent retries of the same call are charged once.
func (s *Server) settleOnce(ctx context.Context, sess *session, req models.ProxyRequest, key string) (int, []byte, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	keyed := key != "" && s.cache != nil
	if keyed {
		if cached, ok := s.cache.Get(ctx, sess.id, key); ok {
			return cached.StatusCode, cached.Response, true
		}
	}

	code, resp := s.settle(ctx, sess, req)
	out, err := json.Marshal(resp)
	if err != nil {
		code, resp = errorBody(http.StatusInternalServerError, models.CodeInternal, "encode response failed")
		out, _ = json.Marshal(resp)
		return code, out, false
	}
	if keyed && code < http.StatusInternalServerError {
		if err := s.cache.Put(ctx, models.IdempotencyEntry{
			Key:        key,
			SessionID:  sess.id,
			StatusCode: code,
			Response:   out,
		}); err != nil {
			s.logger.Error("idempotency cache put failed", zap.Error(err))
		}
	}
	return code, out, false
}

// settle runs one proxy call and returns the status code and body to send.
// The caller holds sess.mu.
func (s *Server) settle(ctx context.Context, sess *session, req models.ProxyRequest) (int, any) {
	switch {
	case sess.closed:
		return errorBody(http.StatusConflict, models.CodeSessionClosed, "session is closed")
	case !sess.expiresAt.IsZero() && !s.now().Before(sess.expiresAt):
		return errorBody(http.StatusUnprocessableEntity, models.CodeBudgetExceeded, "session expired")
	}

	signed, err := s.verifySpend(ctx, sess, req)
	if err != nil {
		return errorBody(http.StatusUnauthorized, models.CodeUnauthorized, "spend rejected: "+err.Error())
	}

	ceiling := minPositive(sess.maxPerRequest, signed)
	if req.MaxPrice != nil {
		ceiling = minPositive(ceiling, *req.MaxPrice)
	}
	if sess.maxTotal.IsPositive() {
		left := sess.maxTotal.Sub(sess.spent)
		if !left.IsPositive() {
			return errorBody(http.StatusUnprocessableEntity, models.CodeBudgetExceeded, "session cap reached")
		}
		ceiling = minPositive(ceiling, left)
	}

	if len(s.market.Discover(market.Filter{Category: req.ServiceType})) == 0 {
		return errorBody(http.StatusNotFound, models.CodeNoOffering, "no offering for service type "+req.ServiceType)
	}
	offers := s.market.Discover(market.Filter{Category: req.ServiceType, MaxPrice: ceiling})
	if len(offers) == 0 {
		return errorBody(http.StatusUnprocessableEntity, models.CodeBudgetExceeded, "no offering within price cap "+ceiling.String())
	}
	o := offers[0]

	tx, err := s.market.Transact(ctx, sess.principal, o.Seller, o.Price, o.ID)
	if err != nil {
		s.logger.Error("transact failed", zap.String("session", sess.id), zap.Error(err))
		return errorBody(http.StatusInternalServerError, models.CodeInternal, "settlement failed")
	}
	if !tx.Accepted() {
		return errorBody(http.StatusUnprocessableEntity, models.CodeBudgetExceeded, tx.RejectionReason)
	}

	delivery, err := s.market.SimulateDelivery(ctx, o.ID)
	if err != nil {
		s.logger.Error("simulate delivery failed", zap.String("offering", o.ID), zap.Error(err))
	}

	sess.spent = sess.spent.Add(tx.Amount)
	sess.count++

	paid := tx.Amount
	result, _ := json.Marshal(models.ProxyResult{
		AmountPaid: &paid,
		OfferingID: o.ID,
		Seller:     o.Seller,
		Delivered:  delivery.Success,
		Quality:    delivery.Quality,
	})
	spent := sess.spent
	resp := models.ProxyResponse{
		Result:       result,
		TotalSpent:   &spent,
		RequestCount: sess.count,
	}
	if sess.maxTotal.IsPositive() {
		left := sess.maxTotal.Sub(sess.spent)
		resp.Remaining = &left
	}
	return http.StatusOK, resp
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	claims, err := s.authenticate(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, models.CodeUnauthorized, err.Error(), "")
		return
	}
	if claims.SessionID != id {
		writeJSONError(w, http.StatusUnauthorized, models.CodeUnauthorized, "token does not belong to session", "")
		return
	}
	sess, ok := s.lookup(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, models.CodeNotFound, "unknown session", "")
		return
	}

	sess.mu.Lock()
	first := !sess.closed
	sess.closed = true
	spent, count := sess.spent, sess.count
	sess.mu.Unlock()

	if first {
		s.metrics.SessionClosed(r.Context())
		s.logger.Info("session closed",
			zap.String("session", id),
			zap.String("principal", sess.principal),
			zap.String("total_spent", spent.String()),
		)
	}
	writeJSON(w, http.StatusOK, models.CloseSessionResponse{
		SessionID:    id,
		TotalSpent:   &spent,
		RequestCount: count,
	})
}

func (s *Server) handlePrincipal(w http.ResponseWriter, r *http.Request) {
	status, err := s.market.Principal(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, models.CodeNotFound, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleRevoke expires the principal's policy, revokes its signing keys and
// closes its open sessions.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.market.Revoke(r.Context(), id); err != nil {
		writeJSONError(w, http.StatusNotFound, models.CodeNotFound, err.Error(), "")
		return
	}
	var keys []string
	if s.verifier != nil {
		keys = s.verifier.RevokePrincipal(id)
	}

	s.mu.Lock()
	var open []*session
	for _, sess := range s.sessions {
		if sess.principal == id {
			open = append(open, sess)
		}
	}
	s.mu.Unlock()

	closed := 0
	for _, sess := range open {
		sess.mu.Lock()
		if !sess.closed {
			sess.closed = true
			closed++
			s.metrics.SessionClosed(r.Context())
		}
		sess.mu.Unlock()
	}
	s.logger.Info("principal revoked",
		zap.String("principal", id),
		zap.Strings("keys", keys),
		zap.Int("sessions_closed", closed),
	)
	writeJSON(w, http.StatusOK, map[string]any{"principal": id, "revoked": true, "sessionsClosed": closed, "keysRevoked": len(keys)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		writeJSONError(w, http.StatusNotFound, models.CodeNotFound, "metrics disabled", "")
		return
	}
	snap, err := s.provider.Snapshot(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, models.CodeInternal, err.Error(), "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func errorBody(code int, errCode, message string) (int, any) {
	return code, models.ErrorBody{Error: models.ErrorDetail{Code: errCode, Message: message}}
}

// minPositive returns the smaller of a and b, treating zero as unbounded.
func minPositive(a, b decimal.Decimal) decimal.Decimal {
	switch {
	case !a.IsPositive():
		return b
	case !b.IsPositive():
		return a
	case a.LessThan(b):
		return a
	}
	return b
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

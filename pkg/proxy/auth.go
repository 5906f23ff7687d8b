package proxy

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pario-ai/allowance/pkg/models"
	"github.com/pario-ai/allowance/pkg/signer"
)

var (
	errMissingToken     = errors.New("missing bearer token")
	errMissingSignature = errors.New("signed authorization required")
	errClaimMismatch    = errors.New("authorization does not match request")
	errForeignKey       = errors.New("authorization signed by a key not bound to the session")
	errAdminDisabled    = errors.New("admin token not configured")
	errAdminToken       = errors.New("invalid admin token")
)

// sessionClaims binds a bearer token to one session.
type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

func (s *Server) issueToken(sess *session) (string, error) {
	now := s.now()
	ttl := s.cfg.Server.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	exp := now.Add(ttl)
	if !sess.expiresAt.IsZero() && sess.expiresAt.Before(exp) {
		exp = sess.expiresAt
	}
	claims := sessionClaims{
		SessionID: sess.id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.principal,
			Issuer:    "allowance",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// authenticate validates the bearer token and returns its claims.
func (s *Server) authenticate(r *http.Request) (*sessionClaims, error) {
	raw := extractToken(r)
	if raw == "" {
		return nil, errMissingToken
	}
	claims := &sessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// admin guards operator endpoints with the configured admin bearer token.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		want := s.cfg.Server.AdminToken
		if want == "" {
			writeJSONError(w, http.StatusForbidden, models.CodePolicyDenied, errAdminDisabled.Error(), "")
			return
		}
		got := extractToken(r)
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeJSONError(w, http.StatusUnauthorized, models.CodeUnauthorized, errAdminToken.Error(), "")
			return
		}
		next(w, r)
	}
}

func (s *Server) signaturesRequired() bool {
	return s.cfg.Server.RequireSignatures
}

// verifyDelegation checks the grant attached to an open request and returns
// the id of the key that signed it. It returns "" and nil when no grant is
// attached and none is required.
func (s *Server) verifyDelegation(ctx context.Context, req models.OpenSessionRequest) (string, error) {
	if req.Authorization == nil {
		if s.signaturesRequired() {
			return "", errMissingSignature
		}
		return "", nil
	}
	auth := *req.Authorization
	grant, err := signer.ParseDelegation(auth)
	if err == nil {
		switch {
		case grant.Delegate != req.Principal,
			!grant.Policy.MaxLifetime.Equal(req.MaxTotal),
			!grant.Policy.MaxPerTransaction.Equal(req.MaxPerRequest):
			err = errClaimMismatch
		default:
			err = s.verify(func() error { return s.verifier.VerifyDelegation(ctx, auth, grant) })
		}
	}
	s.audit(ctx, auth, req.Principal, "", req.MaxTotal, err)
	if err != nil {
		return "", err
	}
	return auth.KeyID, nil
}

// verifySpend checks the spend instruction attached to a proxy call and
// returns the amount it authorizes. A zero amount means no instruction.
func (s *Server) verifySpend(ctx context.Context, sess *session, req models.ProxyRequest) (decimal.Decimal, error) {
	if req.Authorization == nil {
		if s.signaturesRequired() {
			return decimal.Zero, errMissingSignature
		}
		return decimal.Zero, nil
	}
	auth := *req.Authorization
	spend, err := signer.ParseSpend(auth)
	if err == nil {
		switch {
		case spend.To != req.ServiceType,
			req.MaxPrice != nil && !spend.Amount.Equal(*req.MaxPrice):
			err = errClaimMismatch
		case !s.boundTo(sess, auth.KeyID):
			err = errForeignKey
		default:
			err = s.verify(func() error { return s.verifier.VerifySpend(ctx, auth, spend) })
		}
	}
	s.audit(ctx, auth, sess.principal, sess.id, spend.Amount, err)
	return spend.Amount, err
}

// boundTo reports whether keyID may sign spends on sess. A session opened with
// a grant accepts only the granting key. Otherwise the key must belong to the
// session's principal; unknown keys are left for the verifier to refuse.
func (s *Server) boundTo(sess *session, keyID string) bool {
	if sess.keyID != "" {
		return keyID == sess.keyID
	}
	if s.verifier == nil {
		return true
	}
	owner, ok := s.verifier.Owner(keyID)
	return !ok || owner == sess.principal
}

func (s *Server) verify(fn func() error) error {
	if s.verifier == nil {
		return errors.New("no verifier configured")
	}
	return fn()
}

func (s *Server) audit(ctx context.Context, auth models.Authorization, principal, sessionID string, amount decimal.Decimal, verr error) {
	rec := models.AuthorizationRecord{
		KeyID:     auth.KeyID,
		Kind:      auth.Kind,
		Principal: principal,
		SessionID: sessionID,
		Nonce:     auth.Nonce,
		Amount:    amount,
		Message:   auth.Message,
		Verified:  verr == nil,
		CreatedAt: s.now().UTC(),
	}
	if verr != nil {
		rec.Failure = verr.Error()
		s.logger.Warn("authorization rejected",
			zap.String("key_id", auth.KeyID),
			zap.String("kind", auth.Kind),
			zap.String("principal", principal),
			zap.Error(verr),
		)
	}
	if err := s.auditor.Log(ctx, rec); err != nil {
		s.logger.Error("audit log failed", zap.Error(err))
	}
}

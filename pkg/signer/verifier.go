package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pario-ai/allowance/pkg/models"
	"github.com/pario-ai/allowance/pkg/telemetry"
)

var (
	// ErrRevoked is returned for authorizations signed by a revoked key.
	ErrRevoked = errors.New("signing key revoked")
	// ErrExpired is returned for delegation grants whose policy has expired.
	ErrExpired = errors.New("authorization expired")
	// ErrUnknownKey is returned when the key id was never registered.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrBadSignature is returned when the signature does not cover the claimed fields.
	ErrBadSignature = errors.New("bad signature")
	// ErrWrongPrincipal is returned when a key signs for a principal it is not bound to.
	ErrWrongPrincipal = errors.New("signing key not bound to principal")
)

// ReplayError is returned when a nonce is not greater than the last accepted
// nonce for the key.
type ReplayError struct {
	KeyID string
	Nonce uint64
	Last  uint64
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replayed authorization: key %s nonce %d not above %d", e.KeyID, e.Nonce, e.Last)
}

// Verifier checks authorizations against registered keys and tracks the
// highest nonce accepted per key.
type Verifier struct {
	mu      sync.RWMutex
	keys    map[string]ed25519.PublicKey
	owners  map[string]string
	revoked map[string]bool

	nonces  NonceStore
	now     func() time.Time
	metrics *telemetry.Metrics
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides time.Now for expiry checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithVerifierMetrics counts refused authorizations on m.
func WithVerifierMetrics(m *telemetry.Metrics) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier creates a verifier. A nil store uses a MemoryNonceStore.
func NewVerifier(store NonceStore, opts ...VerifierOption) *Verifier {
	if store == nil {
		store = NewMemoryNonceStore()
	}
	v := &Verifier{
		keys:    make(map[string]ed25519.PublicKey),
		owners:  make(map[string]string),
		revoked: make(map[string]bool),
		nonces:  store,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Register adds a verification key owned by principal. Re-registering a
// revoked key id, or moving a key to another principal, is refused.
func (v *Verifier) Register(keyID, principal string, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("register %s: invalid public key size %d", keyID, len(pub))
	}
	if principal == "" {
		return fmt.Errorf("register %s: principal is required", keyID)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.revoked[keyID] {
		return fmt.Errorf("register %s: %w", keyID, ErrRevoked)
	}
	if owner, ok := v.owners[keyID]; ok && owner != principal {
		return fmt.Errorf("register %s for %s: already bound to %s: %w", keyID, principal, owner, ErrWrongPrincipal)
	}
	v.keys[keyID] = pub
	v.owners[keyID] = principal
	return nil
}

// Owner returns the principal keyID is bound to.
func (v *Verifier) Owner(keyID string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	owner, ok := v.owners[keyID]
	return owner, ok
}

// KeysOf lists the key ids bound to principal.
func (v *Verifier) KeysOf(principal string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var ids []string
	for id, owner := range v.owners {
		if owner == principal {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RevokePrincipal revokes every key bound to principal and returns their ids.
func (v *Verifier) RevokePrincipal(principal string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var ids []string
	for id, owner := range v.owners {
		if owner == principal {
			v.revoked[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Revoke stops accepting authorizations from keyID. It takes effect for every
// verification that starts after it returns.
func (v *Verifier) Revoke(keyID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.revoked[keyID] = true
}

// Revoked reports whether keyID has been revoked.
func (v *Verifier) Revoked(keyID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.revoked[keyID]
}

// VerifySpend checks that auth signs exactly the claimed instruction and that
// its nonce is fresh.
func (v *Verifier) VerifySpend(ctx context.Context, auth models.Authorization, claimed SpendInstruction) error {
	err := v.verify(ctx, auth, KindSpend, claimed.Nonce, claimed)
	v.record(ctx, err)
	return err
}

// VerifyDelegation checks the grant signature, its expiry and nonce freshness.
// The signing key must be bound to the grant's delegate.
func (v *Verifier) VerifyDelegation(ctx context.Context, auth models.Authorization, claimed DelegationGrant) error {
	if claimed.Policy.Expired(v.now()) {
		v.record(ctx, ErrExpired)
		return fmt.Errorf("verify delegation to %s: %w", claimed.Delegate, ErrExpired)
	}
	if owner, ok := v.Owner(auth.KeyID); ok && owner != claimed.Delegate {
		v.record(ctx, ErrWrongPrincipal)
		return fmt.Errorf("verify delegation to %s: key %s: %w", claimed.Delegate, auth.KeyID, ErrWrongPrincipal)
	}
	err := v.verify(ctx, auth, KindDelegation, claimed.Nonce, claimed)
	v.record(ctx, err)
	return err
}

func (v *Verifier) verify(ctx context.Context, auth models.Authorization, kind string, nonce uint64, claimed any) error {
	v.mu.RLock()
	pub, known := v.keys[auth.KeyID]
	revoked := v.revoked[auth.KeyID]
	v.mu.RUnlock()

	if revoked {
		return fmt.Errorf("verify %s: key %s: %w", kind, auth.KeyID, ErrRevoked)
	}
	if !known {
		return fmt.Errorf("verify %s: key %s: %w", kind, auth.KeyID, ErrUnknownKey)
	}
	if auth.Kind != kind || auth.Nonce != nonce {
		return fmt.Errorf("verify %s: header does not match claim: %w", kind, ErrBadSignature)
	}

	msg, err := Canonical(kind, auth.KeyID, claimed)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(auth.Signature)
	if err != nil || !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("verify %s: %w", kind, ErrBadSignature)
	}

	last, ok, err := v.nonces.Advance(ctx, auth.KeyID, nonce)
	if err != nil {
		return fmt.Errorf("verify %s: advance nonce: %w", kind, err)
	}
	if !ok {
		return &ReplayError{KeyID: auth.KeyID, Nonce: nonce, Last: last}
	}
	return nil
}

func (v *Verifier) record(ctx context.Context, err error) {
	if err == nil {
		return
	}
	var replay *ReplayError
	switch {
	case errors.As(err, &replay):
		v.metrics.RecordAuthorizationRejected(ctx, "replay")
	case errors.Is(err, ErrRevoked):
		v.metrics.RecordAuthorizationRejected(ctx, "revoked")
	case errors.Is(err, ErrExpired):
		v.metrics.RecordAuthorizationRejected(ctx, "expired")
	case errors.Is(err, ErrWrongPrincipal):
		v.metrics.RecordAuthorizationRejected(ctx, "wrong_principal")
	default:
		v.metrics.RecordAuthorizationRejected(ctx, "invalid")
	}
}

package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pario-ai/allowance/pkg/models"
)

// Identity is a signing key with its own nonce sequence. It is safe for
// concurrent use; every signature consumes a distinct nonce.
type Identity struct {
	keyID string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	nonce atomic.Uint64
	now   func() time.Time
}

// NewIdentity generates a fresh key pair.
func NewIdentity(keyID string) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return FromKey(keyID, priv), nil
}

// FromKey wraps an existing private key.
func FromKey(keyID string, priv ed25519.PrivateKey) *Identity {
	return &Identity{
		keyID: keyID,
		priv:  priv,
		pub:   priv.Public().(ed25519.PublicKey),
		now:   time.Now,
	}
}

// FromHex wraps a hex-encoded private key.
func FromHex(keyID, privHex string) (*Identity, error) {
	priv, err := DecodePrivateKey(privHex)
	if err != nil {
		return nil, err
	}
	return FromKey(keyID, priv), nil
}

// KeyID returns the identity's key id.
func (i *Identity) KeyID() string { return i.keyID }

// PublicKey returns the verification key.
func (i *Identity) PublicKey() ed25519.PublicKey { return i.pub }

// PrivateKey returns the signing key.
func (i *Identity) PrivateKey() ed25519.PrivateKey { return i.priv }

// NextNonce allocates the next nonce. Concurrent callers never see the same value.
func (i *Identity) NextNonce() uint64 { return i.nonce.Add(1) }

// LastNonce returns the most recently allocated nonce.
func (i *Identity) LastNonce() uint64 { return i.nonce.Load() }

// AdvanceTo raises the nonce counter to at least n, for resuming a sequence
// a verifier has already seen.
func (i *Identity) AdvanceTo(n uint64) {
	for {
		cur := i.nonce.Load()
		if cur >= n || i.nonce.CompareAndSwap(cur, n) {
			return
		}
	}
}

// SignSpend authorizes paying up to amount to the counterparty.
func (i *Identity) SignSpend(to string, amount decimal.Decimal) (models.Authorization, SpendInstruction, error) {
	si := SpendInstruction{
		To:        to,
		Amount:    amount,
		Nonce:     i.NextNonce(),
		Timestamp: i.now().UnixMilli(),
	}
	auth, err := i.sign(KindSpend, si.Nonce, si)
	return auth, si, err
}

// SignDelegation grants policy to delegate.
func (i *Identity) SignDelegation(delegate string, policy models.BudgetPolicy) (models.Authorization, DelegationGrant, error) {
	g := DelegationGrant{
		Delegate:  delegate,
		Policy:    policy,
		Nonce:     i.NextNonce(),
		Timestamp: i.now().UnixMilli(),
	}
	auth, err := i.sign(KindDelegation, g.Nonce, g)
	return auth, g, err
}

func (i *Identity) sign(kind string, nonce uint64, payload any) (models.Authorization, error) {
	msg, err := Canonical(kind, i.keyID, payload)
	if err != nil {
		return models.Authorization{}, err
	}
	return models.Authorization{
		KeyID:     i.keyID,
		Kind:      kind,
		Message:   string(msg),
		Signature: hex.EncodeToString(ed25519.Sign(i.priv, msg)),
		Nonce:     nonce,
	}, nil
}

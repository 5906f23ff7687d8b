// Package signer binds spends and delegations to an ed25519 key, a strictly
// increasing nonce and a timestamp, and verifies them on the receiving side.
package signer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"

	"github.com/pario-ai/allowance/pkg/models"
)

// Authorization kinds.
const (
	KindSpend      = "spend"
	KindDelegation = "delegation"
)

// SpendInstruction authorizes paying up to Amount to To.
type SpendInstruction struct {
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Nonce     uint64          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
}

// DelegationGrant hands a bounded spending authority to Delegate.
type DelegationGrant struct {
	Delegate  string              `json:"delegate"`
	Policy    models.BudgetPolicy `json:"policy"`
	Nonce     uint64              `json:"nonce"`
	Timestamp int64               `json:"timestamp"`
}

// Time returns the instruction timestamp.
func (s SpendInstruction) Time() time.Time { return time.UnixMilli(s.Timestamp).UTC() }

// Time returns the grant timestamp.
func (g DelegationGrant) Time() time.Time { return time.UnixMilli(g.Timestamp).UTC() }

type envelope struct {
	Kind    string          `json:"kind"`
	KeyID   string          `json:"keyId"`
	Payload json.RawMessage `json:"payload"`
}

// Canonical returns the RFC 8785 encoding of payload wrapped with its kind and
// key id. These are the bytes that get signed.
func Canonical(kind, keyID string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	raw, err := json.Marshal(envelope{Kind: kind, KeyID: keyID, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize %s: %w", kind, err)
	}
	return out, nil
}

// ParseSpend decodes the claimed spend instruction from an authorization.
func ParseSpend(auth models.Authorization) (SpendInstruction, error) {
	var si SpendInstruction
	if err := parse(auth, KindSpend, &si); err != nil {
		return SpendInstruction{}, err
	}
	return si, nil
}

// ParseDelegation decodes the claimed delegation grant from an authorization.
func ParseDelegation(auth models.Authorization) (DelegationGrant, error) {
	var g DelegationGrant
	if err := parse(auth, KindDelegation, &g); err != nil {
		return DelegationGrant{}, err
	}
	return g, nil
}

func parse(auth models.Authorization, kind string, into any) error {
	if auth.Kind != kind {
		return fmt.Errorf("parse authorization: kind %q, want %q", auth.Kind, kind)
	}
	var env envelope
	if err := json.Unmarshal([]byte(auth.Message), &env); err != nil {
		return fmt.Errorf("parse authorization envelope: %w", err)
	}
	if env.Kind != kind || env.KeyID != auth.KeyID {
		return fmt.Errorf("parse authorization: envelope does not match header")
	}
	if err := json.Unmarshal(env.Payload, into); err != nil {
		return fmt.Errorf("parse %s payload: %w", kind, err)
	}
	return nil
}

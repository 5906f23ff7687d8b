package signer

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// EncodePrivateKey returns the hex-encoded 32-byte seed of priv.
func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv.Seed())
}

// DecodePrivateKey accepts a hex seed (32 bytes) or a full private key (64 bytes).
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("decode private key: unexpected length %d", len(b))
	}
}

// EncodePublicKey returns pub as hex.
func EncodePublicKey(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// DecodePublicKey parses a hex public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decode public key: unexpected length %d", len(b))
	}
	return ed25519.PublicKey(b), nil
}

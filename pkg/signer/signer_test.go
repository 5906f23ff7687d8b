package signer

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/allowance/pkg/models"
)

func newPair(t *testing.T) (*Identity, *Verifier) {
	t.Helper()
	id, err := NewIdentity("agent-key")
	require.NoError(t, err)
	v := NewVerifier(nil)
	require.NoError(t, v.Register(id.KeyID(), "agent-1", id.PublicKey()))
	return id, v
}

func TestNextNonceConcurrentUnique(t *testing.T) {
	id, err := NewIdentity("k")
	require.NoError(t, err)

	const n = 1000
	var mu sync.Mutex
	seen := make(map[uint64]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := id.NextNonce()
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	assert.Equal(t, uint64(n), id.LastNonce())
}

func TestSignAndVerifySpend(t *testing.T) {
	id, v := newPair(t)
	ctx := context.Background()

	auth, si, err := id.SignSpend("seller-1", decimal.RequireFromString("2.50"))
	require.NoError(t, err)
	assert.Equal(t, KindSpend, auth.Kind)
	assert.Equal(t, uint64(1), auth.Nonce)

	claimed, err := ParseSpend(auth)
	require.NoError(t, err)
	assert.True(t, claimed.Amount.Equal(si.Amount))
	assert.Equal(t, "seller-1", claimed.To)

	require.NoError(t, v.VerifySpend(ctx, auth, claimed))

	// Same nonce again is a replay.
	err = v.VerifySpend(ctx, auth, claimed)
	var replay *ReplayError
	require.ErrorAs(t, err, &replay)
	assert.Equal(t, uint64(1), replay.Nonce)
	assert.Equal(t, uint64(1), replay.Last)
}

func TestVerifyRejectsTamperedClaim(t *testing.T) {
	id, v := newPair(t)

	auth, si, err := id.SignSpend("seller-1", decimal.NewFromInt(1))
	require.NoError(t, err)

	si.Amount = decimal.NewFromInt(100)
	err = v.VerifySpend(context.Background(), auth, si)
	assert.ErrorIs(t, err, ErrBadSignature)

	// A failed signature does not consume the nonce.
	si.Amount = decimal.NewFromInt(1)
	assert.NoError(t, v.VerifySpend(context.Background(), auth, si))
}

func TestOutOfOrderNonceIsReplay(t *testing.T) {
	id, v := newPair(t)
	ctx := context.Background()

	first, si1, err := id.SignSpend("s", decimal.NewFromInt(1))
	require.NoError(t, err)
	second, si2, err := id.SignSpend("s", decimal.NewFromInt(1))
	require.NoError(t, err)

	require.NoError(t, v.VerifySpend(ctx, second, si2))
	var replay *ReplayError
	assert.ErrorAs(t, v.VerifySpend(ctx, first, si1), &replay)
}

func TestRevoke(t *testing.T) {
	id, v := newPair(t)

	auth, si, err := id.SignSpend("s", decimal.NewFromInt(1))
	require.NoError(t, err)

	v.Revoke(id.KeyID())
	assert.True(t, v.Revoked(id.KeyID()))
	assert.ErrorIs(t, v.VerifySpend(context.Background(), auth, si), ErrRevoked)
	assert.ErrorIs(t, v.Register(id.KeyID(), "agent-1", id.PublicKey()), ErrRevoked)
}

func TestDelegationBoundToOwner(t *testing.T) {
	id, v := newPair(t)
	ctx := context.Background()
	policy, err := models.NewBudgetPolicy(decimal.Zero, decimal.Zero, decimal.NewFromInt(10), time.Time{})
	require.NoError(t, err)

	auth, grant, err := id.SignDelegation("agent-2", policy)
	require.NoError(t, err)
	assert.ErrorIs(t, v.VerifyDelegation(ctx, auth, grant), ErrWrongPrincipal)

	auth, grant, err = id.SignDelegation("agent-1", policy)
	require.NoError(t, err)
	assert.NoError(t, v.VerifyDelegation(ctx, auth, grant))
}

func TestRegisterBindsPrincipal(t *testing.T) {
	id, v := newPair(t)

	owner, ok := v.Owner(id.KeyID())
	require.True(t, ok)
	assert.Equal(t, "agent-1", owner)
	assert.ErrorIs(t, v.Register(id.KeyID(), "agent-2", id.PublicKey()), ErrWrongPrincipal)
	assert.Error(t, v.Register("other", "", id.PublicKey()))

	other, err := NewIdentity("agent-1-backup")
	require.NoError(t, err)
	require.NoError(t, v.Register(other.KeyID(), "agent-1", other.PublicKey()))
	assert.Equal(t, []string{"agent-1-backup", "agent-key"}, v.KeysOf("agent-1"))

	assert.Equal(t, []string{"agent-1-backup", "agent-key"}, v.RevokePrincipal("agent-1"))
	assert.True(t, v.Revoked(id.KeyID()))
	assert.True(t, v.Revoked(other.KeyID()))
	assert.Empty(t, v.RevokePrincipal("agent-2"))
}

func TestUnknownKey(t *testing.T) {
	id, err := NewIdentity("stranger")
	require.NoError(t, err)
	auth, si, err := id.SignSpend("s", decimal.NewFromInt(1))
	require.NoError(t, err)

	assert.ErrorIs(t, NewVerifier(nil).VerifySpend(context.Background(), auth, si), ErrUnknownKey)
}

func TestDelegationExpiry(t *testing.T) {
	id, err := NewIdentity("owner")
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewVerifier(nil, WithVerifierClock(func() time.Time { return now }))
	require.NoError(t, v.Register(id.KeyID(), "agent-7", id.PublicKey()))

	policy, err := models.NewBudgetPolicy(decimal.NewFromInt(1), decimal.NewFromInt(5), decimal.NewFromInt(20), now.Add(time.Hour))
	require.NoError(t, err)
	policy = policy.WithAllowLists([]string{"seller-1"}, nil)

	auth, _, err := id.SignDelegation("agent-7", policy)
	require.NoError(t, err)
	grant, err := ParseDelegation(auth)
	require.NoError(t, err)
	assert.Equal(t, []string{"seller-1"}, grant.Policy.AllowedCounterparties)
	require.NoError(t, v.VerifyDelegation(context.Background(), auth, grant))

	auth2, grant2, err := id.SignDelegation("agent-7", policy)
	require.NoError(t, err)
	now = now.Add(2 * time.Hour)
	assert.ErrorIs(t, v.VerifyDelegation(context.Background(), auth2, grant2), ErrExpired)
}

func TestCanonicalIsStable(t *testing.T) {
	a, err := Canonical(KindSpend, "k", SpendInstruction{To: "s", Amount: decimal.RequireFromString("1.50"), Nonce: 3, Timestamp: 10})
	require.NoError(t, err)
	b, err := Canonical(KindSpend, "k", SpendInstruction{To: "s", Amount: decimal.RequireFromString("1.5"), Nonce: 3, Timestamp: 10})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"keyId":"k","kind":"spend","payload":{"amount":"1.5","nonce":3,"timestamp":10,"to":"s"}}`, string(a))
}

func TestParseRejectsMismatchedKind(t *testing.T) {
	id, err := NewIdentity("k")
	require.NoError(t, err)
	auth, _, err := id.SignSpend("s", decimal.NewFromInt(1))
	require.NoError(t, err)
	_, err = ParseDelegation(auth)
	assert.Error(t, err)
}

func TestKeyHexRoundTrip(t *testing.T) {
	id, err := NewIdentity("k")
	require.NoError(t, err)

	restored, err := FromHex("k", EncodePrivateKey(id.PrivateKey()))
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), restored.PublicKey())

	pub, err := DecodePublicKey(EncodePublicKey(id.PublicKey()))
	require.NoError(t, err)
	assert.Equal(t, id.PublicKey(), pub)

	_, err = DecodePrivateKey("abcd")
	assert.Error(t, err)
}

func TestAdvanceTo(t *testing.T) {
	id, err := NewIdentity("k")
	require.NoError(t, err)
	id.AdvanceTo(41)
	assert.Equal(t, uint64(42), id.NextNonce())
	id.AdvanceTo(10)
	assert.Equal(t, uint64(43), id.NextNonce())
}

func TestRedisNonceStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	prefix := "allowance:test:" + time.Now().Format("150405.000000") + ":"
	store := NewRedisNonceStore(client, prefix)

	last, ok, err := store.Advance(ctx, "k", 5)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(5), last)

	last, ok, err = store.Advance(ctx, "k", 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(5), last)

	_, ok, err = store.Advance(ctx, "k", 6)
	require.NoError(t, err)
	assert.True(t, ok)
	_ = client.Del(ctx, prefix+"k").Err()
}

func TestMemoryNonceStoreConcurrent(t *testing.T) {
	store := NewMemoryNonceStore()
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Advance(context.Background(), "k", 7)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if accepted != 1 {
		t.Errorf("expected exactly one acceptance, got %d", accepted)
	}
	if _, ok, _ := store.Advance(context.Background(), "k", 7); ok {
		t.Error("expected replay to be refused")
	}
}

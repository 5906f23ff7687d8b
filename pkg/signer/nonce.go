package signer

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// NonceStore tracks the highest accepted nonce per key. Advance must be atomic:
// it stores nonce and returns ok only if nonce is strictly greater than the
// stored value, and otherwise returns the stored value unchanged.
type NonceStore interface {
	Advance(ctx context.Context, keyID string, nonce uint64) (last uint64, ok bool, err error)
}

// MemoryNonceStore is a process-local NonceStore.
type MemoryNonceStore struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewMemoryNonceStore creates an empty store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{last: make(map[string]uint64)}
}

// Advance implements NonceStore.
func (s *MemoryNonceStore) Advance(_ context.Context, keyID string, nonce uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.last[keyID]
	if nonce <= last {
		return last, false, nil
	}
	s.last[keyID] = nonce
	return nonce, true, nil
}

// KEYS[1] = nonce key
// ARGV[1] = candidate nonce
// Values compare as Lua numbers, exact up to 2^53.
var advanceNonceScript = redis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
if n > cur then
	redis.call("SET", KEYS[1], ARGV[1])
	return {1, n}
end
return {0, cur}
`)

// RedisNonceStore shares replay state between verifiers through Redis.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

// NewRedisNonceStore wraps client. Keys are namespaced with prefix.
func NewRedisNonceStore(client *redis.Client, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "allowance:nonce:"
	}
	return &RedisNonceStore{client: client, prefix: prefix}
}

// Advance implements NonceStore with a compare-and-set script.
func (s *RedisNonceStore) Advance(ctx context.Context, keyID string, nonce uint64) (uint64, bool, error) {
	res, err := advanceNonceScript.Run(ctx, s.client, []string{s.prefix + keyID}, nonce).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis nonce advance: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, false, fmt.Errorf("redis nonce advance: unexpected reply %v", res)
	}
	flag, _ := vals[0].(int64)
	last, _ := vals[1].(int64)
	return uint64(last), flag == 1, nil
}

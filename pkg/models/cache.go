package models

import "time"

// IdempotencyEntry stores the response to a keyed proxy call.
type IdempotencyEntry struct {
	Key        string        `json:"key"`
	SessionID  string        `json:"session_id"`
	StatusCode int           `json:"status_code"`
	Response   []byte        `json:"response"`
	CreatedAt  time.Time     `json:"created_at"`
	TTL        time.Duration `json:"ttl"`
}

// CacheStats reports idempotency cache performance.
type CacheStats struct {
	Entries int64 `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

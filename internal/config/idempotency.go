package config

import "time"

// IdempotencyConfig controls replay of responses to requests carrying an
// Idempotency-Key header.  The first response for a key is stored in redis
// for TTL and returned verbatim for repeats.
type IdempotencyConfig struct {
	Enabled      bool
	TTL          time.Duration
	LockTTL      time.Duration // how long an in-flight key blocks repeats
	Prefix       string
	MaxBodyBytes int
}

func LoadIdempotencyConfig() IdempotencyConfig {
	c := IdempotencyConfig{
		Enabled:      envBool("IDEMPOTENCY_ENABLED", true),
		TTL:          envDur("IDEMPOTENCY_TTL", 24*time.Hour),
		LockTTL:      envDur("IDEMPOTENCY_LOCK_TTL", 30*time.Second),
		Prefix:       envStr("IDEMPOTENCY_PREFIX", "idem"),
		MaxBodyBytes: envInt("IDEMPOTENCY_MAX_BODY_BYTES", 64<<10),
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	return c
}

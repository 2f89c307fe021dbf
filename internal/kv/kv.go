// Package kv defines the ephemeral key-value store contract (C4): TTL'd
// keys for WS auth, WS presence, hot stream state, the geocode cache,
// and rate-limit sliding windows. Two adapters are provided: a
// goroutine-safe in-memory store for tests and single-instance
// deployments, and a Redis-backed store (grounded on redis/go-redis/v9)
// for multi-instance fairness.
package kv

import (
	"context"
	"time"
)

// Store is the abstract ephemeral store every component depends on.
// Implementations must treat store failures as non-fatal where §7
// requires it (audit writes, rate-limiter writes, cache writes) — that
// policy lives in the caller, not here.
type Store interface {
	// Get retrieves the raw value for key, or ok=false if absent/expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key with the given TTL. ttl<=0 means no
	// expiration (used for stream:<deviceId> hot state).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Expire resets key's TTL without rewriting its value (used by
	// presence refresh). Returns ok=false if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (ok bool, err error)

	// Keys returns all keys matching a glob-style prefix pattern (used
	// at startup to enumerate and delete stream:* hot keys left by a
	// crashed process).
	Keys(ctx context.Context, prefix string) ([]string, error)

	// SlidingWindowAdd records one occurrence at the given timestamp
	// under key (a sorted set semantically), prunes entries older than
	// window, and returns the resulting count within the window. Used
	// by the rate limiter for ratelimit:<scope>:<subject> keys.
	SlidingWindowAdd(ctx context.Context, key string, now time.Time, window time.Duration) (count int64, err error)

	// Close releases any underlying connection.
	Close() error
}

// The Store interface signals absence via the ok bool instead of an
// error; this package declares no not-found sentinel error.

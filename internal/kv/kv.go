// Package kv defines the narrow cache contract the channel service and
// blacklist are built against, plus two implementations: an in-process
// map for tests and single-instance deployments, and a memcache-backed
// client so multiple server instances can see the same channels.
package kv

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

// Store is the contract every component in this repo depends on instead
// of a concrete cache client. TTL is advisory: the channel service never
// relies on a backend actually expiring a key for the correctness of an
// authorization decision, only for eventually freeing memory.
type Store interface {
	// Get returns the stored value, or ErrNotFound if absent.
	Get(key string) (any, error)
	// Set unconditionally writes value under key with the given TTL.
	Set(key string, value any, ttl time.Duration) error
	// Add writes value under key iff it is currently absent.
	Add(key string, value any, ttl time.Duration) (bool, error)
	// Replace writes value under key iff it is currently present.
	Replace(key string, value any, ttl time.Duration) (bool, error)
	// CAS performs a compare-and-swap using an opaque token from a prior
	// Get. Reserved: no caller in this repo currently uses it.
	CAS(key string, value any, ttl time.Duration, token uint64) (bool, error)
	// Incr atomically increments a decimal-string-valued key and returns
	// the new value. Behavior on an absent or non-numeric value is
	// backend-dependent, which is why callers initialize counters with
	// Add rather than relying on Incr to create them.
	Incr(key string) (int64, error)
	// Delete removes key. It is idempotent: deleting an absent key is
	// not an error.
	Delete(key string) error
}

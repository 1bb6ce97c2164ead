// Package store provides the durable keyed store shared by the lock
// coordinator, the conversation state store, and the context cache. Every
// implementation must support per-key TTL and the two atomic conditional
// operations (set-if-absent-with-expiry, compare-then-delete) those layers
// are built on.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store is closed")

// KV is a durable keyed store with per-key TTL.
//
// A ttl of zero means the entry never expires. Expired entries behave as
// absent for every operation; physical removal is left to a Janitor and is
// never required for correctness.
type KV interface {
	// Get returns the value for key, or ok=false if the key is absent or
	// expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set unconditionally upserts key with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX atomically sets key only if it is absent (or expired) and
	// reports whether the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete atomically deletes key only if its current value
	// equals expect and reports whether the delete happened. A missing key
	// or a different value is not an error.
	CompareAndDelete(ctx context.Context, key string, expect []byte) (bool, error)

	// CompareAndExpire atomically extends the TTL of key only if its
	// current, unexpired value equals expect and reports whether the
	// extension happened.
	CompareAndExpire(ctx context.Context, key string, expect []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Sweeper is implemented by stores that can physically remove expired rows.
type Sweeper interface {
	// SweepExpired deletes expired entries and returns how many were removed.
	SweepExpired(ctx context.Context) (int, error)
}

// expiryMillis converts a TTL into an absolute epoch-millisecond deadline.
// Zero means no expiry.
func expiryMillis(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return now.Add(ttl).UnixMilli()
}

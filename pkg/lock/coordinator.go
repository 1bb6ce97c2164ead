// Package lock provides per-key mutual exclusion across independent worker
// processes. Acquisition is two-tier: a bounded in-process table short-circuits
// local contention, and a lease in the shared keyed store arbitrates between
// processes.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mwade/parley/internal/observability"
	"github.com/mwade/parley/pkg/store"
	"github.com/rs/zerolog/log"
)

// ErrBusy reports that another holder currently owns the key. It is an
// expected outcome, not a failure; callers surface "already in progress"
// and must not spin-retry.
var ErrBusy = errors.New("lock is held by another owner")

// ErrNotHeld reports that a renewal found the lease gone (expired or
// released); the caller no longer owns the key.
var ErrNotHeld = errors.New("lock is no longer held")

const (
	// DefaultTTL bounds the damage of a crashed holder while covering the
	// slowest expected turn.
	DefaultTTL = 120 * time.Second

	// DefaultLocalCapacity bounds the in-process table.
	DefaultLocalCapacity = 10000

	keyPrefix = "lock:"
)

// Handle identifies one live acquisition. The token is an opaque UUID
// minted per acquire; it is never a reused memory address, so a stale
// handle can never alias a live one.
type Handle struct {
	Key        string
	Token      string
	AcquiredAt time.Time
	TTL        time.Duration
}

// Coordinator implements two-tier per-key locking over a shared keyed store.
type Coordinator struct {
	kv         store.KV
	local      *localTable
	defaultTTL time.Duration
}

// Options configures a Coordinator.
type Options struct {
	DefaultTTL    time.Duration
	LocalCapacity int
}

// New creates a Coordinator on the given keyed store.
func New(kv store.KV, opts Options) *Coordinator {
	observability.EnsureRegistered()

	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	capacity := opts.LocalCapacity
	if capacity <= 0 {
		capacity = DefaultLocalCapacity
	}

	return &Coordinator{
		kv:         kv,
		local:      newLocalTable(capacity),
		defaultTTL: ttl,
	}
}

// Acquire claims key for at most ttl (the coordinator default when zero).
// Both tiers must be obtained; if the store tier fails or is contended the
// local tier is rolled back before returning. Contention in either tier
// returns ErrBusy.
func (c *Coordinator) Acquire(ctx context.Context, key string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	token := uuid.NewString()

	if !c.local.tryAcquire(key, token, time.Now().Add(ttl)) {
		observability.RecordLockAcquire("busy_local")
		return nil, ErrBusy
	}

	ok, err := c.kv.SetNX(ctx, keyPrefix+key, []byte(token), ttl)
	if err != nil {
		c.local.release(key, token)
		observability.RecordLockAcquire("error")
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		c.local.release(key, token)
		observability.RecordLockAcquire("busy_remote")
		return nil, ErrBusy
	}

	observability.RecordLockAcquire("acquired")
	log.Debug().Str("key", key).Dur("ttl", ttl).Msg("Lock acquired")

	return &Handle{
		Key:        key,
		Token:      token,
		AcquiredAt: time.Now(),
		TTL:        ttl,
	}, nil
}

// Release frees the lock held by handle. The store tier is a
// compare-token-then-delete, never an unconditional delete: a holder whose
// TTL already lapsed cannot remove a successor's lease. Releasing a stale
// or foreign handle is a no-op, not an error. Release is safe to call
// multiple times.
func (c *Coordinator) Release(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return nil
	}

	deleted, err := c.kv.CompareAndDelete(ctx, keyPrefix+handle.Key, []byte(handle.Token))

	// The local tier checks the token itself, so a stale handle cannot
	// free an entry a newer acquisition owns.
	c.local.release(handle.Key, handle.Token)

	if err != nil {
		observability.RecordLockRelease("error")
		return fmt.Errorf("failed to release lock %s: %w", handle.Key, err)
	}
	if !deleted {
		observability.RecordLockRelease("stale")
		log.Debug().Str("key", handle.Key).Msg("Lock already expired or owned by another token")
		return nil
	}

	observability.RecordLockRelease("released")
	log.Debug().Str("key", handle.Key).Msg("Lock released")
	return nil
}

// Renew extends the lease for a turn that legitimately outlives the TTL.
// Renewal is advisory: it succeeds only while the token still owns the
// lease, and a lapsed renewal returns ErrNotHeld so the caller knows a
// second holder may already be running.
func (c *Coordinator) Renew(ctx context.Context, handle *Handle, ttl time.Duration) error {
	if handle == nil {
		return ErrNotHeld
	}
	if ttl <= 0 {
		ttl = handle.TTL
	}

	ok, err := c.kv.CompareAndExpire(ctx, keyPrefix+handle.Key, []byte(handle.Token), ttl)
	if err != nil {
		return fmt.Errorf("failed to renew lock %s: %w", handle.Key, err)
	}
	if !ok {
		log.Warn().Str("key", handle.Key).Msg("Lock renewal lapsed")
		return ErrNotHeld
	}

	c.local.renew(handle.Key, handle.Token, time.Now().Add(ttl))
	return nil
}

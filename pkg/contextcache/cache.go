// Package contextcache is a stampede-safe cache for expensive aggregated
// per-user context. Cold keys are filled under a short computation lock from
// the same primitive family as the conversation lock; concurrent losers wait
// briefly for the winner and fall back to computing independently, so the
// cache can duplicate bounded work but never deadlock.
package contextcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mwade/parley/internal/observability"
	"github.com/mwade/parley/pkg/lock"
	"github.com/mwade/parley/pkg/store"
	"github.com/rs/zerolog/log"
)

const (
	keyPrefix  = "ctx:"
	fillPrefix = "ctxfill:"

	// DefaultFillLockTTL bounds how long losers can be held off by a
	// crashed winner.
	DefaultFillLockTTL = 30 * time.Second

	DefaultPollAttempts = 5
	DefaultPollInterval = 100 * time.Millisecond
)

// ComputeFunc produces the value for a cold key.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Cache is a read-shared, single-flight cache over the keyed store.
type Cache struct {
	kv           store.KV
	locks        *lock.Coordinator
	fillTTL      time.Duration
	pollAttempts int
	pollInterval time.Duration
}

// Options tunes the fill-lock and loser-polling behavior.
type Options struct {
	FillLockTTL  time.Duration
	PollAttempts int
	PollInterval time.Duration
}

// New creates a Cache sharing the given store and lock coordinator.
func New(kv store.KV, locks *lock.Coordinator, opts Options) *Cache {
	observability.EnsureRegistered()

	c := &Cache{
		kv:           kv,
		locks:        locks,
		fillTTL:      opts.FillLockTTL,
		pollAttempts: opts.PollAttempts,
		pollInterval: opts.PollInterval,
	}
	if c.fillTTL <= 0 {
		c.fillTTL = DefaultFillLockTTL
	}
	if c.pollAttempts <= 0 {
		c.pollAttempts = DefaultPollAttempts
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	return c
}

// GetOrCompute returns the cached value for key, computing and populating
// it when absent. Under N concurrent cold readers the common case is one
// computation; the worst case is bounded by the poll budget, never
// unbounded duplication.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) ([]byte, error) {
	if value, ok, err := c.get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		observability.RecordCacheRequest("hit")
		return value, nil
	}

	handle, err := c.locks.Acquire(ctx, fillPrefix+key, c.fillTTL)
	if err == nil {
		defer func() {
			if rerr := c.locks.Release(context.WithoutCancel(ctx), handle); rerr != nil {
				log.Warn().Err(rerr).Str("key", key).Msg("Failed to release cache fill lock")
			}
		}()

		// A previous winner may have filled the entry between our miss
		// and the acquire.
		if value, ok, err := c.get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			observability.RecordCacheRequest("hit")
			return value, nil
		}

		return c.fill(ctx, key, ttl, compute, "winner")
	}
	if !errors.Is(err, lock.ErrBusy) {
		return nil, fmt.Errorf("failed to acquire fill lock for %s: %w", key, err)
	}

	// Another requester is computing. Poll briefly for its result.
	for i := 0; i < c.pollAttempts; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		if value, ok, err := c.get(ctx, key); err != nil {
			return nil, err
		} else if ok {
			observability.RecordCacheRequest("wait_hit")
			return value, nil
		}
	}

	// The winner is slow or gone. Compute independently rather than
	// blocking indefinitely; the duplicate write is harmless because
	// entries are read-shared snapshots.
	log.Debug().Str("key", key).Msg("Cache fill wait exhausted, computing independently")
	return c.fill(ctx, key, ttl, compute, "fallback")
}

// Invalidate drops the entry for key. Normal turnover relies on TTL; this
// exists for owner-initiated refreshes.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.kv.Delete(ctx, keyPrefix+key); err != nil {
		return fmt.Errorf("failed to invalidate context %s: %w", key, err)
	}
	return nil
}

func (c *Cache) get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := c.kv.Get(ctx, keyPrefix+key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read context %s: %w", key, err)
	}
	return value, ok, nil
}

func (c *Cache) fill(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc, mode string) ([]byte, error) {
	observability.RecordCacheRequest("miss")

	start := time.Now()
	value, err := compute(ctx)
	observability.RecordCacheCompute(mode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to compute context %s: %w", key, err)
	}

	if err := c.kv.Set(ctx, keyPrefix+key, value, ttl); err != nil {
		// The value is still good for this caller; populating is best
		// effort once computed.
		log.Warn().Err(err).Str("key", key).Msg("Failed to populate context cache")
	}
	return value, nil
}

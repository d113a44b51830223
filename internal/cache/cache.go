// Package cache implements the tiered object cache (spec §4.7): a chain of
// Memory → Local Disk → Remote tiers, each presenting the same object-fetch
// interface, with single-flight coalescing so concurrent readers of the same
// object never duplicate a fetch.
package cache

import (
	"context"
	"fmt"

	"github.com/infinitree/infinitree/internal/backend"
	"github.com/infinitree/infinitree/internal/errs"
	"github.com/infinitree/infinitree/internal/metrics"
	"github.com/infinitree/infinitree/internal/objectid"
	"golang.org/x/sync/singleflight"
)

// Tier is one layer of the cache chain. Get returns a cache hit; Put
// populates the tier (eviction is the tier's own business); tiers never
// forward to each other themselves, Chain does that.
type Tier interface {
	Get(ctx context.Context, id objectid.ID) ([]byte, bool, error)
	Put(ctx context.Context, id objectid.ID, buf []byte) error
	Name() string
}

// Chain fetches through an ordered list of tiers and, on a miss, falls all
// the way back to the origin Backend. A hit at tier k populates every tier
// above it (closer to the caller) but not tier k itself or below.
type Chain struct {
	tiers   []Tier
	origin  backend.Backend
	group   singleflight.Group
	metrics *metrics.Metrics
}

// NewChain builds a Chain over tiers (ordered fastest-first) backed by origin.
func NewChain(origin backend.Backend, tiers ...Tier) *Chain {
	return &Chain{tiers: tiers, origin: origin}
}

// SetMetrics attaches a Metrics recorder. nil leaves metrics recording
// disabled.
func (c *Chain) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Tier returns the chain's tier with the given Name(), or nil if none
// matches. Used by config live-reload to find the Memory/Local tier whose
// byte budget changed.
func (c *Chain) Tier(name string) Tier {
	for _, t := range c.tiers {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// Fetch returns the object named by id, coalescing concurrent callers for
// the same id onto a single underlying fetch (§4.7's mandatory single-flight
// requirement): every waiter receives the same buffer, read-only.
func (c *Chain) Fetch(ctx context.Context, id objectid.ID) ([]byte, error) {
	v, err, _ := c.group.Do(id.String(), func() (interface{}, error) {
		return c.fetchUncoalesced(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Chain) fetchUncoalesced(ctx context.Context, id objectid.ID) ([]byte, error) {
	for i, t := range c.tiers {
		buf, ok, err := t.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("cache tier %s: %w", t.Name(), err)
		}
		if ok {
			if c.metrics != nil {
				c.metrics.RecordCacheHit(t.Name())
			}
			c.populateAbove(ctx, id, buf, i)
			return buf, nil
		}
		if c.metrics != nil {
			c.metrics.RecordCacheMiss(t.Name())
		}
	}

	buf, err := c.origin.Read(ctx, id)
	if c.metrics != nil {
		c.metrics.RecordBackendOperation("read")
		if err != nil {
			c.metrics.RecordBackendError("read", "fetch")
		}
	}
	if err != nil {
		return nil, err
	}
	c.populateAbove(ctx, id, buf, len(c.tiers))
	return buf, nil
}

// populateAbove inserts buf into every tier strictly above (faster than)
// hitIndex, so a miss that had to reach the origin warms every cache tier,
// and a hit at tier k warms every tier above k but leaves k and below untouched.
func (c *Chain) populateAbove(ctx context.Context, id objectid.ID, buf []byte, hitIndex int) {
	for i := 0; i < hitIndex && i < len(c.tiers); i++ {
		// Best-effort: a failed cache population is never fatal to the read.
		_ = c.tiers[i].Put(ctx, id, buf)
	}
}

// Invalidate removes id from every tier, used after GC deletes an object
// from the origin so stale cache entries don't outlive it.
func (c *Chain) Invalidate(ctx context.Context, id objectid.ID) error {
	var firstErr error
	for _, t := range c.tiers {
		if inv, ok := t.(interface {
			Invalidate(context.Context, objectid.ID) error
		}); ok {
			if err := inv.Invalidate(ctx, id); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%w: invalidate tier %s: %v", errs.ErrTransport, t.Name(), err)
			}
		}
	}
	return firstErr
}

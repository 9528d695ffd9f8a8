package cache

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ipintel/internal/model"
)

// Tiered probes an ordered list of tiers fastest-first and warms hits found
// below the top back into every faster tier. Writes fan out to all tiers
// concurrently. A single tier failing a read or write is counted and logged
// but never fails the operation.
type Tiered struct {
	tiers []Tier
	ttls  []TierTTL
	stats []tierCounters
}

type tierCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// TierStats is a point-in-time counter snapshot for one tier.
type TierStats struct {
	Tier   string `json:"tier"`
	Hits   int64  `json:"hits"`
	Misses int64  `json:"misses"`
	Errors int64  `json:"errors"`
}

// NewTiered assembles the hierarchy. ttls is matched to tiers by position:
// extra entries are dropped and missing ones filled from DefaultTierTTLs,
// so a partial config can never index past the policy table.
func NewTiered(tiers []Tier, ttls []TierTTL) *Tiered {
	if ttls == nil {
		ttls = DefaultTierTTLs()
	}
	if len(ttls) > len(tiers) {
		ttls = ttls[:len(tiers)]
	}
	for def := DefaultTierTTLs(); len(ttls) < len(tiers); {
		i := len(ttls)
		if i >= len(def) {
			i = len(def) - 1
		}
		ttls = append(ttls, def[i])
	}
	return &Tiered{
		tiers: tiers,
		ttls:  ttls,
		stats: make([]tierCounters, len(tiers)),
	}
}

// Get probes tiers in order and returns the first unexpired value together
// with the index of the tier it came from. Returns ok=false when every tier
// misses or fails. Warming is the caller's move (via Warm) because the
// type-aware TTL of the copies depends on what the value decodes to.
func (c *Tiered) Get(ctx context.Context, key string) (value []byte, hitTier int, ok bool) {
	for i, tier := range c.tiers {
		val, ok, err := tier.Get(ctx, key)
		if err != nil {
			c.stats[i].errors.Add(1)
			zap.L().Warn("cache tier read failed",
				zap.String("tier", tier.Name()),
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			c.stats[i].misses.Add(1)
			continue
		}

		c.stats[i].hits.Add(1)
		return val, i, true
	}
	return nil, 0, false
}

// Set writes the value to every tier concurrently, each with its own
// type-aware TTL.
func (c *Tiered) Set(ctx context.Context, key string, value []byte, typ model.IPType) {
	g, ctx := errgroup.WithContext(ctx)
	for i, tier := range c.tiers {
		g.Go(func() error {
			if err := tier.Set(ctx, key, value, c.ttls[i].For(typ)); err != nil {
				c.stats[i].errors.Add(1)
				zap.L().Warn("cache tier write failed",
					zap.String("tier", tier.Name()),
					zap.String("key", key),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Delete removes the key from every tier. Used when a force refresh must
// not serve the old entry.
func (c *Tiered) Delete(ctx context.Context, key string) {
	for i, tier := range c.tiers {
		if err := tier.Delete(ctx, key); err != nil {
			c.stats[i].errors.Add(1)
			zap.L().Warn("cache tier delete failed",
				zap.String("tier", tier.Name()),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

// Warm copies a hit found at tier index hitTier into every faster tier, so
// the next lookup lands in the top tier. Each copy gets the faster tier's
// own TTL for the value's type.
func (c *Tiered) Warm(ctx context.Context, key string, value []byte, typ model.IPType, hitTier int) {
	for i := 0; i < hitTier; i++ {
		if err := c.tiers[i].Set(ctx, key, value, c.ttls[i].For(typ)); err != nil {
			c.stats[i].errors.Add(1)
			zap.L().Warn("cache tier warm failed",
				zap.String("tier", c.tiers[i].Name()),
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}

// Stats returns counter snapshots per tier. Reads are plain atomic loads so
// exposing metrics never contends with cache traffic.
func (c *Tiered) Stats() []TierStats {
	out := make([]TierStats, len(c.tiers))
	for i, tier := range c.tiers {
		out[i] = TierStats{
			Tier:   tier.Name(),
			Hits:   c.stats[i].hits.Load(),
			Misses: c.stats[i].misses.Load(),
			Errors: c.stats[i].errors.Load(),
		}
	}
	return out
}

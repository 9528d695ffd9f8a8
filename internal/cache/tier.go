// Package cache implements the read-through tier hierarchy used by the
// enrichment pipeline: a fast in-process tier, a shared Redis tier, and a
// durable on-disk tier. Hits found in a slower tier are warmed into every
// faster tier, and any single tier failing is logged and skipped rather
// than failing the lookup.
package cache

import (
	"context"
	"time"

	"github.com/sells-group/ipintel/internal/model"
)

// Tier is one level of the cache hierarchy. Implementations must treat an
// expired entry as a miss on read.
type Tier interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// TierTTL holds the two TTL classes a tier distinguishes. Volatile covers
// categories whose membership churns (TOR exits, Unknown); stable covers
// infrastructure that rarely moves (cloud, datacenter, residential ranges).
type TierTTL struct {
	Volatile time.Duration `yaml:"volatile" mapstructure:"volatile"`
	Stable   time.Duration `yaml:"stable" mapstructure:"stable"`
}

// For picks the TTL for a classification type.
func (t TierTTL) For(typ model.IPType) time.Duration {
	if typ.Volatile() {
		return t.Volatile
	}
	return t.Stable
}

/// DefaultTierTTLs returns the TTL ladder used when config is silent: each
// slower tier keeps entries longer, with the disk tier as the long-term
// durable fallback.
func DefaultTierTTLs() []TierTTL {
	return []TierTTL{
		{Volatile: 15 * time.Minute, Stable: 6 * time.Hour},     // memory
		{Volatile: 2 * time.Hour, Stable: 48 * time.Hour},       // redis
		{Volatile: 12 * time.Hour, Stable: 14 * 24 * time.Hour}, // disk
	}
}

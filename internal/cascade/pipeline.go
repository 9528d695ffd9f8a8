package cascade

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ipintel/internal/matcher"
	"github.com/sells-group/ipintel/internal/model"
)

// ReputationMergePolicy decides how a new scanner report combines with
// the stored one when sources disagree.
type ReputationMergePolicy string

const (
	// MergeAnyMalicious keeps the scanner flag once any source has set
	// it. Conservative default.
	MergeAnyMalicious ReputationMergePolicy = "any_malicious"
	// MergeLatest lets the newest report overwrite the flag.
	MergeLatest ReputationMergePolicy = "latest"
)

// Config carries the per-stage freshness windows. A stage is skipped
// when its inventory timestamp is younger than the window, unless the
// request forces a refresh.
type Config struct {
	OfflineTTL      time.Duration
	ASNFallbackTTL  time.Duration
	ReputationTTL   time.Duration
	ReputationMerge ReputationMergePolicy
}

// DefaultConfig returns the standard freshness windows. The fallback
// window is long because ASN assignments rarely move between
// organizations.
func DefaultConfig() Config {
	return Config{
		OfflineTTL:      7 * 24 * time.Hour,
		ASNFallbackTTL:  90 * 24 * time.Hour,
		ReputationTTL:   7 * 24 * time.Hour,
		ReputationMerge: MergeAnyMalicious,
	}
}

// Deps are the collaborators a pipeline sequences. Offline, Classifier
// and Inventory are required; the others may be nil, which disables
// their stage.
type Deps struct {
	Offline     OfflineSource
	ASNFallback ASNFallbackSource
	Reputation  ReputationSource
	Classifier  Classifier
	Cache       ResultCache
	Inventory   Inventory
}

// Request is one enrichment run. Hints seed the ASN when the caller
// already knows it, sparing the metered fallback source.
type Request struct {
	IP         string
	HintASN    *int64
	HintASNOrg string
	Force      bool
}

// StageStats is a point-in-time skip/hit snapshot.
type StageStats struct {
	CacheHits          int64
	OfflineSkipped     int64
	ASNFallbackSkipped int64
	ReputationSkipped  int64
}

// Pipeline runs enrichment requests through the cascade.
type Pipeline struct {
	deps Deps
	cfg  Config

	cacheHits       atomic.Int64
	offlineSkips    atomic.Int64
	fallbackSkips   atomic.Int64
	reputationSkips atomic.Int64
}

// New builds a pipeline. Zero Config fields fall back to defaults.
func New(deps Deps, cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.OfflineTTL <= 0 {
		cfg.OfflineTTL = def.OfflineTTL
	}
	if cfg.ASNFallbackTTL <= 0 {
		cfg.ASNFallbackTTL = def.ASNFallbackTTL
	}
	if cfg.ReputationTTL <= 0 {
		cfg.ReputationTTL = def.ReputationTTL
	}
	if cfg.ReputationMerge == "" {
		cfg.ReputationMerge = def.ReputationMerge
	}
	return &Pipeline{deps: deps, cfg: cfg}
}

// Stats returns cumulative skip and cache-hit counters.
func (p *Pipeline) Stats() StageStats {
	return StageStats{
		CacheHits:          p.cacheHits.Load(),
		OfflineSkipped:     p.offlineSkips.Load(),
		ASNFallbackSkipped: p.fallbackSkips.Load(),
		ReputationSkipped:  p.reputationSkips.Load(),
	}
}

// Run takes an IP through the cascade. Any syntactically valid address
// yields a result; individual stage failures degrade, they never abort.
// Cancellation is honored at stage boundaries only, so a cancelled run
// never leaves a stage half-applied.
func (p *Pipeline) Run(ctx context.Context, req Request) (*model.EnrichedIP, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(req.IP))
	if err != nil {
		return nil, &ValidationError{Input: req.IP, Err: err}
	}
	addr = addr.Unmap()
	ip := addr.String()

	if !req.Force && p.deps.Cache != nil {
		if rec, ok := p.deps.Cache.Lookup(ctx, addr); ok {
			p.cacheHits.Add(1)
			zap.L().Debug("cascade: cache hit", zap.String("ip", ip))
			return &model.EnrichedIP{Record: *rec, FromCache: true}, nil
		}
	}

	now := time.Now().UTC()
	rec := p.prior(ctx, ip, now)
	var degraded []string

	// OfflineLookup
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "cascade: cancelled before %s", StateOfflineLookup)
	}
	if p.fresh(rec.OfflineEnrichedAt, p.cfg.OfflineTTL, req.Force, now) {
		p.offlineSkips.Add(1)
	} else {
		off, err := p.deps.Offline.Lookup(ctx, addr)
		switch {
		case err != nil:
			degraded = append(degraded, StageOffline)
			zap.L().Warn("cascade: offline lookup failed",
				zap.String("ip", ip), zap.Error(err))
		case off != nil:
			applyOffline(&rec, off)
			rec.OfflineEnrichedAt = now
		default:
			rec.OfflineEnrichedAt = now
		}
	}

	if rec.ASN == nil && req.HintASN != nil && *req.HintASN > 0 {
		rec.ASN = req.HintASN
		if rec.ASNOrg == "" {
			rec.ASNOrg = req.HintASNOrg
		}
	}

	// OnlineAsnFallback, entered only when no ASN was resolved.
	if rec.ASN == nil && p.deps.ASNFallback != nil {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrapf(err, "cascade: cancelled before %s", StateOnlineASNFallback)
		}
		if p.fresh(rec.OnlineASNEnrichedAt, p.cfg.ASNFallbackTTL, req.Force, now) {
			p.fallbackSkips.Add(1)
		} else {
			res, err := p.deps.ASNFallback.BulkLookup(ctx, []netip.Addr{addr})
			if err != nil {
				degraded = append(degraded, StageASNFallback)
				zap.L().Warn("cascade: asn fallback failed",
					zap.String("ip", ip), zap.Error(err))
			} else {
				if hit, ok := res[addr]; ok && hit.ASN > 0 {
					asn := hit.ASN
					rec.ASN = &asn
					if rec.ASNOrg == "" {
						rec.ASNOrg = hit.Org
					}
					if rec.RegistryCountry == "" {
						rec.RegistryCountry = hit.Country
					}
				}
				rec.OnlineASNEnrichedAt = now
			}
		}
	}

	// ReputationCheck
	if p.deps.Reputation != nil {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrapf(err, "cascade: cancelled before %s", StateReputationCheck)
		}
		if p.fresh(rec.ReputationEnrichedAt, p.cfg.ReputationTTL, req.Force, now) {
			p.reputationSkips.Add(1)
		} else {
			rep, err := p.deps.Reputation.Lookup(ctx, addr)
			switch {
			case errors.Is(err, ErrQuotaExhausted):
				degraded = append(degraded, StageReputation)
				zap.L().Info("cascade: reputation quota exhausted, stage skipped",
					zap.String("ip", ip))
			case err != nil:
				degraded = append(degraded, StageReputation)
				zap.L().Warn("cascade: reputation lookup failed",
					zap.String("ip", ip), zap.Error(err))
			case rep != nil:
				p.applyReputation(&rec, rep)
				rec.ReputationEnrichedAt = now
			default:
				rec.ReputationEnrichedAt = now
			}
		}
	}

	// Classify
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrapf(err, "cascade: cancelled before %s", StateClassify)
	}
	rec.Classification = p.deps.Classifier.Classify(matcher.Input{Addr: addr, ASNOrg: rec.ASNOrg}, now)

	// Merge: one logical write of the combined record.
	rec.LastSeen = now
	if rec.FirstSeen.IsZero() {
		rec.FirstSeen = now
	}
	if p.deps.Inventory != nil {
		if err := p.deps.Inventory.UpsertIP(ctx, rec); err != nil {
			degraded = append(degraded, "store")
			zap.L().Warn("cascade: inventory write failed",
				zap.String("ip", ip), zap.Error(err))
		}
	}
	if p.deps.Cache != nil {
		p.deps.Cache.Store(ctx, rec)
	}

	return &model.EnrichedIP{Record: rec, DegradedStages: degraded}, nil
}

// prior loads the stored record so freshness gating and fill-only merge
// have a base. An unreadable store just means every stage runs.
func (p *Pipeline) prior(ctx context.Context, ip string, now time.Time) model.IPRecord {
	if p.deps.Inventory != nil {
		if prev, err := p.deps.Inventory.GetIP(ctx, ip); err == nil && prev != nil {
			return *prev
		}
	}
	return model.IPRecord{IP: ip, FirstSeen: now}
}

func (p *Pipeline) fresh(last time.Time, ttl time.Duration, force bool, now time.Time) bool {
	if force || last.IsZero() {
		return false
	}
	return now.Sub(last) < ttl
}

// applyOffline writes the offline stage's fields. Geo comes from here
// and nowhere else; later stages never touch Country or City.
func applyOffline(rec *model.IPRecord, off *OfflineResult) {
	if off.Country != "" {
		rec.Country = off.Country
	}
	if off.City != "" {
		rec.City = off.City
	}
	if off.ASN != nil && *off.ASN > 0 {
		asn := *off.ASN
		rec.ASN = &asn
		if off.ASNOrg != "" {
			rec.ASNOrg = off.ASNOrg
		}
	}
	rec.IsBogon = off.Bogon
}

func (p *Pipeline) applyReputation(rec *model.IPRecord, rep *ReputationResult) {
	switch p.cfg.ReputationMerge {
	case MergeLatest:
		rec.IsScanner = rep.IsScanner
	default:
		rec.IsScanner = rec.IsScanner || rep.IsScanner
	}
	rec.RiotBenign = rep.RiotBenign
	if len(rep.Tags) > 0 {
		rec.ScannerTags = rep.Tags
	}
}

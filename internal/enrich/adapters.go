package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"net/netip"

	"go.uber.org/zap"

	"github.com/sells-group/ipintel/internal/cache"
	"github.com/sells-group/ipintel/internal/cascade"
	"github.com/sells-group/ipintel/internal/model"
	"github.com/sells-group/ipintel/pkg/geolite"
	"github.com/sells-group/ipintel/pkg/greynoise"
	"github.com/sells-group/ipintel/pkg/ipapi"
)

// resultCache adapts the tiered cache to the pipeline's lookup contract,
// holding serialized IPRecords under the classification namespace.
type resultCache struct {
	tiers *cache.Tiered
}

func (c *resultCache) Lookup(ctx context.Context, addr netip.Addr) (*model.IPRecord, bool) {
	key := cache.Key(cache.NSClassification, addr.String())
	raw, hit, ok := c.tiers.Get(ctx, key)
	if !ok {
		return nil, false
	}
	var rec model.IPRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		zap.L().Warn("enrich: corrupt cache entry dropped",
			zap.String("key", key), zap.Error(err))
		c.tiers.Delete(ctx, key)
		return nil, false
	}
	// Warm faster tiers only after decoding, so stable records keep their
	// long TTLs instead of the volatile default.
	if hit > 0 {
		c.tiers.Warm(ctx, key, raw, rec.Classification.Type, hit)
	}
	return &rec, true
}

func (c *resultCache) Store(ctx context.Context, rec model.IPRecord) {
	raw, err := json.Marshal(rec)
	if err != nil {
		zap.L().Warn("enrich: marshal cache entry", zap.Error(err))
		return
	}
	key := cache.Key(cache.NSClassification, rec.IP)
	c.tiers.Set(ctx, key, raw, rec.Classification.Type)
}

// offlineSource adapts the GeoLite databases to the offline stage.
type offlineSource struct {
	db *geolite.DB
}

func (s *offlineSource) Lookup(ctx context.Context, addr netip.Addr) (*cascade.OfflineResult, error) {
	bogon := geolite.IsBogon(addr)

	res, err := s.db.Lookup(addr)
	if err != nil {
		return nil, err
	}
	if res == nil {
		if bogon {
			return &cascade.OfflineResult{Bogon: true}, nil
		}
		return nil, nil
	}

	out := &cascade.OfflineResult{
		Country: res.Country,
		City:    res.City,
		ASNOrg:  res.ASNOrg,
		Bogon:   bogon,
	}
	if res.ASN > 0 {
		asn := res.ASN
		out.ASN = &asn
	}
	return out, nil
}

// asnFallbackSource adapts the batched registry client.
type asnFallbackSource struct {
	client ipapi.Client
}

func (s *asnFallbackSource) BulkLookup(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]cascade.ASNResult, error) {
	ips := make([]string, len(addrs))
	for i, a := range addrs {
		ips[i] = a.String()
	}

	res, err := s.client.BulkLookup(ctx, ips)
	if err != nil {
		return nil, err
	}

	out := make(map[netip.Addr]cascade.ASNResult, len(res))
	for ip, r := range res {
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			continue
		}
		out[addr.Unmap()] = cascade.ASNResult{ASN: r.ASN, Org: r.Org, Country: r.Country}
	}
	return out, nil
}

// reputationSource adapts the GreyNoise community client.
type reputationSource struct {
	client greynoise.Client
}

func (s *reputationSource) Lookup(ctx context.Context, addr netip.Addr) (*cascade.ReputationResult, error) {
	res, err := s.client.Lookup(ctx, addr.String())
	if errors.Is(err, greynoise.ErrQuotaExhausted) {
		return nil, cascade.ErrQuotaExhausted
	}
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	out := &cascade.ReputationResult{
		IsScanner:  res.Noise,
		RiotBenign: res.Riot,
	}
	if res.Classification != "" && res.Classification != "unknown" {
		out.Tags = []string{res.Classification}
	}
	return out, nil
}

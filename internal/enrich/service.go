// Package enrich exposes the library surface: classify-and-enrich for
// single addresses, bounded bulk classification, session snapshots, and
// matcher dataset refresh. It deduplicates concurrent work on the same
// address and wires the cache, cascade, matchers, and store together.
package enrich

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sells-group/ipintel/internal/cache"
	"github.com/sells-group/ipintel/internal/cascade"
	"github.com/sells-group/ipintel/internal/matcher"
	"github.com/sells-group/ipintel/internal/model"
	"github.com/sells-group/ipintel/internal/store"
)

// Options tune a single enrichment request.
type Options struct {
	// HintASN seeds the ASN when the caller already knows it, so the
	// metered fallback source is never consulted.
	HintASN    *int64
	HintASNOrg string

	// Force re-runs every stage regardless of freshness.
	Force bool
}

// DatasetSchedule pairs a matcher dataset with its refresh cadence.
type DatasetSchedule struct {
	Dataset  matcher.Refreshable
	Interval time.Duration
}

// Stats is a point-in-time service snapshot.
type Stats struct {
	Cache  []cache.TierStats  `json:"cache"`
	Stages cascade.StageStats `json:"stages"`
}

// Service is the enrichment core's entry point.
type Service struct {
	pipeline  *cascade.Pipeline
	store     store.Store
	tiers     *cache.Tiered
	datasets  []DatasetSchedule
	bulkLimit int

	sf singleflight.Group
}

// NewService assembles the service from already-built components.
func NewService(pipeline *cascade.Pipeline, st store.Store, tiers *cache.Tiered, datasets []DatasetSchedule, bulkLimit int) *Service {
	if bulkLimit <= 0 {
		bulkLimit = 16
	}
	return &Service{
		pipeline:  pipeline,
		store:     st,
		tiers:     tiers,
		datasets:  datasets,
		bulkLimit: bulkLimit,
	}
}

// ClassifyAndEnrich runs one address through the cascade. Concurrent
// calls for the same address share a single run; forced refreshes bypass
// the dedup so they always hit the sources.
func (s *Service) ClassifyAndEnrich(ctx context.Context, ip string, opts Options) (*model.EnrichedIP, error) {
	req := cascade.Request{
		IP:         ip,
		HintASN:    opts.HintASN,
		HintASNOrg: opts.HintASNOrg,
		Force:      opts.Force,
	}
	if opts.Force {
		return s.pipeline.Run(ctx, req)
	}

	// Dedup on the canonical form so spellings like ::ffff:203.0.113.7
	// join the flight for 203.0.113.7. Malformed input keeps the raw key;
	// the pipeline rejects it either way.
	key := strings.TrimSpace(ip)
	if addr, err := netip.ParseAddr(key); err == nil {
		key = addr.Unmap().String()
	}
	v, err, _ := s.sf.Do(key, func() (any, error) {
		return s.pipeline.Run(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.EnrichedIP), nil
}

// BulkClassify enriches many addresses with bounded concurrency.
// Malformed entries are logged and left out of the result; they do not
// fail the batch.
func (s *Service) BulkClassify(ctx context.Context, ips []string) (map[string]*model.EnrichedIP, error) {
	results := make(map[string]*model.EnrichedIP, len(ips))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.bulkLimit)
	for _, ip := range ips {
		g.Go(func() error {
			res, err := s.ClassifyAndEnrich(ctx, ip, Options{})
			if err != nil {
				var verr *cascade.ValidationError
				if errors.As(err, &verr) {
					zap.L().Warn("bulk classify: skipping malformed address",
						zap.String("ip", ip))
					return nil
				}
				return err
			}
			mu.Lock()
			results[res.Record.IP] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "enrich: bulk classify")
	}
	return results, nil
}

// SnapshotForSession freezes the address's current inventory state into
// the session record. At most one snapshot ever exists per session; the
// stored values win on retry.
func (s *Service) SnapshotForSession(ctx context.Context, sessionID, ip string) (*model.SessionSnapshot, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return nil, &cascade.ValidationError{Input: ip, Err: err}
	}
	return s.store.SnapshotForSession(ctx, sessionID, addr.Unmap().String())
}

// RefreshMatcherDatasets reloads the named datasets, or every dataset
// when none are named. Meant for an external scheduler; the request path
// never calls it.
func (s *Service) RefreshMatcherDatasets(ctx context.Context, which ...string) error {
	selected := s.datasets
	if len(which) > 0 {
		selected = nil
		for _, name := range which {
			found := false
			for _, ds := range s.datasets {
				if ds.Dataset.Name() == name {
					selected = append(selected, ds)
					found = true
					break
				}
			}
			if !found {
				return eris.Errorf("enrich: unknown dataset %q", name)
			}
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ds := range selected {
		g.Go(func() error {
			return ds.Dataset.Refresh(ctx)
		})
	}
	return g.Wait()
}

// RunDatasetRefresh keeps every dataset on its own refresh schedule
// until ctx is cancelled.
func (s *Service) RunDatasetRefresh(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ds := range s.datasets {
		if ds.Interval <= 0 {
			continue
		}
		wg.Add(1)
		go func(ds DatasetSchedule) {
			defer wg.Done()
			ds.Dataset.Run(ctx, ds.Interval)
		}(ds)
	}
	wg.Wait()
}

// Stats reports per-tier cache counters and stage skip counts.
func (s *Service) Stats() Stats {
	st := Stats{Stages: s.pipeline.Stats()}
	if s.tiers != nil {
		st.Cache = s.tiers.Stats()
	}
	return st
}

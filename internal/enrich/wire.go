package enrich

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/ipintel/internal/cache"
	"github.com/sells-group/ipintel/internal/cascade"
	"github.com/sells-group/ipintel/internal/config"
	"github.com/sells-group/ipintel/internal/matcher"
	"github.com/sells-group/ipintel/internal/resilience"
	"github.com/sells-group/ipintel/internal/store"
	"github.com/sells-group/ipintel/pkg/geolite"
	"github.com/sells-group/ipintel/pkg/greynoise"
	"github.com/sells-group/ipintel/pkg/ipapi"
)

// NewFromConfig builds a fully wired service: store driver, cache tiers,
// matchers with an initial dataset load, and the three source clients.
// The returned cleanup closes everything the service owns.
func NewFromConfig(ctx context.Context, cfg *config.Config) (*Service, func(), error) {
	st, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	mem := cache.NewMemory(time.Duration(cfg.Cache.JanitorMins) * time.Minute)
	tiers := []cache.Tier{mem}
	ttls := []cache.TierTTL{{
		Volatile: time.Duration(cfg.Cache.L1VolatileMins) * time.Minute,
		Stable:   time.Duration(cfg.Cache.L1StableMins) * time.Minute,
	}}

	var redisTier *cache.Redis
	if cfg.Cache.Redis.Addr != "" {
		redisTier, err = cache.NewRedis(ctx, cache.RedisConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
		})
		if err != nil {
			// The durable local tier keeps the hierarchy usable.
			zap.L().Warn("shared cache tier unavailable, continuing without it",
				zap.Error(err))
		} else {
			tiers = append(tiers, redisTier)
			ttls = append(ttls, cache.TierTTL{
				Volatile: time.Duration(cfg.Cache.L2VolatileMins) * time.Minute,
				Stable:   time.Duration(cfg.Cache.L2StableMins) * time.Minute,
			})
		}
	}

	disk, err := cache.NewDisk(cfg.Cache.Disk.Dir)
	if err != nil {
		mem.Close()
		_ = st.Close()
		return nil, nil, err
	}
	tiers = append(tiers, disk)
	ttls = append(ttls, cache.TierTTL{
		Volatile: time.Duration(cfg.Cache.L3VolatileMins) * time.Minute,
		Stable:   time.Duration(cfg.Cache.L3StableMins) * time.Minute,
	})

	tiered := cache.NewTiered(tiers, ttls)

	tor := matcher.NewTorMatcher(cfg.Matchers.TorExitFile)
	cloud := matcher.NewCloudMatcher(cfg.Matchers.CloudRangesFile)
	datacenter := matcher.NewDatacenterMatcher(cfg.Matchers.DatacenterRangesFile)
	residential := matcher.NewResidentialMatcher(cfg.Matchers.ResidentialRulesFile)
	classifier := matcher.NewClassifier(tor, cloud, datacenter, residential)

	datasets := []DatasetSchedule{
		{Dataset: tor.Dataset(), Interval: time.Duration(cfg.Matchers.TorRefreshMins) * time.Minute},
		{Dataset: cloud.Dataset(), Interval: time.Duration(cfg.Matchers.CloudRefreshMins) * time.Minute},
		{Dataset: datacenter.Dataset(), Interval: time.Duration(cfg.Matchers.DatacenterRefreshMins) * time.Minute},
		{Dataset: residential.Dataset(), Interval: time.Duration(cfg.Matchers.ResidentialRefreshMins) * time.Minute},
	}
	for _, ds := range datasets {
		// Failures here are already logged; matchers fail closed until
		// the first successful refresh.
		_ = ds.Dataset.Refresh(ctx)
	}

	geo, err := geolite.Open(cfg.Geolite.CountryDB, cfg.Geolite.ASNDB)
	if err != nil {
		mem.Close()
		_ = st.Close()
		return nil, nil, err
	}

	perMin := cfg.IPAPI.RequestsPerMin
	if perMin <= 0 {
		perMin = 15
	}
	fallbackClient := ipapi.NewClient(
		ipapi.WithBaseURL(cfg.IPAPI.BaseURL),
		ipapi.WithBatchSize(cfg.IPAPI.BatchSize),
		ipapi.WithRateLimit(rate.Every(time.Minute/time.Duration(perMin)), 2),
		ipapi.WithRetryPolicy(retryPolicy(cfg.IPAPI.MaxRetryAttempts)),
	)

	var reputation cascade.ReputationSource
	if cfg.GreyNoise.Key != "" {
		reputation = &reputationSource{client: greynoise.NewClient(
			cfg.GreyNoise.Key,
			greynoise.WithBaseURL(cfg.GreyNoise.BaseURL),
			greynoise.WithDailyQuota(cfg.GreyNoise.DailyQuota),
		)}
	}

	pipeline := cascade.New(cascade.Deps{
		Offline:     &offlineSource{db: geo},
		ASNFallback: &asnFallbackSource{client: fallbackClient},
		Reputation:  reputation,
		Classifier:  classifier,
		Cache:       &resultCache{tiers: tiered},
		Inventory:   st,
	}, cascade.Config{
		OfflineTTL:      time.Duration(cfg.Stages.OfflineTTLHours) * time.Hour,
		ASNFallbackTTL:  time.Duration(cfg.Stages.ASNFallbackTTLHours) * time.Hour,
		ReputationTTL:   time.Duration(cfg.Stages.ReputationTTLHours) * time.Hour,
		ReputationMerge: cascade.ReputationMergePolicy(cfg.Stages.ReputationMerge),
	})

	svc := NewService(pipeline, st, tiered, datasets, cfg.Bulk.MaxConcurrent)

	cleanup := func() {
		mem.Close()
		if redisTier != nil {
			_ = redisTier.Close()
		}
		_ = geo.Close()
		_ = st.Close()
	}
	return svc, cleanup, nil
}

func newStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		return store.NewPostgres(ctx, cfg.DatabaseURL, &store.PoolConfig{
			MaxConns: int32(cfg.MaxConns),
			MinConns: int32(cfg.MinConns),
		})
	case "sqlite":
		return store.NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("enrich: unknown store driver %q", cfg.Driver)
	}
}

func retryPolicy(attempts int) resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	if attempts > 0 {
		p.Attempts = attempts
	}
	return p
}

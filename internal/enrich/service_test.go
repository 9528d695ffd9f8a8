package enrich

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ipintel/internal/cache"
	"github.com/sells-group/ipintel/internal/cascade"
	"github.com/sells-group/ipintel/internal/matcher"
	"github.com/sells-group/ipintel/internal/model"
	"github.com/sells-group/ipintel/internal/store"
)

// mapOffline serves canned offline results keyed by address.
type mapOffline struct {
	mu    sync.Mutex
	data  map[string]*cascade.OfflineResult
	delay time.Duration
	calls int
}

func (m *mapOffline) Lookup(ctx context.Context, addr netip.Addr) (*cascade.OfflineResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[addr.String()], nil
}

func (m *mapOffline) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// countingClassifier wraps the real chain so tests can assert how often
// the matchers actually ran.
type countingClassifier struct {
	mu    sync.Mutex
	inner cascade.Classifier
	calls int
}

func (c *countingClassifier) Classify(in matcher.Input, now time.Time) model.Classification {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Classify(in, now)
}

func (c *countingClassifier) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type testFixture struct {
	svc        *Service
	offline    *mapOffline
	classifier *countingClassifier
	torFile    string
}

func int64p(v int64) *int64 { return &v }

func newTestService(t *testing.T, offlineData map[string]*cascade.OfflineResult) *testFixture {
	t.Helper()
	dir := t.TempDir()

	torFile := filepath.Join(dir, "tor-exits.txt")
	require.NoError(t, os.WriteFile(torFile, []byte("# exported exit list\n192.0.2.66\n"), 0o644))

	cloudFile := filepath.Join(dir, "cloud-ranges.yaml")
	require.NoError(t, os.WriteFile(cloudFile, []byte(`
version: "v3"
providers:
  - name: aws
    cidrs: ["192.0.2.0/24"]
`), 0o644))

	dcFile := filepath.Join(dir, "datacenter-ranges.yaml")
	require.NoError(t, os.WriteFile(dcFile, []byte(`
version: "2026-08-01"
providers:
  - name: Example Hosting LLC
    cidrs: ["203.0.113.0/24"]
`), 0o644))

	resFile := filepath.Join(dir, "residential-rules.yaml")
	require.NoError(t, os.WriteFile(resFile, []byte(`
version: "r2"
keywords: [comcast, cable, telecom]
patterns: ["(?i)broadband"]
`), 0o644))

	tor := matcher.NewTorMatcher(torFile)
	cloud := matcher.NewCloudMatcher(cloudFile)
	datacenter := matcher.NewDatacenterMatcher(dcFile)
	residential := matcher.NewResidentialMatcher(resFile)
	classifier := &countingClassifier{
		inner: matcher.NewClassifier(tor, cloud, datacenter, residential),
	}

	datasets := []DatasetSchedule{
		{Dataset: tor.Dataset(), Interval: time.Hour},
		{Dataset: cloud.Dataset(), Interval: time.Hour},
		{Dataset: datacenter.Dataset(), Interval: time.Hour},
		{Dataset: residential.Dataset(), Interval: time.Hour},
	}
	for _, ds := range datasets {
		require.NoError(t, ds.Dataset.Refresh(context.Background()))
	}

	mem := cache.NewMemory(time.Minute)
	t.Cleanup(mem.Close)
	disk, err := cache.NewDisk(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	ttls := []cache.TierTTL{
		{Volatile: 80 * time.Millisecond, Stable: time.Hour},
		{Volatile: 120 * time.Millisecond, Stable: time.Hour},
	}
	tiered := cache.NewTiered([]cache.Tier{mem, disk}, ttls)

	st, err := store.NewSQLite(filepath.Join(dir, "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	offline := &mapOffline{data: offlineData}
	pipeline := cascade.New(cascade.Deps{
		Offline:    offline,
		Classifier: classifier,
		Cache:      &resultCache{tiers: tiered},
		Inventory:  st,
	}, cascade.Config{})

	return &testFixture{
		svc:        NewService(pipeline, st, tiered, datasets, 8),
		offline:    offline,
		classifier: classifier,
		torFile:    torFile,
	}
}

func TestClassifyAndEnrich_DatacenterThenCached(t *testing.T) {
	fx := newTestService(t, map[string]*cascade.OfflineResult{
		"203.0.113.7": {Country: "DE", ASN: int64p(64500), ASNOrg: "Example Hosting LLC"},
	})
	ctx := context.Background()

	res, err := fx.svc.ClassifyAndEnrich(ctx, "203.0.113.7", Options{})
	require.NoError(t, err)
	assert.Equal(t, model.IPTypeDatacenter, res.Record.Classification.Type)
	assert.InDelta(t, 0.75, res.Record.Classification.Confidence, 0.001)
	assert.Equal(t, "Example Hosting LLC", res.Record.Classification.Provider)
	assert.False(t, res.FromCache)
	assert.Equal(t, 1, fx.classifier.callCount())

	again, err := fx.svc.ClassifyAndEnrich(ctx, "203.0.113.7", Options{})
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, model.IPTypeDatacenter, again.Record.Classification.Type)
	assert.Equal(t, 1, fx.classifier.callCount(), "cached result must not re-run the matchers")
}

func TestClassifyAndEnrich_Residential(t *testing.T) {
	fx := newTestService(t, map[string]*cascade.OfflineResult{
		"198.51.100.77": {Country: "US", ASN: int64p(7922), ASNOrg: "Comcast Cable Communications"},
	})

	res, err := fx.svc.ClassifyAndEnrich(context.Background(), "198.51.100.77", Options{})
	require.NoError(t, err)
	assert.Equal(t, model.IPTypeResidential, res.Record.Classification.Type)
	assert.InDelta(t, 0.70, res.Record.Classification.Confidence, 0.001)
}

func TestClassifyAndEnrich_TorBeatsCloud(t *testing.T) {
	// 192.0.2.66 is both a TOR exit and inside the cloud range list.
	fx := newTestService(t, map[string]*cascade.OfflineResult{
		"192.0.2.66": {Country: "NL", ASN: int64p(64496), ASNOrg: "Cloud Vendor Inc"},
	})

	res, err := fx.svc.ClassifyAndEnrich(context.Background(), "192.0.2.66", Options{})
	require.NoError(t, err)
	assert.Equal(t, model.IPTypeTor, res.Record.Classification.Type)
	assert.InDelta(t, 0.95, res.Record.Classification.Confidence, 0.001)
}

func TestClassifyAndEnrich_UnknownGetsShortTTL(t *testing.T) {
	fx := newTestService(t, map[string]*cascade.OfflineResult{})
	ctx := context.Background()

	res, err := fx.svc.ClassifyAndEnrich(ctx, "192.0.2.200", Options{})
	require.NoError(t, err)
	assert.Equal(t, model.IPTypeUnknown, res.Record.Classification.Type)
	assert.Zero(t, res.Record.Classification.Confidence)

	again, err := fx.svc.ClassifyAndEnrich(ctx, "192.0.2.200", Options{})
	require.NoError(t, err)
	assert.True(t, again.FromCache)

	// Unknown entries expire on the short volatile TTL in every tier.
	time.Sleep(250 * time.Millisecond)
	expired, err := fx.svc.ClassifyAndEnrich(ctx, "192.0.2.200", Options{})
	require.NoError(t, err)
	assert.False(t, expired.FromCache)
}

func TestClassifyAndEnrich_ConcurrentCallsShareOneRun(t *testing.T) {
	fx := newTestService(t, map[string]*cascade.OfflineResult{
		"203.0.113.99": {Country: "FR", ASN: int64p(64500), ASNOrg: "Example Hosting LLC"},
	})
	fx.offline.delay = 30 * time.Millisecond

	// Half the callers use the IPv4-mapped spelling; same address, same
	// flight.
	spellings := []string{"203.0.113.99", "::ffff:203.0.113.99"}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			res, err := fx.svc.ClassifyAndEnrich(context.Background(), ip, Options{})
			assert.NoError(t, err)
			assert.NotNil(t, res)
		}(spellings[i%2])
	}
	wg.Wait()

	assert.Equal(t, 1, fx.offline.callCount(), "concurrent identical requests should share one source call")
}

func TestClassifyAndEnrich_ForceRefreshHitsSources(t *testing.T) {
	fx := newTestService(t, map[string]*cascade.OfflineResult{
		"203.0.113.7": {Country: "DE", ASN: int64p(64500), ASNOrg: "Example Hosting LLC"},
	})
	ctx := context.Background()

	_, err := fx.svc.ClassifyAndEnrich(ctx, "203.0.113.7", Options{})
	require.NoError(t, err)
	res, err := fx.svc.ClassifyAndEnrich(ctx, "203.0.113.7", Options{Force: true})
	require.NoError(t, err)

	assert.False(t, res.FromCache)
	assert.Equal(t, 2, fx.offline.callCount())
}

func TestBulkClassify_SkipsMalformedEntries(t *testing.T) {
	fx := newTestService(t, map[string]*cascade.OfflineResult{
		"203.0.113.7":   {ASN: int64p(64500), ASNOrg: "Example Hosting LLC"},
		"198.51.100.77": {ASN: int64p(7922), ASNOrg: "Comcast Cable Communications"},
	})

	results, err := fx.svc.BulkClassify(context.Background(),
		[]string{"203.0.113.7", "not-an-ip", "198.51.100.77"})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, model.IPTypeDatacenter, results["203.0.113.7"].Record.Classification.Type)
	assert.Equal(t, model.IPTypeResidential, results["198.51.100.77"].Record.Classification.Type)
}

func TestSnapshotForSession(t *testing.T) {
	fx := newTestService(t, map[string]*cascade.OfflineResult{
		"203.0.113.7": {Country: "DE", ASN: int64p(64500), ASNOrg: "Example Hosting LLC"},
	})
	ctx := context.Background()

	_, err := fx.svc.ClassifyAndEnrich(ctx, "203.0.113.7", Options{})
	require.NoError(t, err)

	sessionID := uuid.NewString()
	snap, err := fx.svc.SnapshotForSession(ctx, sessionID, "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, snap.ASN)
	assert.Equal(t, int64(64500), *snap.ASN)
	assert.Equal(t, model.IPTypeDatacenter, snap.IPType)
	assert.Equal(t, "DE", snap.Country)

	_, err = fx.svc.SnapshotForSession(ctx, sessionID, "not-an-ip")
	var verr *cascade.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestRefreshMatcherDatasets(t *testing.T) {
	fx := newTestService(t, map[string]*cascade.OfflineResult{})
	ctx := context.Background()

	err := fx.svc.RefreshMatcherDatasets(ctx, "no-such-dataset")
	assert.Error(t, err)

	// A new exit node appears in the published list.
	res, err := fx.svc.ClassifyAndEnrich(ctx, "198.51.100.200", Options{})
	require.NoError(t, err)
	assert.Equal(t, model.IPTypeUnknown, res.Record.Classification.Type)

	require.NoError(t, os.WriteFile(fx.torFile, []byte("192.0.2.66\n198.51.100.200\n"), 0o644))
	require.NoError(t, fx.svc.RefreshMatcherDatasets(ctx, "tor"))

	res, err = fx.svc.ClassifyAndEnrich(ctx, "198.51.100.200", Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, model.IPTypeTor, res.Record.Classification.Type)
}

func TestStats(t *testing.T) {
	fx := newTestService(t, map[string]*cascade.OfflineResult{})
	ctx := context.Background()

	_, err := fx.svc.ClassifyAndEnrich(ctx, "192.0.2.200", Options{})
	require.NoError(t, err)
	_, err = fx.svc.ClassifyAndEnrich(ctx, "192.0.2.200", Options{})
	require.NoError(t, err)

	st := fx.svc.Stats()
	require.Len(t, st.Cache, 2)
	assert.Equal(t, "memory", st.Cache[0].Tier)
	assert.Equal(t, int64(1), st.Stages.CacheHits)
}

package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/ipintel/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func ipRecord(ip string, asn int64, org string, typ model.IPType) model.IPRecord {
	now := time.Now().UTC()
	rec := model.IPRecord{
		IP:     ip,
		ASNOrg: org,
		Classification: model.Classification{
			Type:         typ,
			Confidence:   0.75,
			Source:       "datacenter:test",
			ClassifiedAt: now,
		},
		Country:           "DE",
		OfflineEnrichedAt: now,
	}
	if asn > 0 {
		rec.ASN = &asn
	}
	return rec
}

func TestSQLite_UpsertIPCreatesASNRow(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	// No prior UpsertASN: the referenced row must be created, not rejected.
	require.NoError(t, s.UpsertIP(ctx, ipRecord("203.0.113.7", 64500, "Example Hosting LLC", model.IPTypeDatacenter)))

	asn, err := s.GetASN(ctx, 64500)
	require.NoError(t, err)
	assert.Equal(t, "Example Hosting LLC", asn.Organization)
	assert.Equal(t, int64(1), asn.UniqueIPs)
}

func TestSQLite_ASNMetadataIsFillOnly(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertASN(ctx, model.ASNRecord{ASN: 64500, Organization: "Example Hosting LLC"}))

	// A later writer with different (lower-confidence) metadata must not
	// replace what is already there, but may fill gaps.
	require.NoError(t, s.UpsertASN(ctx, model.ASNRecord{ASN: 64500, Organization: "EXAMPLE-AS", Country: "DE", Registry: "ripe"}))

	got, err := s.GetASN(ctx, 64500)
	require.NoError(t, err)
	assert.Equal(t, "Example Hosting LLC", got.Organization)
	assert.Equal(t, "DE", got.Country)
	assert.Equal(t, "ripe", got.Registry)
}

func TestSQLite_UpsertASNRejectsInvalidNumber(t *testing.T) {
	s := newTestSQLite(t)
	assert.Error(t, s.UpsertASN(context.Background(), model.ASNRecord{ASN: 0}))
}

func TestSQLite_UpsertIPRejectsOutOfRangeConfidence(t *testing.T) {
	s := newTestSQLite(t)
	rec := ipRecord("203.0.113.7", 64500, "x", model.IPTypeCloud)
	rec.Classification.Confidence = 1.5
	assert.Error(t, s.UpsertIP(context.Background(), rec))
}

func TestSQLite_UniqueIPCountIncrementsOncePerIP(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertIP(ctx, ipRecord("203.0.113.7", 64500, "org", model.IPTypeDatacenter)))
	// Re-enriching the same IP must not double count.
	require.NoError(t, s.UpsertIP(ctx, ipRecord("203.0.113.7", 64500, "org", model.IPTypeDatacenter)))
	require.NoError(t, s.UpsertIP(ctx, ipRecord("203.0.113.8", 64500, "org", model.IPTypeDatacenter)))

	asn, err := s.GetASN(ctx, 64500)
	require.NoError(t, err)
	assert.Equal(t, int64(2), asn.UniqueIPs)
}

func TestSQLite_LateASNResolutionCountsIP(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	// Degraded first pass: offline miss plus fallback failure leave the IP
	// in the inventory without an ASN.
	first := ipRecord("198.51.100.42", 0, "", model.IPTypeUnknown)
	first.Classification = model.Unclassified(time.Now().UTC())
	require.NoError(t, s.UpsertIP(ctx, first))

	// A later re-enrichment resolves the ASN; the aggregate must count the
	// IP even though its row already existed.
	require.NoError(t, s.UpsertIP(ctx, ipRecord("198.51.100.42", 64500, "Example Hosting LLC", model.IPTypeDatacenter)))

	asn, err := s.GetASN(ctx, 64500)
	require.NoError(t, err)
	assert.Equal(t, int64(1), asn.UniqueIPs)

	// And only once: further re-enrichments with the same ASN do not bump.
	require.NoError(t, s.UpsertIP(ctx, ipRecord("198.51.100.42", 64500, "Example Hosting LLC", model.IPTypeDatacenter)))
	asn, err = s.GetASN(ctx, 64500)
	require.NoError(t, err)
	assert.Equal(t, int64(1), asn.UniqueIPs)
}

func TestSQLite_ConcurrentUpserts(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ip := ipRecord(fmt.Sprintf("203.0.113.%d", i), 64500, "org", model.IPTypeDatacenter)
			errs <- s.UpsertIP(ctx, ip)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	// Exactly one ASN row regardless of how many writers raced to create
	// it, and every distinct IP counted exactly once.
	asn, err := s.GetASN(ctx, 64500)
	require.NoError(t, err)
	assert.Equal(t, int64(64500), asn.ASN)
	assert.Equal(t, int64(n), asn.UniqueIPs)
}

func TestSQLite_SnapshotTemporalAccuracy(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	// T1: the IP belongs to ASN A.
	require.NoError(t, s.UpsertIP(ctx, ipRecord("203.0.113.7", 64500, "Org A", model.IPTypeDatacenter)))
	snapA, err := s.SnapshotForSession(ctx, "sess-a", "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, snapA.ASN)
	assert.Equal(t, int64(64500), *snapA.ASN)

	// T2: the address is reassigned to ASN B.
	recB := ipRecord("203.0.113.7", 64501, "Org B", model.IPTypeResidential)
	require.NoError(t, s.UpsertIP(ctx, recB))

	// COALESCE keeps the first ASN on re-upsert unless explicitly set; the
	// new upsert carries ASN B, which overrides.
	cur, err := s.GetIP(ctx, "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, cur.ASN)
	assert.Equal(t, int64(64501), *cur.ASN)

	// The old session still reads ASN A.
	got, err := s.GetSnapshot(ctx, "sess-a")
	require.NoError(t, err)
	require.NotNil(t, got.ASN)
	assert.Equal(t, int64(64500), *got.ASN)

	// A new session snapshot sees ASN B.
	snapB, err := s.SnapshotForSession(ctx, "sess-b", "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, snapB.ASN)
	assert.Equal(t, int64(64501), *snapB.ASN)
}

func TestSQLite_SnapshotIdempotentUnderRetry(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertIP(ctx, ipRecord("203.0.113.7", 64500, "Org A", model.IPTypeDatacenter)))

	first, err := s.SnapshotForSession(ctx, "sess-1", "203.0.113.7")
	require.NoError(t, err)

	// State changes between the original call and the retry.
	require.NoError(t, s.UpsertIP(ctx, ipRecord("203.0.113.7", 64501, "Org B", model.IPTypeResidential)))

	second, err := s.SnapshotForSession(ctx, "sess-1", "203.0.113.7")
	require.NoError(t, err)

	assert.Equal(t, *first.ASN, *second.ASN)
	assert.Equal(t, first.IPType, second.IPType)
	assert.Equal(t, first.Country, second.Country)

	// And session_count was not double-bumped by the retry.
	asn, err := s.GetASN(ctx, 64500)
	require.NoError(t, err)
	assert.Equal(t, int64(1), asn.Sessions)
}

func TestSQLite_SnapshotMissingIP(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.SnapshotForSession(context.Background(), "sess-x", "198.51.100.200")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_GetIPRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	rec := ipRecord("2001:db8::9", 64500, "Example Hosting LLC", model.IPTypeCloud)
	rec.ScannerTags = []string{"ssh-scan", "web-crawler"}
	rec.IsScanner = true
	rec.RiotBenign = true
	require.NoError(t, s.UpsertIP(ctx, rec))

	got, err := s.GetIP(ctx, "2001:db8::9")
	require.NoError(t, err)
	assert.Equal(t, model.IPTypeCloud, got.Classification.Type)
	assert.Equal(t, []string{"ssh-scan", "web-crawler"}, got.ScannerTags)
	assert.True(t, got.IsScanner)
	assert.True(t, got.RiotBenign)
	assert.False(t, got.OfflineEnrichedAt.IsZero())
	assert.Equal(t, "DE", got.Country)
}

func TestSQLite_GetIPNotFound(t *testing.T) {
	s := newTestSQLite(t)
	_, err := s.GetIP(context.Background(), "192.0.2.254")
	assert.ErrorIs(t, err, ErrNotFound)
}

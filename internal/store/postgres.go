package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ipintel/internal/model"
)

// Pool abstracts pgxpool.Pool so store tests can substitute pgxmock.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool. It is the shared-database
// backend: many workers upsert concurrently and rely on the database's
// conflict handling and atomic increments for correctness.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool (used by tests with pgxmock).
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS asn_inventory (
	asn             BIGINT PRIMARY KEY CHECK (asn > 0),
	organization    TEXT,
	country         TEXT,
	registry        TEXT,
	unique_ip_count BIGINT NOT NULL DEFAULT 0,
	session_count   BIGINT NOT NULL DEFAULT 0,
	first_seen      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ip_inventory (
	ip                     TEXT PRIMARY KEY,
	asn                    BIGINT REFERENCES asn_inventory(asn),
	asn_org                TEXT,
	ip_type                TEXT NOT NULL DEFAULT 'UNKNOWN',
	provider               TEXT,
	confidence             DOUBLE PRECISION NOT NULL DEFAULT 0 CHECK (confidence >= 0 AND confidence <= 1),
	class_source           TEXT,
	classified_at          TIMESTAMPTZ,
	country                TEXT,
	city                   TEXT,
	registry_country       TEXT,
	is_scanner             BOOLEAN NOT NULL DEFAULT false,
	is_bogon               BOOLEAN NOT NULL DEFAULT false,
	riot_benign            BOOLEAN NOT NULL DEFAULT false,
	scanner_tags           JSONB,
	offline_enriched_at    TIMESTAMPTZ,
	online_asn_enriched_at TIMESTAMPTZ,
	reputation_enriched_at TIMESTAMPTZ,
	first_seen             TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen              TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_snapshots (
	session_id       TEXT PRIMARY KEY,
	ip               TEXT NOT NULL,
	snapshot_asn     BIGINT,
	snapshot_country TEXT,
	snapshot_ip_type TEXT NOT NULL DEFAULT 'UNKNOWN',
	enrichment_at    TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ip_inventory_asn ON ip_inventory(asn);
CREATE INDEX IF NOT EXISTS idx_ip_inventory_ip_type ON ip_inventory(ip_type);
CREATE INDEX IF NOT EXISTS idx_ip_inventory_last_seen ON ip_inventory(last_seen);
CREATE INDEX IF NOT EXISTS idx_session_snapshots_ip ON session_snapshots(ip);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// upsertASNSQL inserts the aggregate row or fills previously-NULL metadata.
// COALESCE keeps existing non-NULL values, so organizational data is never
// replaced once set, and first_seen never moves forward.
const upsertASNSQL = `
INSERT INTO asn_inventory (asn, organization, country, registry, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $5, $5)
ON CONFLICT (asn) DO UPDATE SET
	organization = COALESCE(asn_inventory.organization, EXCLUDED.organization),
	country      = COALESCE(asn_inventory.country, EXCLUDED.country),
	registry     = COALESCE(asn_inventory.registry, EXCLUDED.registry),
	last_seen    = GREATEST(asn_inventory.last_seen, EXCLUDED.last_seen)`

func (s *PostgresStore) UpsertASN(ctx context.Context, rec model.ASNRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, upsertASNSQL,
		rec.ASN, nullString(rec.Organization), nullString(rec.Country), nullString(rec.Registry), now,
	)
	return eris.Wrapf(err, "postgres: upsert asn %d", rec.ASN)
}

// The prior CTE captures the row's ASN before this statement runs: NULL
// both for a brand-new IP and for one observed before its ASN resolved.
// Either way this write is the first to tie the IP to an ASN.
const upsertIPSQL = `
WITH prior AS (SELECT asn FROM ip_inventory WHERE ip = $1)
INSERT INTO ip_inventory (
	ip, asn, asn_org, ip_type, provider, confidence, class_source, classified_at,
	country, city, registry_country, is_scanner, is_bogon, riot_benign, scanner_tags,
	offline_enriched_at, online_asn_enriched_at, reputation_enriched_at, first_seen, last_seen
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $19)
ON CONFLICT (ip) DO UPDATE SET
	asn                    = COALESCE(EXCLUDED.asn, ip_inventory.asn),
	asn_org                = COALESCE(EXCLUDED.asn_org, ip_inventory.asn_org),
	ip_type                = EXCLUDED.ip_type,
	provider               = EXCLUDED.provider,
	confidence             = EXCLUDED.confidence,
	class_source           = EXCLUDED.class_source,
	classified_at          = EXCLUDED.classified_at,
	country                = COALESCE(EXCLUDED.country, ip_inventory.country),
	city                   = COALESCE(EXCLUDED.city, ip_inventory.city),
	registry_country       = COALESCE(EXCLUDED.registry_country, ip_inventory.registry_country),
	is_scanner             = EXCLUDED.is_scanner,
	is_bogon               = EXCLUDED.is_bogon,
	riot_benign            = EXCLUDED.riot_benign,
	scanner_tags           = COALESCE(EXCLUDED.scanner_tags, ip_inventory.scanner_tags),
	offline_enriched_at    = COALESCE(EXCLUDED.offline_enriched_at, ip_inventory.offline_enriched_at),
	online_asn_enriched_at = COALESCE(EXCLUDED.online_asn_enriched_at, ip_inventory.online_asn_enriched_at),
	reputation_enriched_at = COALESCE(EXCLUDED.reputation_enriched_at, ip_inventory.reputation_enriched_at),
	last_seen              = EXCLUDED.last_seen
RETURNING (SELECT asn FROM prior) IS NULL`

func (s *PostgresStore) UpsertIP(ctx context.Context, rec model.IPRecord) error {
	if rec.IP == "" {
		return eris.New("postgres: upsert ip: empty address")
	}
	if err := rec.Classification.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert ip: begin tx")
	}
	defer tx.Rollback(ctx)

	// The referenced ASN row is created in the same transaction so the
	// foreign key can never reject the IP write.
	if rec.ASN != nil {
		if _, err := tx.Exec(ctx, upsertASNSQL,
			*rec.ASN, nullString(rec.ASNOrg), nil, nil, now,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert ip %s: ensure asn", rec.IP)
		}
	}

	var tags any
	if len(rec.ScannerTags) > 0 {
		b, err := json.Marshal(rec.ScannerTags)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal scanner tags")
		}
		tags = b
	}

	var asn any
	if rec.ASN != nil {
		asn = *rec.ASN
	}

	classType := rec.Classification.Type
	if classType == "" {
		classType = model.IPTypeUnknown
	}

	var hadNoASN bool
	err = tx.QueryRow(ctx, upsertIPSQL,
		rec.IP, asn, nullString(rec.ASNOrg),
		string(classType), nullString(rec.Classification.Provider),
		rec.Classification.Confidence, nullString(rec.Classification.Source),
		nullTime(rec.Classification.ClassifiedAt),
		nullString(rec.Country), nullString(rec.City), nullString(rec.RegistryCountry),
		rec.IsScanner, rec.IsBogon, rec.RiotBenign, tags,
		nullTime(rec.OfflineEnrichedAt), nullTime(rec.OnlineASNEnrichedAt),
		nullTime(rec.ReputationEnrichedAt), now,
	).Scan(&hadNoASN)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert ip %s", rec.IP)
	}

	// The first write that ties this IP to an ASN bumps the aggregate with
	// an in-database increment; concurrent writers cannot lose updates.
	// That write may be the initial insert or a later re-enrichment that
	// resolves an ASN the degraded first pass could not.
	if hadNoASN && rec.ASN != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE asn_inventory SET unique_ip_count = unique_ip_count + 1 WHERE asn = $1`,
			*rec.ASN,
		); err != nil {
			return eris.Wrapf(err, "postgres: upsert ip %s: bump unique_ip_count", rec.IP)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: upsert ip: commit")
}

const getIPSQL = `
SELECT ip, asn, asn_org, ip_type, provider, confidence, class_source, classified_at,
	country, city, registry_country, is_scanner, is_bogon, riot_benign, scanner_tags,
	offline_enriched_at, online_asn_enriched_at, reputation_enriched_at, first_seen, last_seen
FROM ip_inventory WHERE ip = $1`

func (s *PostgresStore) GetIP(ctx context.Context, ip string) (*model.IPRecord, error) {
	row := s.pool.QueryRow(ctx, getIPSQL, ip)
	rec, err := scanIPRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get ip %s", ip)
	}
	return rec, nil
}

func scanIPRow(row pgx.Row) (*model.IPRecord, error) {
	var (
		rec        model.IPRecord
		asn        *int64
		asnOrg     *string
		ipType     string
		provider   *string
		source     *string
		classified *time.Time
		country    *string
		city       *string
		regCountry *string
		tags       []byte
		offAt      *time.Time
		onAt       *time.Time
		repAt      *time.Time
	)
	err := row.Scan(
		&rec.IP, &asn, &asnOrg, &ipType, &provider, &rec.Classification.Confidence,
		&source, &classified, &country, &city, &regCountry,
		&rec.IsScanner, &rec.IsBogon, &rec.RiotBenign, &tags,
		&offAt, &onAt, &repAt, &rec.FirstSeen, &rec.LastSeen,
	)
	if err != nil {
		return nil, err
	}

	rec.ASN = asn
	rec.Classification.Type = model.IPType(ipType)
	setIfPresent(&rec.ASNOrg, asnOrg)
	setIfPresent(&rec.Classification.Provider, provider)
	setIfPresent(&rec.Classification.Source, source)
	setIfPresent(&rec.Country, country)
	setIfPresent(&rec.City, city)
	setIfPresent(&rec.RegistryCountry, regCountry)
	setTimeIfPresent(&rec.Classification.ClassifiedAt, classified)
	setTimeIfPresent(&rec.OfflineEnrichedAt, offAt)
	setTimeIfPresent(&rec.OnlineASNEnrichedAt, onAt)
	setTimeIfPresent(&rec.ReputationEnrichedAt, repAt)

	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &rec.ScannerTags); err != nil {
			return nil, eris.Wrap(err, "unmarshal scanner tags")
		}
	}
	return &rec, nil
}

func (s *PostgresStore) GetASN(ctx context.Context, asn int64) (*model.ASNRecord, error) {
	var (
		rec      model.ASNRecord
		org      *string
		country  *string
		registry *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT asn, organization, country, registry, unique_ip_count, session_count, first_seen, last_seen
		 FROM asn_inventory WHERE asn = $1`, asn,
	).Scan(&rec.ASN, &org, &country, &registry, &rec.UniqueIPs, &rec.Sessions, &rec.FirstSeen, &rec.LastSeen)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get asn %d", asn)
	}
	setIfPresent(&rec.Organization, org)
	setIfPresent(&rec.Country, country)
	setIfPresent(&rec.Registry, registry)
	return &rec, nil
}

// SnapshotForSession copies the current IP state into the session record.
// ON CONFLICT DO NOTHING makes retries at-most-once: the first successful
// write wins and every later call reads it back unchanged.
func (s *PostgresStore) SnapshotForSession(ctx context.Context, sessionID, ip string) (*model.SessionSnapshot, error) {
	if sessionID == "" {
		return nil, eris.New("postgres: snapshot: empty session id")
	}

	cur, err := s.GetIP(ctx, ip)
	if err != nil {
		return nil, err
	}

	snap := model.SnapshotOf(sessionID, *cur, time.Now().UTC())

	var asn any
	if snap.ASN != nil {
		asn = *snap.ASN
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: snapshot: begin tx")
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO session_snapshots (session_id, ip, snapshot_asn, snapshot_country, snapshot_ip_type, enrichment_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id) DO NOTHING`,
		snap.SessionID, snap.IP, asn, nullString(snap.Country), string(snap.IPType),
		nullTime(snap.EnrichmentAt), snap.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: snapshot session %s", sessionID)
	}

	if tag.RowsAffected() == 0 {
		// A snapshot already exists; the stored values win.
		if err := tx.Commit(ctx); err != nil {
			return nil, eris.Wrap(err, "postgres: snapshot: commit")
		}
		return s.GetSnapshot(ctx, sessionID)
	}

	if snap.ASN != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE asn_inventory SET session_count = session_count + 1 WHERE asn = $1`,
			*snap.ASN,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: snapshot session %s: bump session_count", sessionID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: snapshot: commit")
	}
	return &snap, nil
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, sessionID string) (*model.SessionSnapshot, error) {
	var (
		snap     model.SessionSnapshot
		asn      *int64
		country  *string
		ipType   string
		enrichAt *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT session_id, ip, snapshot_asn, snapshot_country, snapshot_ip_type, enrichment_at, created_at
		 FROM session_snapshots WHERE session_id = $1`, sessionID,
	).Scan(&snap.SessionID, &snap.IP, &asn, &country, &ipType, &enrichAt, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get snapshot %s", sessionID)
	}
	snap.ASN = asn
	snap.IPType = model.IPType(ipType)
	setIfPresent(&snap.Country, country)
	setTimeIfPresent(&snap.EnrichmentAt, enrichAt)
	return &snap, nil
}

func setIfPresent(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setTimeIfPresent(dst *time.Time, src *time.Time) {
	if src != nil {
		*dst = *src
	}
}

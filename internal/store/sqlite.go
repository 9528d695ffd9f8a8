package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ipintel/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite for single-node
// deployments where running Postgres is not worth it. Same invariants,
// enforced with INSERT OR IGNORE plus in-database increments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode so concurrent readers do not block the writer.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS asn_inventory (
	asn             INTEGER PRIMARY KEY CHECK (asn > 0),
	organization    TEXT,
	country         TEXT,
	registry        TEXT,
	unique_ip_count INTEGER NOT NULL DEFAULT 0,
	session_count   INTEGER NOT NULL DEFAULT 0,
	first_seen      DATETIME NOT NULL,
	last_seen       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ip_inventory (
	ip                     TEXT PRIMARY KEY,
	asn                    INTEGER REFERENCES asn_inventory(asn),
	asn_org                TEXT,
	ip_type                TEXT NOT NULL DEFAULT 'UNKNOWN',
	provider               TEXT,
	confidence             REAL NOT NULL DEFAULT 0 CHECK (confidence >= 0 AND confidence <= 1),
	class_source           TEXT,
	classified_at          DATETIME,
	country                TEXT,
	city                   TEXT,
	registry_country       TEXT,
	is_scanner             INTEGER NOT NULL DEFAULT 0,
	is_bogon               INTEGER NOT NULL DEFAULT 0,
	riot_benign            INTEGER NOT NULL DEFAULT 0,
	scanner_tags           TEXT,
	offline_enriched_at    DATETIME,
	online_asn_enriched_at DATETIME,
	reputation_enriched_at DATETIME,
	first_seen             DATETIME NOT NULL,
	last_seen              DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS session_snapshots (
	session_id       TEXT PRIMARY KEY,
	ip               TEXT NOT NULL,
	snapshot_asn     INTEGER,
	snapshot_country TEXT,
	snapshot_ip_type TEXT NOT NULL DEFAULT 'UNKNOWN',
	enrichment_at    DATETIME,
	created_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ip_inventory_asn ON ip_inventory(asn);
CREATE INDEX IF NOT EXISTS idx_ip_inventory_ip_type ON ip_inventory(ip_type);
CREATE INDEX IF NOT EXISTS idx_session_snapshots_ip ON session_snapshots(ip);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsertASN = `
INSERT INTO asn_inventory (asn, organization, country, registry, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (asn) DO UPDATE SET
	organization = COALESCE(asn_inventory.organization, excluded.organization),
	country      = COALESCE(asn_inventory.country, excluded.country),
	registry     = COALESCE(asn_inventory.registry, excluded.registry),
	last_seen    = MAX(asn_inventory.last_seen, excluded.last_seen)`

func (s *SQLiteStore) UpsertASN(ctx context.Context, rec model.ASNRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, sqliteUpsertASN,
		rec.ASN, nullString(rec.Organization), nullString(rec.Country), nullString(rec.Registry), now, now,
	)
	return eris.Wrapf(err, "sqlite: upsert asn %d", rec.ASN)
}

func (s *SQLiteStore) UpsertIP(ctx context.Context, rec model.IPRecord) error {
	if rec.IP == "" {
		return eris.New("sqlite: upsert ip: empty address")
	}
	if err := rec.Classification.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert ip: begin tx")
	}
	defer tx.Rollback()

	if rec.ASN != nil {
		if _, err := tx.ExecContext(ctx, sqliteUpsertASN,
			*rec.ASN, nullString(rec.ASNOrg), nil, nil, now, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert ip %s: ensure asn", rec.IP)
		}
	}

	// Two-step upsert: the no-op insert pins first_seen, then the update
	// below fills in the rest.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO ip_inventory (ip, ip_type, confidence, first_seen, last_seen)
		 VALUES (?, 'UNKNOWN', 0, ?, ?)`,
		rec.IP, now, now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert ip %s: insert", rec.IP)
	}

	// The first write that ties this IP to an ASN bumps the aggregate.
	// At this point the row's asn is still NULL both for a brand-new IP
	// and for one observed before its ASN resolved, so one conditional
	// increment covers both.
	if rec.ASN != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE asn_inventory SET unique_ip_count = unique_ip_count + 1
			 WHERE asn = ? AND EXISTS (SELECT 1 FROM ip_inventory WHERE ip = ? AND asn IS NULL)`,
			*rec.ASN, rec.IP,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert ip %s: bump unique_ip_count", rec.IP)
		}
	}

	var tags any
	if len(rec.ScannerTags) > 0 {
		b, err := json.Marshal(rec.ScannerTags)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal scanner tags")
		}
		tags = string(b)
	}

	var asn any
	if rec.ASN != nil {
		asn = *rec.ASN
	}

	classType := rec.Classification.Type
	if classType == "" {
		classType = model.IPTypeUnknown
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ip_inventory SET
			asn                    = COALESCE(?, asn),
			asn_org                = COALESCE(?, asn_org),
			ip_type                = ?,
			provider               = ?,
			confidence             = ?,
			class_source           = ?,
			classified_at          = ?,
			country                = COALESCE(?, country),
			city                   = COALESCE(?, city),
			registry_country       = COALESCE(?, registry_country),
			is_scanner             = ?,
			is_bogon               = ?,
			riot_benign            = ?,
			scanner_tags           = COALESCE(?, scanner_tags),
			offline_enriched_at    = COALESCE(?, offline_enriched_at),
			online_asn_enriched_at = COALESCE(?, online_asn_enriched_at),
			reputation_enriched_at = COALESCE(?, reputation_enriched_at),
			last_seen              = ?
		WHERE ip = ?`,
		asn, nullString(rec.ASNOrg),
		string(classType), nullString(rec.Classification.Provider),
		rec.Classification.Confidence, nullString(rec.Classification.Source),
		nullTime(rec.Classification.ClassifiedAt),
		nullString(rec.Country), nullString(rec.City), nullString(rec.RegistryCountry),
		rec.IsScanner, rec.IsBogon, rec.RiotBenign, tags,
		nullTime(rec.OfflineEnrichedAt), nullTime(rec.OnlineASNEnrichedAt),
		nullTime(rec.ReputationEnrichedAt), now, rec.IP,
	); err != nil {
		return eris.Wrapf(err, "sqlite: upsert ip %s: update", rec.IP)
	}

	return eris.Wrap(tx.Commit(), "sqlite: upsert ip: commit")
}

func (s *SQLiteStore) GetIP(ctx context.Context, ip string) (*model.IPRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ip, asn, asn_org, ip_type, provider, confidence, class_source, classified_at,
			country, city, registry_country, is_scanner, is_bogon, riot_benign, scanner_tags,
			offline_enriched_at, online_asn_enriched_at, reputation_enriched_at, first_seen, last_seen
		FROM ip_inventory WHERE ip = ?`, ip)

	var (
		rec        model.IPRecord
		asn        sql.NullInt64
		asnOrg     sql.NullString
		ipType     string
		provider   sql.NullString
		source     sql.NullString
		classified sql.NullTime
		country    sql.NullString
		city       sql.NullString
		regCountry sql.NullString
		tags       sql.NullString
		offAt      sql.NullTime
		onAt       sql.NullTime
		repAt      sql.NullTime
	)
	err := row.Scan(
		&rec.IP, &asn, &asnOrg, &ipType, &provider, &rec.Classification.Confidence,
		&source, &classified, &country, &city, &regCountry,
		&rec.IsScanner, &rec.IsBogon, &rec.RiotBenign, &tags,
		&offAt, &onAt, &repAt, &rec.FirstSeen, &rec.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get ip %s", ip)
	}

	if asn.Valid {
		v := asn.Int64
		rec.ASN = &v
	}
	rec.Classification.Type = model.IPType(ipType)
	rec.ASNOrg = asnOrg.String
	rec.Classification.Provider = provider.String
	rec.Classification.Source = source.String
	rec.Country = country.String
	rec.City = city.String
	rec.RegistryCountry = regCountry.String
	if classified.Valid {
		rec.Classification.ClassifiedAt = classified.Time
	}
	if offAt.Valid {
		rec.OfflineEnrichedAt = offAt.Time
	}
	if onAt.Valid {
		rec.OnlineASNEnrichedAt = onAt.Time
	}
	if repAt.Valid {
		rec.ReputationEnrichedAt = repAt.Time
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &rec.ScannerTags); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal scanner tags")
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) GetASN(ctx context.Context, asn int64) (*model.ASNRecord, error) {
	var (
		rec      model.ASNRecord
		org      sql.NullString
		country  sql.NullString
		registry sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT asn, organization, country, registry, unique_ip_count, session_count, first_seen, last_seen
		FROM asn_inventory WHERE asn = ?`, asn,
	).Scan(&rec.ASN, &org, &country, &registry, &rec.UniqueIPs, &rec.Sessions, &rec.FirstSeen, &rec.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get asn %d", asn)
	}
	rec.Organization = org.String
	rec.Country = country.String
	rec.Registry = registry.String
	return &rec, nil
}

func (s *SQLiteStore) SnapshotForSession(ctx context.Context, sessionID, ip string) (*model.SessionSnapshot, error) {
	if sessionID == "" {
		return nil, eris.New("sqlite: snapshot: empty session id")
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot: begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_snapshots (session_id, ip, snapshot_asn, snapshot_country, snapshot_ip_type, enrichment_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		snap.SessionID, snap.IP, asn, nullString(snap.Country), string(snap.IPType),
		nullTime(snap.EnrichmentAt), snap.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: snapshot session %s", sessionID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot: rows affected")
	}

	if affected == 0 {
		if err := tx.Commit(); err != nil {
			return nil, eris.Wrap(err, "sqlite: snapshot: commit")
		}
		return s.GetSnapshot(ctx, sessionID)
	}

	if snap.ASN != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE asn_inventory SET session_count = session_count + 1 WHERE asn = ?`,
			*snap.ASN,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: snapshot session %s: bump session_count", sessionID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: snapshot: commit")
	}
	return &snap, nil
}

func (s *SQLiteStore) GetSnapshot(ctx context.Context, sessionID string) (*model.SessionSnapshot, error) {
	var (
		snap     model.SessionSnapshot
		asn      sql.NullInt64
		country  sql.NullString
		ipType   string
		enrichAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, ip, snapshot_asn, snapshot_country, snapshot_ip_type, enrichment_at, created_at
		FROM session_snapshots WHERE session_id = ?`, sessionID,
	).Scan(&snap.SessionID, &snap.IP, &asn, &country, &ipType, &enrichAt, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get snapshot %s", sessionID)
	}
	if asn.Valid {
		v := asn.Int64
		snap.ASN = &v
	}
	snap.Country = country.String
	snap.IPType = model.IPType(ipType)
	if enrichAt.Valid {
		snap.EnrichmentAt = enrichAt.Time
	}
	return &snap, nil
}

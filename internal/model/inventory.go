package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ASNRecord is the aggregate row for one autonomous system. It is created
// lazily on first observation and owned collectively by every IP upsert that
// references it: metadata fields are fill-only, counters are
// increment-only.
type ASNRecord struct {
	ASN          int64     `json:"asn"`
	Organization string    `json:"organization,omitempty"`
	Country      string    `json:"country,omitempty"`
	Registry     string    `json:"registry,omitempty"`
	UniqueIPs    int64     `json:"unique_ip_count"`
	Sessions     int64     `json:"session_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// Validate rejects ASN numbers outside the assignable range.
func (a ASNRecord) Validate() error {
	if a.ASN <= 0 {
		return eris.Errorf("model: asn %d must be positive", a.ASN)
	}
	return nil
}

// IPRecord is the mutable current-state row for one address. It is the sole
// source of truth for "what do we currently believe about this IP"; the
// per-source enrichment timestamps drive the cascade's freshness gating.
type IPRecord struct {
	IP     string `json:"ip"`
	ASN    *int64 `json:"asn,omitempty"`
	ASNOrg string `json:"asn_org,omitempty"`

	Classification Classification `json:"classification"`

	// Geo fields come from the offline source only.
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`

	// RegistryCountry is reported by the online ASN fallback and is only a
	// fallback when the offline source had no geo data for the address.
	RegistryCountry string `json:"registry_country,omitempty"`

	IsScanner   bool     `json:"is_scanner"`
	IsBogon     bool     `json:"is_bogon"`
	RiotBenign  bool     `json:"riot_benign"`
	ScannerTags []string `json:"scanner_tags,omitempty"`

	// Per-source last-enriched timestamps. Zero means the source has never
	// successfully reported for this address.
	OfflineEnrichedAt    time.Time `json:"offline_enriched_at,omitempty"`
	OnlineASNEnrichedAt  time.Time `json:"online_asn_enriched_at,omitempty"`
	ReputationEnrichedAt time.Time `json:"reputation_enriched_at,omitempty"`

	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// EffectiveCountry is the single definition of the geo fallback order:
// offline geo country first, registry country from the online fallback
// second. Reused both on in-memory records and when filtering at the store
// layer so the two can never diverge.
func (r IPRecord) EffectiveCountry() string {
	if r.Country != "" {
		return r.Country
	}
	return r.RegistryCountry
}

// SessionSnapshot is the frozen projection copied once from the IPRecord at
// session finalization. Once written it is immune to later IPRecord changes,
// which is what keeps a session's recorded infrastructure accurate across
// IP-to-organization reassignment.
type SessionSnapshot struct {
	SessionID    string    `json:"session_id"`
	IP           string    `json:"ip"`
	ASN          *int64    `json:"snapshot_asn,omitempty"`
	Country      string    `json:"snapshot_country,omitempty"`
	IPType       IPType    `json:"snapshot_ip_type"`
	EnrichmentAt time.Time `json:"enrichment_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// SnapshotOf projects the current record into a session snapshot. This is
// the only path from current state to snapshot state.
func SnapshotOf(sessionID string, rec IPRecord, now time.Time) SessionSnapshot {
	snap := SessionSnapshot{
		SessionID:    sessionID,
		IP:           rec.IP,
		Country:      rec.EffectiveCountry(),
		IPType:       rec.Classification.Type,
		EnrichmentAt: rec.Classification.ClassifiedAt,
		CreatedAt:    now,
	}
	if snap.IPType == "" {
		snap.IPType = IPTypeUnknown
	}
	if rec.ASN != nil {
		asn := *rec.ASN
		snap.ASN = &asn
	}
	return snap
}

// EnrichedIP is the result object returned to callers. A classify call on a
// syntactically valid address always produces one of these; source failures
// show up in DegradedStages and the classification metadata, never as an
// error.
type EnrichedIP struct {
	Record         IPRecord `json:"record"`
	FromCache      bool     `json:"from_cache"`
	DegradedStages []string `json:"degraded_stages,omitempty"`
}

// Package cascade runs the per-request enrichment pipeline: cache check,
// offline lookup, conditional online ASN fallback, reputation check,
// classification, and a single merged write to the inventory store. Every
// stage after the cache check degrades on failure rather than aborting
// the request.
package cascade

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ipintel/internal/matcher"
	"github.com/sells-group/ipintel/internal/model"
)

// State identifies where a request currently is in the pipeline.
type State int

const (
	StateIdle State = iota
	StateCacheCheck
	StateOfflineLookup
	StateOnlineASNFallback
	StateReputationCheck
	StateClassify
	StateMerge
	StateDone
	// StateFailed is reachable only from input validation, before the
	// cache check. Nothing past validation hard-fails a request.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCacheCheck:
		return "cache_check"
	case StateOfflineLookup:
		return "offline_lookup"
	case StateOnlineASNFallback:
		return "online_asn_fallback"
	case StateReputationCheck:
		return "reputation_check"
	case StateClassify:
		return "classify"
	case StateMerge:
		return "merge"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Stage names as they appear in EnrichedIP.DegradedStages and logs.
const (
	StageOffline     = "offline"
	StageASNFallback = "asn_fallback"
	StageReputation  = "reputation"
)

// ValidationError is the only error a caller sees as a hard failure. It
// means the input was not a parseable IP address.
type ValidationError struct {
	Input string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid ip %q: %v", e.Input, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ErrQuotaExhausted signals the reputation source's daily quota is spent.
// The stage is skipped as a normal condition, logged at info.
var ErrQuotaExhausted = eris.New("reputation quota exhausted")

// OfflineResult is what the local geo/ASN databases know about an IP.
// A nil result means the databases carry no data for the address.
type OfflineResult struct {
	Country string
	City    string
	ASN     *int64
	ASNOrg  string
	Bogon   bool
}

// OfflineSource is the primary, always-available geo/ASN provider.
type OfflineSource interface {
	Lookup(ctx context.Context, addr netip.Addr) (*OfflineResult, error)
}

// ASNResult is one entry of an online registry lookup.
type ASNResult struct {
	ASN      int64
	Org      string
	Country  string
	Registry string
}

// ASNFallbackSource resolves ASNs for addresses the offline databases
// missed. It is metered and batched; the pipeline calls it only when the
// offline stage produced no ASN.
type ASNFallbackSource interface {
	BulkLookup(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]ASNResult, error)
}

// ReputationResult is a scanner/benign report for an IP.
type ReputationResult struct {
	IsScanner  bool
	RiotBenign bool
	Tags       []string
}

// ReputationSource reports scanner activity. A nil result means the
// source has never seen the address. Implementations return
// ErrQuotaExhausted when the daily budget is spent.
type ReputationSource interface {
	Lookup(ctx context.Context, addr netip.Addr) (*ReputationResult, error)
}

// Classifier maps a resolved address and organization name to a
// classification. Satisfied by matcher.Classifier.
type Classifier interface {
	Classify(in matcher.Input, now time.Time) model.Classification
}

// ResultCache is the pipeline's view of the tiered cache: a fresh hit
// short-circuits the whole cascade.
type ResultCache interface {
	Lookup(ctx context.Context, addr netip.Addr) (*model.IPRecord, bool)
	Store(ctx context.Context, rec model.IPRecord)
}

// Inventory is the subset of the store the pipeline needs.
type Inventory interface {
	GetIP(ctx context.Context, ip string) (*model.IPRecord, error)
	UpsertIP(ctx context.Context, rec model.IPRecord) error
}

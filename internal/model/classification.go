// Package model defines the core data types of the enrichment pipeline:
// classifications, the mutable IP/ASN inventory records, and the immutable
// per-session snapshot projection.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// IPType is the infrastructure category assigned to an address.
type IPType string

const (
	IPTypeTor         IPType = "TOR"
	IPTypeCloud       IPType = "CLOUD"
	IPTypeDatacenter  IPType = "DATACENTER"
	IPTypeResidential IPType = "RESIDENTIAL"
	IPTypeUnknown     IPType = "UNKNOWN"
)

// Valid reports whether t is one of the known categories.
func (t IPType) Valid() bool {
	switch t {
	case IPTypeTor, IPTypeCloud, IPTypeDatacenter, IPTypeResidential, IPTypeUnknown:
		return true
	}
	return false
}

// Volatile reports whether the category is expected to churn quickly.
// Volatile categories get short cache TTLs; stable ones get long TTLs.
func (t IPType) Volatile() bool {
	return t == IPTypeTor || t == IPTypeUnknown
}

// Classification is the outcome of running an address through the matcher
// chain. Source records the matcher and dataset version that produced the
// match so downstream staleness reasoning can tell which data it came from.
type Classification struct {
	Type         IPType    `json:"type"`
	Provider     string    `json:"provider,omitempty"`
	Confidence   float64   `json:"confidence"`
	Source       string    `json:"source"`
	ClassifiedAt time.Time `json:"classified_at"`
}

// Validate checks structural invariants. Confidence outside [0,1] is always
// a programming error, never something to store.
func (c Classification) Validate() error {
	if !c.Type.Valid() {
		return eris.Errorf("model: unknown ip type %q", string(c.Type))
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return eris.Errorf("model: confidence %.2f out of range [0,1]", c.Confidence)
	}
	return nil
}

// Unclassified returns the zero-confidence fallback used when no matcher
// fires or no dataset has ever loaded.
func Unclassified(now time.Time) Classification {
	return Classification{
		Type:         IPTypeUnknown,
		Confidence:   0,
		Source:       "none",
		ClassifiedAt: now,
	}
}

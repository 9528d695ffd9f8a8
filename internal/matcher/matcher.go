// Package matcher implements the infrastructure classifiers: TOR exit set
// membership, cloud and datacenter CIDR tries, and the residential keyword
// heuristic, chained in fixed priority order with short-circuit on the
// first hit.
package matcher

import (
	"net/netip"
	"time"

	"github.com/sells-group/ipintel/internal/model"
)

// Match confidence per category. These are properties of the matching
// technique, not of individual datasets: exit-set membership and published
// cloud ranges are near-certain, datacenter lists and org-name heuristics
// are not.
const (
	ConfidenceTor         = 0.95
	ConfidenceCloud       = 0.99
	ConfidenceDatacenter  = 0.75
	ConfidenceResidential = 0.70
)

// Input carries everything a matcher may consult. ASNOrg is the
// organization name resolved by earlier cascade stages; only the
// residential heuristic needs it.
type Input struct {
	Addr   netip.Addr
	ASNOrg string
}

// Match is a single matcher's positive result.
type Match struct {
	Type       model.IPType
	Provider   string
	Confidence float64
	Source     string
}

// Matcher tests whether an address belongs to one infrastructure category.
// A matcher whose dataset has never loaded fails closed and returns nil.
type Matcher interface {
	Name() string
	Match(in Input) *Match
}

// Classifier runs matchers in priority order and returns the first hit.
type Classifier struct {
	matchers []Matcher
}

// NewClassifier builds the standard priority chain.
func NewClassifier(matchers ...Matcher) *Classifier {
	return &Classifier{matchers: matchers}
}

// Classify returns the classification for in. No matcher firing is not an
// error: the result is Unknown with zero confidence, cached briefly so a
// later dataset refresh can still pick the address up.
func (c *Classifier) Classify(in Input, now time.Time) model.Classification {
	for _, m := range c.matchers {
		if hit := m.Match(in); hit != nil {
			return model.Classification{
				Type:         hit.Type,
				Provider:     hit.Provider,
				Confidence:   hit.Confidence,
				Source:       hit.Source,
				ClassifiedAt: now,
			}
		}
	}
	return model.Unclassified(now)
}

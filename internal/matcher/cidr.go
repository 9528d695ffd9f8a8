package matcher

import (
	"context"
	"net/netip"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ipintel/internal/model"
)

// CIDRMatcher classifies by longest-prefix match against a published range
// list. The same implementation backs the Cloud and Datacenter matchers;
// only the dataset file, category, and confidence differ.
type CIDRMatcher struct {
	name       string
	ipType     model.IPType
	confidence float64
	dataset    *Dataset[*prefixTrie]
}

// NewCloudMatcher matches the published ranges of the major cloud vendors.
func NewCloudMatcher(path string) *CIDRMatcher {
	return &CIDRMatcher{
		name:       "cloud",
		ipType:     model.IPTypeCloud,
		confidence: ConfidenceCloud,
		dataset:    NewDataset("cloud", loadRangeFile(path)),
	}
}

// NewDatacenterMatcher matches hosting and colocation ranges. These lists
// are community-maintained and partial, hence the lower confidence.
func NewDatacenterMatcher(path string) *CIDRMatcher {
	return &CIDRMatcher{
		name:       "datacenter",
		ipType:     model.IPTypeDatacenter,
		confidence: ConfidenceDatacenter,
		dataset:    NewDataset("datacenter", loadRangeFile(path)),
	}
}

func (m *CIDRMatcher) Name() string { return m.name }

// Dataset exposes the underlying refreshable resource to the scheduler.
func (m *CIDRMatcher) Dataset() Refreshable { return m.dataset }

func (m *CIDRMatcher) Match(in Input) *Match {
	trie, version, ok := m.dataset.Current()
	if !ok {
		return nil
	}
	provider, hit := trie.Lookup(in.Addr)
	if !hit {
		return nil
	}
	return &Match{
		Type:       m.ipType,
		Provider:   provider,
		Confidence: m.confidence,
		Source:     m.name + ":" + version,
	}
}

// rangeFile is the on-disk dataset format shared by cloud and datacenter
// lists.
type rangeFile struct {
	Version   string `yaml:"version"`
	Providers []struct {
		Name  string   `yaml:"name"`
		CIDRs []string `yaml:"cidrs"`
	} `yaml:"providers"`
}

func loadRangeFile(path string) LoadFunc[*prefixTrie] {
	return func(_ context.Context) (*prefixTrie, string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", eris.Wrapf(err, "matcher: read range file %s", path)
		}

		var rf rangeFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, "", eris.Wrapf(err, "matcher: parse range file %s", path)
		}
		if rf.Version == "" {
			return nil, "", eris.Errorf("matcher: range file %s has no version", path)
		}

		trie := newPrefixTrie()
		for _, p := range rf.Providers {
			for _, c := range p.CIDRs {
				prefix, err := netip.ParsePrefix(c)
				if err != nil {
					// Malformed source data is dropped at the parsing
					// boundary, not carried into matching.
					continue
				}
				trie.Insert(prefix, p.Name)
			}
		}
		return trie, rf.Version, nil
	}
}

package matcher

import (
	"context"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ipintel/internal/model"
)

// ResidentialMatcher applies keyword and pattern heuristics to the ASN
// organization name. It is last in the chain and never fires without an
// organization name to inspect.
type ResidentialMatcher struct {
	dataset *Dataset[*residentialRules]
}

type residentialRules struct {
	keywords []string
	patterns []*regexp.Regexp
}

// NewResidentialMatcher creates the matcher over a YAML rule file.
func NewResidentialMatcher(path string) *ResidentialMatcher {
	return &ResidentialMatcher{dataset: NewDataset("residential", loadResidentialRules(path))}
}

func (m *ResidentialMatcher) Name() string { return "residential" }

// Dataset exposes the underlying refreshable resource to the scheduler.
func (m *ResidentialMatcher) Dataset() Refreshable { return m.dataset }

func (m *ResidentialMatcher) Match(in Input) *Match {
	if in.ASNOrg == "" {
		return nil
	}
	rules, version, ok := m.dataset.Current()
	if !ok {
		return nil
	}

	org := strings.ToLower(in.ASNOrg)
	matched := false
	for _, kw := range rules.keywords {
		if strings.Contains(org, kw) {
			matched = true
			break
		}
	}
	if !matched {
		for _, re := range rules.patterns {
			if re.MatchString(org) {
				matched = true
				break
			}
		}
	}
	if !matched {
		return nil
	}

	return &Match{
		Type:       model.IPTypeResidential,
		Provider:   in.ASNOrg,
		Confidence: ConfidenceResidential,
		Source:     "residential:" + version,
	}
}

// residentialFile is the on-disk rule format: plain substrings plus
// optional regular expressions for patterns substring matching cannot
// express.
type residentialFile struct {
	Version  string   `yaml:"version"`
	Keywords []string `yaml:"keywords"`
	Patterns []string `yaml:"patterns"`
}

func loadResidentialRules(path string) LoadFunc[*residentialRules] {
	return func(_ context.Context) (*residentialRules, string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", eris.Wrapf(err, "matcher: read residential rules %s", path)
		}

		var rf residentialFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, "", eris.Wrapf(err, "matcher: parse residential rules %s", path)
		}
		if rf.Version == "" {
			return nil, "", eris.Errorf("matcher: residential rules %s have no version", path)
		}

		rules := &residentialRules{}
		for _, kw := range rf.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				rules.keywords = append(rules.keywords, kw)
			}
		}
		for _, p := range rf.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				// A bad pattern is dropped, not fatal for the whole rule
				// set.
				continue
			}
			rules.patterns = append(rules.patterns, re)
		}
		return rules, rf.Version, nil
	}
}

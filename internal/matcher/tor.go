package matcher

import (
	"bufio"
	"context"
	"crypto/sha256"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/ipintel/internal/model"
)

// TorMatcher tests membership in the TOR exit node set. O(1) per lookup.
type TorMatcher struct {
	dataset *Dataset[map[netip.Addr]struct{}]
}

// NewTorMatcher creates the matcher over an exit-list file: one address per
// line, '#' comments allowed, the format published by the TOR project's
// exit-list service.
func NewTorMatcher(path string) *TorMatcher {
	return &TorMatcher{dataset: NewDataset("tor", loadExitList(path))}
}

func (m *TorMatcher) Name() string { return "tor" }

// Dataset exposes the underlying refreshable resource to the scheduler.
func (m *TorMatcher) Dataset() Refreshable { return m.dataset }

func (m *TorMatcher) Match(in Input) *Match {
	set, version, ok := m.dataset.Current()
	if !ok {
		return nil
	}
	if _, hit := set[in.Addr.Unmap()]; !hit {
		return nil
	}
	return &Match{
		Type:       model.IPTypeTor,
		Provider:   "tor",
		Confidence: ConfidenceTor,
		Source:     "tor:" + version,
	}
}

func loadExitList(path string) LoadFunc[map[netip.Addr]struct{}] {
	return func(_ context.Context) (map[netip.Addr]struct{}, string, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, "", eris.Wrapf(err, "matcher: open exit list %s", path)
		}
		defer f.Close()

		set := make(map[netip.Addr]struct{})
		hash := sha256.New()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			addr, err := netip.ParseAddr(line)
			if err != nil {
				// One bad line must not poison the whole list.
				continue
			}
			set[addr.Unmap()] = struct{}{}
			fmt.Fprintln(hash, addr.String())
		}
		if err := scanner.Err(); err != nil {
			return nil, "", eris.Wrapf(err, "matcher: read exit list %s", path)
		}

		version := fmt.Sprintf("%x", hash.Sum(nil))[:12]
		return set, version, nil
	}
}

package matcher

import "net/netip"

// prefixTrie is a binary trie over address bits supporting longest-prefix
// match. IPv4 and IPv6 live in separate roots so a v4 prefix can never
// shadow a v6 address.
type prefixTrie struct {
	v4 *trieNode
	v6 *trieNode
}

type trieNode struct {
	children [2]*trieNode
	provider string
	terminal bool
}

func newPrefixTrie() *prefixTrie {
	return &prefixTrie{v4: &trieNode{}, v6: &trieNode{}}
}

// Insert adds a prefix with its provider label. A later insert of the same
// prefix overwrites the label.
func (t *prefixTrie) Insert(p netip.Prefix, provider string) {
	p = p.Masked()
	addr := p.Addr().Unmap()
	node := t.root(addr)
	bytes := addr.AsSlice()
	for i := 0; i < p.Bits(); i++ {
		bit := (bytes[i/8] >> (7 - i%8)) & 1
		if node.children[bit] == nil {
			node.children[bit] = &trieNode{}
		}
		node = node.children[bit]
	}
	node.terminal = true
	node.provider = provider
}

// Lookup returns the provider of the longest prefix containing addr.
// Mapped IPv4-in-IPv6 addresses are matched against the IPv4 prefixes.
func (t *prefixTrie) Lookup(addr netip.Addr) (string, bool) {
	addr = addr.Unmap()
	node := t.root(addr)
	bytes := addr.AsSlice()

	provider := ""
	found := false
	for i := 0; i < len(bytes)*8; i++ {
		if node.terminal {
			provider = node.provider
			found = true
		}
		bit := (bytes[i/8] >> (7 - i%8)) & 1
		if node.children[bit] == nil {
			return provider, found
		}
		node = node.children[bit]
	}
	if node.terminal {
		return node.provider, true
	}
	return provider, found
}

func (t *prefixTrie) root(addr netip.Addr) *trieNode {
	if addr.Is4() || addr.Is4In6() {
		return t.v4
	}
	return t.v6
}

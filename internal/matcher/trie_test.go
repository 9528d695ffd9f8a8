package matcher

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefixTrie_LongestMatch(t *testing.T) {
	trie := newPrefixTrie()
	trie.Insert(netip.MustParsePrefix("10.0.0.0/8"), "broad")
	trie.Insert(netip.MustParsePrefix("10.1.0.0/16"), "narrow")

	provider, ok := trie.Lookup(netip.MustParseAddr("10.1.2.3"))
	require.True(t, ok)
	assert.Equal(t, "narrow", provider)

	provider, ok = trie.Lookup(netip.MustParseAddr("10.200.0.1"))
	require.True(t, ok)
	assert.Equal(t, "broad", provider)

	_, ok = trie.Lookup(netip.MustParseAddr("192.0.2.1"))
	assert.False(t, ok)
}

func TestPrefixTrie_ExactHostPrefix(t *testing.T) {
	trie := newPrefixTrie()
	trie.Insert(netip.MustParsePrefix("203.0.113.7/32"), "single")

	_, ok := trie.Lookup(netip.MustParseAddr("203.0.113.6"))
	assert.False(t, ok)

	provider, ok := trie.Lookup(netip.MustParseAddr("203.0.113.7"))
	require.True(t, ok)
	assert.Equal(t, "single", provider)
}

func TestPrefixTrie_IPv6Separate(t *testing.T) {
	trie := newPrefixTrie()
	trie.Insert(netip.MustParsePrefix("2001:db8::/32"), "v6net")
	trie.Insert(netip.MustParsePrefix("32.0.0.0/8"), "v4net")

	provider, ok := trie.Lookup(netip.MustParseAddr("2001:db8::42"))
	require.True(t, ok)
	assert.Equal(t, "v6net", provider)

	provider, ok = trie.Lookup(netip.MustParseAddr("32.1.1.1"))
	require.True(t, ok)
	assert.Equal(t, "v4net", provider)
}

func TestPrefixTrie_MappedV4(t *testing.T) {
	trie := newPrefixTrie()
	trie.Insert(netip.MustParsePrefix("198.51.100.0/24"), "mapped")

	provider, ok := trie.Lookup(netip.MustParseAddr("::ffff:198.51.100.9"))
	require.True(t, ok)
	assert.Equal(t, "mapped", provider)
}

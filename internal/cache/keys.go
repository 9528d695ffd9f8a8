package cache

import (
	"net/netip"
	"path/filepath"
	"strings"
)

// Key namespaces. Distinct concerns never share a key even for the same
// address, so a geo entry can expire independently of a classification.
const (
	NSClassification = "class"
	NSGeo            = "geo"
	NSASN            = "asn"
)

// Key builds a namespaced cache key, e.g. "class:203.0.113.7".
func Key(namespace, id string) string {
	return namespace + ":" + id
}

// shardPath maps a key to a relative file path for the disk tier. Address
// segments become directories so no single directory accumulates the whole
// keyspace: "class:203.0.113.7" -> "class/203/0/113/203.0.113.7.json".
// IPv6 addresses shard on the first three hextets of the expanded form.
// Non-address ids fall back to a two-character prefix shard.
func shardPath(key string) string {
	namespace, id, ok := strings.Cut(key, ":")
	if !ok {
		namespace, id = "misc", key
	}
	name := sanitize(id) + ".json"

	if addr, err := netip.ParseAddr(id); err == nil {
		if addr.Is4() {
			parts := strings.Split(addr.String(), ".")
			return filepath.Join(namespace, parts[0], parts[1], parts[2], name)
		}
		hex := strings.ReplaceAll(addr.StringExpanded(), ":", "")
		return filepath.Join(namespace, hex[0:4], hex[4:8], hex[8:12], name)
	}

	prefix := sanitize(id)
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(namespace, prefix, name)
}

// sanitize keeps ids filesystem-safe. Colons appear in IPv6 ids and are not
// portable in file names.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

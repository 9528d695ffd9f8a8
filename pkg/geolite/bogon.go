package geolite

import "net/netip"

// bogonRanges covers unroutable and special-use address space. Addresses
// in these ranges can never legitimately originate internet traffic.
var bogonRanges = func() []netip.Prefix {
	cidrs := []string{
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.0.0/24",
		"192.0.2.0/24",
		"192.168.0.0/16",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"224.0.0.0/4",
		"240.0.0.0/4",
		"::/128",
		"::1/128",
		"100::/64",
		"2001:db8::/32",
		"fc00::/7",
		"fe80::/10",
		"ff00::/8",
	}
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		prefixes = append(prefixes, netip.MustParsePrefix(c))
	}
	return prefixes
}()

// IsBogon reports whether the address falls in unroutable or special-use
// space.
func IsBogon(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range bogonRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Package geolite reads MaxMind GeoLite2 Country and ASN databases from
// disk. Lookups are local and cheap; the readers can be swapped in place
// when fresh database files are downloaded.
package geolite

import (
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/rotisserie/eris"
)

// Result is what the local databases know about one address. Zero-value
// fields mean the databases carry nothing for that dimension.
type Result struct {
	Country string
	City    string
	ASN     int64
	ASNOrg  string
}

// DB wraps the Country and ASN readers behind one lookup. Reload swaps
// both readers atomically with respect to in-flight lookups.
type DB struct {
	countryPath string
	asnPath     string

	mu      sync.RWMutex
	country *geoip2.Reader
	asn     *geoip2.Reader
}

// Open loads both database files. Either path may be empty to run with a
// partial dataset.
func Open(countryPath, asnPath string) (*DB, error) {
	db := &DB{countryPath: countryPath, asnPath: asnPath}
	if err := db.Reload(); err != nil {
		return nil, err
	}
	return db, nil
}

// Reload re-opens the database files and swaps the readers. On failure
// the previous readers stay in service.
func (d *DB) Reload() error {
	var country, asn *geoip2.Reader
	var err error

	if d.countryPath != "" {
		country, err = geoip2.Open(d.countryPath)
		if err != nil {
			return eris.Wrap(err, "geolite: open country db")
		}
	}
	if d.asnPath != "" {
		asn, err = geoip2.Open(d.asnPath)
		if err != nil {
			if country != nil {
				_ = country.Close()
			}
			return eris.Wrap(err, "geolite: open asn db")
		}
	}

	d.mu.Lock()
	oldCountry, oldASN := d.country, d.asn
	d.country, d.asn = country, asn
	d.mu.Unlock()

	if oldCountry != nil {
		_ = oldCountry.Close()
	}
	if oldASN != nil {
		_ = oldASN.Close()
	}
	return nil
}

// Lookup returns nil when neither database has data for the address.
func (d *DB) Lookup(addr netip.Addr) (*Result, error) {
	ip := net.IP(addr.AsSlice())

	d.mu.RLock()
	defer d.mu.RUnlock()

	var res Result
	if d.country != nil {
		rec, err := d.country.Country(ip)
		if err != nil {
			return nil, eris.Wrap(err, "geolite: country lookup")
		}
		if rec.Country.IsoCode != "" {
			res.Country = strings.ToUpper(rec.Country.IsoCode)
		}
	}
	if d.asn != nil {
		rec, err := d.asn.ASN(ip)
		if err != nil {
			return nil, eris.Wrap(err, "geolite: asn lookup")
		}
		if rec.AutonomousSystemNumber > 0 {
			res.ASN = int64(rec.AutonomousSystemNumber)
			res.ASNOrg = rec.AutonomousSystemOrganization
		}
	}

	if res.Country == "" && res.ASN == 0 {
		return nil, nil
	}
	return &res, nil
}

func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.country != nil {
		_ = d.country.Close()
		d.country = nil
	}
	if d.asn != nil {
		_ = d.asn.Close()
		d.asn = nil
	}
	return nil
}

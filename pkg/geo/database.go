// Package geo resolves node addresses to coarse locations and ASNs. Results are soft
// hints for probe prioritisation and never gate selection.
package geo

import (
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
)

// Location is a coarse position for an address block.
type Location struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	CountryCode string  `json:"country_code,omitempty"`
	ASN         string  `json:"asn,omitempty"`
}

type entry struct {
	CIDR        string   `json:"cidr"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	CountryCode string   `json:"country_code"`
	ASN         string   `json:"asn"`
}

// Database is the offline IPv4 lookup table aggregated to /16 blocks.
type Database struct {
	blocks map[uint16]Location
}

// LoadDatabase reads a JSON array of {cidr, latitude, longitude, country_code?, asn?}.
func LoadDatabase(path string) (*Database, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDatabase, err)
	}
	defer f.Close()
	return ParseDatabase(f)
}

// ParseDatabase decodes the offline format. Entries that are not IPv4 /16 blocks or lack
// coordinates are skipped.
func ParseDatabase(r io.Reader) (*Database, error) {
	var entries []entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDatabase, err)
	}

	db := &Database{blocks: make(map[uint16]Location, len(entries))}
	for _, e := range entries {
		if e.Latitude == nil || e.Longitude == nil {
			continue
		}
		prefix, err := netip.ParsePrefix(e.CIDR)
		if err != nil || !prefix.Addr().Is4() || prefix.Bits() != 16 {
			continue
		}
		db.blocks[block(prefix.Addr())] = Location{
			Latitude:    *e.Latitude,
			Longitude:   *e.Longitude,
			CountryCode: e.CountryCode,
			ASN:         e.ASN,
		}
	}
	return db, nil
}

// Len returns the number of /16 blocks.
func (d *Database) Len() int {
	if d == nil {
		return 0
	}
	return len(d.blocks)
}

// Lookup returns the location of the /16 block containing addr.
func (d *Database) Lookup(addr netip.Addr) (Location, bool) {
	if d == nil {
		return Location{}, false
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return Location{}, false
	}
	loc, ok := d.blocks[block(addr)]
	return loc, ok
}

func block(addr netip.Addr) uint16 {
	b := addr.As4()
	return uint16(b[0])<<8 | uint16(b[1])
}

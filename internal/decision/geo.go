package decision

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"os"
	"slices"
	"strings"
)

// GeoResolver maps an IP address to an ISO-3166 alpha-2 country code.
type GeoResolver interface {
	Country(ip string) (string, bool)
}

type geoEntry struct {
	prefix  netip.Prefix
	country string
}

// PrefixTable resolves countries from a static CIDR table using longest-prefix match.
type PrefixTable struct {
	entries []geoEntry
}

// LoadPrefixTable reads a table file. Each non-empty line is "CIDR,CC";
// lines starting with # are ignored.
func LoadPrefixTable(path string) (*PrefixTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geo table: %w", err)
	}
	defer f.Close()
	return ParsePrefixTable(f)
}

// ParsePrefixTable parses the format read by LoadPrefixTable.
func ParsePrefixTable(r io.Reader) (*PrefixTable, error) {
	t := &PrefixTable{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		cidr, cc, ok := strings.Cut(text, ",")
		if !ok {
			return nil, fmt.Errorf("geo table line %d: expected CIDR,CC", line)
		}
		prefix, err := netip.ParsePrefix(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("geo table line %d: %w", line, err)
		}
		cc = strings.ToUpper(strings.TrimSpace(cc))
		if len(cc) != 2 {
			return nil, fmt.Errorf("geo table line %d: invalid country %q", line, cc)
		}
		t.entries = append(t.entries, geoEntry{prefix: prefix.Masked(), country: cc})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read geo table: %w", err)
	}

	// Most specific first so the first hit is the longest match.
	slices.SortStableFunc(t.entries, func(a, b geoEntry) int {
		return b.prefix.Bits() - a.prefix.Bits()
	})
	return t, nil
}

// Country implements GeoResolver.
func (t *PrefixTable) Country(ip string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return "", false
	}
	addr = addr.Unmap()
	for _, e := range t.entries {
		if e.prefix.Contains(addr) {
			return e.country, true
		}
	}
	return "", false
}

// Len returns the number of prefixes loaded.
func (t *PrefixTable) Len() int {
	return len(t.entries)
}

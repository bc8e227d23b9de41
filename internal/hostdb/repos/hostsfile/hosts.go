// Package hostsfile serves static /etc/hosts-style entries ahead of the
// cache.
package hostsfile

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strings"

	logpkg "github.com/haukened/rr-hostdb/internal/hostdb/common/log"
	"github.com/haukened/rr-hostdb/internal/hostdb/common/utils"
	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
)

// DefaultTTL is the TTL reported for static answers, in seconds.
const DefaultTTL uint32 = 86400

// Table maps names to addresses and addresses back to their first name.
type Table struct {
	byName map[string][]netip.Addr
	byAddr map[netip.Addr]string
	TTL    uint32
}

// Empty returns a table with no entries.
func Empty() *Table {
	return &Table{byName: map[string][]netip.Addr{}, byAddr: map[netip.Addr]string{}, TTL: DefaultTTL}
}

// Load parses the file at path. An empty path yields an empty table.
func Load(path string, logger logpkg.Logger) (*Table, error) {
	if path == "" {
		return Empty(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, path, logger)
}

// Parse reads hosts-file lines of the form "IP name [alias...]".
//
// Rules:
//   - Skip comments (whole-line or inline after '#') and blank lines
//   - Skip lines whose first field is not an IP address
//   - Skip wildcard tokens and names starting with '.'
//   - Names are canonicalized; an address keeps its first name for reverse
//     lookups, and each name keeps its addresses in first-seen order
func Parse(r io.Reader, source string, logger logpkg.Logger) (*Table, error) {
	if logger == nil {
		logger = logpkg.NewNoopLogger()
	}
	scanner := bufio.NewScanner(r)
	t := Empty()

	logger.Debug(map[string]any{"source": source}, "parse_hosts_start")

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimPrefix(scanner.Text(), "\ufeff")
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			logger.Debug(map[string]any{"line": lineNum}, "hosts_no_hostnames")
			continue
		}

		addr, err := netip.ParseAddr(fields[0])
		if err != nil {
			logger.Debug(map[string]any{"line": lineNum, "raw": fields[0]}, "hosts_skip_invalid_ip")
			continue
		}
		addr = addr.Unmap()

		for _, raw := range fields[1:] {
			if strings.HasPrefix(raw, ".") || strings.Contains(raw, "*") {
				logger.Debug(map[string]any{"line": lineNum, "raw": raw}, "hosts_skip_invalid_token")
				continue
			}
			name := utils.CanonicalDNSName(raw)
			if name == "" {
				continue
			}
			t.add(name, addr)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Debug(map[string]any{"source": source, "error": err.Error()}, "parse_hosts_scan_error")
		return nil, err
	}

	logger.Debug(map[string]any{"source": source, "names": len(t.byName)}, "parse_hosts_done")
	return t, nil
}

func (t *Table) add(name string, addr netip.Addr) {
	for _, a := range t.byName[name] {
		if a == addr {
			return
		}
	}
	t.byName[name] = append(t.byName[name], addr)
	if _, ok := t.byAddr[addr]; !ok {
		t.byAddr[addr] = name
	}
}

// Len returns the number of distinct names.
func (t *Table) Len() int { return len(t.byName) }

// Resolve answers q from the table. A and AAAA queries match only when the
// name has an address of the requested family; SRV is never answered.
func (t *Table) Resolve(q domain.Query) (domain.ResolvedSet, bool) {
	switch q.Type {
	case domain.QueryTypePTR:
		name, ok := t.byAddr[q.Addr.Unmap()]
		if !ok {
			return domain.ResolvedSet{}, false
		}
		return domain.ResolvedSet{TTL: t.TTL, Endpoints: []domain.Endpoint{{Name: name}}}, true
	case domain.QueryTypeA, domain.QueryTypeAAAA:
		addrs := t.byName[q.Name]
		fam := q.Family()
		var eps []domain.Endpoint
		for _, a := range addrs {
			if fam.Matches(a) {
				eps = append(eps, domain.Endpoint{Addr: a})
			}
		}
		if len(eps) == 0 {
			return domain.ResolvedSet{}, false
		}
		return domain.ResolvedSet{TTL: t.TTL, Endpoints: eps}, true
	}
	return domain.ResolvedSet{}, false
}

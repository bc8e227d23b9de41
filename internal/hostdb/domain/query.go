package domain

import (
	"fmt"
	"net/netip"

	"github.com/haukened/rr-hostdb/internal/hostdb/common/utils"
)

// QueryType selects which kind of resolution a lookup performs.
type QueryType uint8

const (
	QueryTypeA    QueryType = 1 // by name, IPv4
	QueryTypeAAAA QueryType = 2 // by name, IPv6
	QueryTypeSRV  QueryType = 3 // service records
	QueryTypePTR  QueryType = 4 // by address (reverse)
)

// IsValid reports whether t is a supported query type.
func (t QueryType) IsValid() bool {
	switch t {
	case QueryTypeA, QueryTypeAAAA, QueryTypeSRV, QueryTypePTR:
		return true
	default:
		return false
	}
}

func (t QueryType) String() string {
	switch t {
	case QueryTypeA:
		return "A"
	case QueryTypeAAAA:
		return "AAAA"
	case QueryTypeSRV:
		return "SRV"
	case QueryTypePTR:
		return "PTR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// ParseQueryType maps a textual type ("A", "aaaa", "srv", "ptr") to a QueryType.
func ParseQueryType(s string) (QueryType, error) {
	switch s {
	case "A", "a", "":
		return QueryTypeA, nil
	case "AAAA", "aaaa":
		return QueryTypeAAAA, nil
	case "SRV", "srv":
		return QueryTypeSRV, nil
	case "PTR", "ptr":
		return QueryTypePTR, nil
	}
	return 0, fmt.Errorf("unsupported query type %q", s)
}

// Family is the client-family marker mixed into a digest.
type Family uint8

const (
	FamilyUnspec Family = 0
	FamilyIPv4   Family = 4
	FamilyIPv6   Family = 6
)

// Query is the normalized key of one lookup.
type Query struct {
	Name string
	Type QueryType
	// Addr is the address being reverse-resolved; only meaningful for PTR.
	Addr netip.Addr
	// Force bypasses any cached record and re-resolves.
	Force bool
}

// NewQuery builds a by-name (A, AAAA, SRV) query with a canonical name.
func NewQuery(name string, t QueryType) (Query, error) {
	q := Query{Name: utils.CanonicalDNSName(name), Type: t}
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}

// NewReverseQuery builds a PTR query for addr.
func NewReverseQuery(addr netip.Addr) (Query, error) {
	q := Query{Name: addr.Unmap().String(), Type: QueryTypePTR, Addr: addr.Unmap()}
	if err := q.Validate(); err != nil {
		return Query{}, err
	}
	return q, nil
}

// Validate checks the query is well formed.
func (q Query) Validate() error {
	if !q.Type.IsValid() {
		return fmt.Errorf("unsupported query type: %d", q.Type)
	}
	if q.Type == QueryTypePTR {
		if !q.Addr.IsValid() {
			return fmt.Errorf("reverse query requires an address")
		}
		return nil
	}
	if q.Name == "" {
		return fmt.Errorf("query name must not be empty")
	}
	return nil
}

// Family returns the address family this query's answers must match.
func (q Query) Family() Family {
	switch q.Type {
	case QueryTypeA:
		return FamilyIPv4
	case QueryTypeAAAA:
		return FamilyIPv6
	case QueryTypePTR:
		if q.Addr.Is4() {
			return FamilyIPv4
		}
		return FamilyIPv6
	default:
		return FamilyUnspec
	}
}

// Digest returns the query's 128-bit identity.
func (q Query) Digest() Digest {
	return ComputeDigest(q.Name, q.Type, q.Family())
}

// Matches reports whether addr belongs to the family the query asks for.
func (f Family) Matches(addr netip.Addr) bool {
	switch f {
	case FamilyIPv4:
		return addr.Unmap().Is4()
	case FamilyIPv6:
		return addr.Is6() && !addr.Is4In6()
	default:
		return true
	}
}

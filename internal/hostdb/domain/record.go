package domain

import (
	"fmt"
	"time"
)

// RecordKind says how a record stores its answer.
type RecordKind uint8

const (
	KindAddress RecordKind = iota
	KindRoundRobin
	KindSRV
)

func (k RecordKind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindRoundRobin:
		return "round-robin"
	case KindSRV:
		return "srv"
	default:
		return fmt.Sprintf("RecordKind(%d)", uint8(k))
	}
}

// ResolvedSet is what a resolver or peer hands back for a query.
type ResolvedSet struct {
	Endpoints []Endpoint
	// TTL is the smallest upstream TTL among the answers, in seconds.
	TTL uint32
}

// Record is one name's cached resolution state.
type Record struct {
	Digest    Digest
	Query     Query
	CreatedAt time.Time
	TTL       uint32
	Negative  bool
	Kind      RecordKind

	// Address is the answer for KindAddress records.
	Address Endpoint
	// Set is the answer for KindRoundRobin and KindSRV records.
	Set *RoundRobinSet

	// Generation is the store generation the record was written under.
	Generation uint64
}

// NewRecord builds a record for q from a resolver answer. Endpoints of the
// query's family are placed first and counted as usable. An answer with no
// usable endpoint becomes a negative record.
func NewRecord(q Query, rs ResolvedSet, policy TTLPolicy, now time.Time) (*Record, error) {
	q.Force = false
	r := &Record{
		Digest:    q.Digest(),
		Query:     q,
		CreatedAt: now,
		TTL:       policy.Positive(rs.TTL),
	}

	if q.Type == QueryTypeSRV {
		if len(rs.Endpoints) == 0 {
			return NewNegativeRecord(q, policy, now), nil
		}
		set, err := NewSRVSet(rs.Endpoints)
		if err != nil {
			return nil, err
		}
		r.Kind = KindSRV
		r.Set = set
		return r, nil
	}

	ordered := make([]Endpoint, 0, len(rs.Endpoints))
	var rest []Endpoint
	fam := q.Family()
	for _, ep := range rs.Endpoints {
		if q.Type == QueryTypePTR || fam.Matches(ep.Addr) {
			ordered = append(ordered, ep)
		} else {
			rest = append(rest, ep)
		}
	}
	good := len(ordered)
	if good == 0 {
		return NewNegativeRecord(q, policy, now), nil
	}
	ordered = append(ordered, rest...)

	if len(ordered) == 1 {
		r.Kind = KindAddress
		r.Address = ordered[0]
		return r, nil
	}
	set, err := NewRoundRobinSet(ordered, good)
	if err != nil {
		return nil, err
	}
	r.Kind = KindRoundRobin
	r.Set = set
	return r, nil
}

// NewNegativeRecord caches a failed lookup with the policy's negative TTL.
func NewNegativeRecord(q Query, policy TTLPolicy, now time.Time) *Record {
	q.Force = false
	return &Record{
		Digest:    q.Digest(),
		Query:     q,
		CreatedAt: now,
		TTL:       policy.Negative(),
		Negative:  true,
	}
}

// IsRoundRobin reports whether the answer lives in a RoundRobinSet.
func (r *Record) IsRoundRobin() bool {
	return r.Kind != KindAddress && r.Set != nil
}

// ExpiresAt is CreatedAt plus the capped TTL.
func (r *Record) ExpiresAt() time.Time {
	return r.CreatedAt.Add(time.Duration(min(r.TTL, MaxTTL)) * time.Second)
}

// IsFresh reports whether now is before the record's expiry.
func (r *Record) IsFresh(now time.Time) bool {
	return now.Before(r.ExpiresAt())
}

// Remaining returns the seconds of TTL left at now.
func (r *Record) Remaining(now time.Time) uint32 {
	left := r.ExpiresAt().Sub(now)
	if left <= 0 {
		return 0
	}
	return uint32(left / time.Second)
}

// Absorb overwrites r in place with a newer resolution of the same digest,
// carrying failure and health-check state over for endpoints still present.
func (r *Record) Absorb(newer *Record) {
	prev := map[string]Endpoint{}
	for _, ep := range r.endpoints() {
		prev[ep.Key()] = ep
	}

	r.CreatedAt = newer.CreatedAt
	r.TTL = newer.TTL
	r.Negative = newer.Negative
	r.Kind = newer.Kind
	r.Address = newer.Address
	r.Set = newer.Set
	r.Generation = newer.Generation

	carry := func(ep *Endpoint) {
		if old, ok := prev[ep.Key()]; ok {
			ep.LastFailure = old.LastFailure
			ep.LastCheck = old.LastCheck
			ep.CheckUp = old.CheckUp
		}
	}
	if r.Kind == KindAddress {
		carry(&r.Address)
		return
	}
	if all, err := r.Set.All(); err == nil {
		for i := range all {
			carry(&all[i])
		}
	}
}

func (r *Record) endpoints() []Endpoint {
	if r.Negative {
		return nil
	}
	if r.Kind == KindAddress {
		return []Endpoint{r.Address}
	}
	all, err := r.Set.All()
	if err != nil {
		return nil
	}
	return all
}

// Endpoints returns a copy of every endpoint the record holds.
func (r *Record) Endpoints() []Endpoint {
	eps := r.endpoints()
	out := make([]Endpoint, len(eps))
	copy(out, eps)
	return out
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	c.Set = r.Set.Clone()
	return &c
}

package entrystore

import "sync/atomic"

// Stats are best-effort counters since construction.
type Stats struct {
	Capacity       int
	Entries        int
	Lookups        uint64
	Hits           uint64
	Inserts        uint64
	Evictions      uint64
	EvictionMisses uint64 // misses on digests that were recently evicted
	Resolutions    uint64 // pending entries created, one per upstream request
	Reresolves     uint64 // store-wide generation bumps
	TTLExpiries    uint64
	AvgTTL         uint64 // mean TTL in seconds over all inserts
}

type counters struct {
	lookups        atomic.Uint64
	hits           atomic.Uint64
	inserts        atomic.Uint64
	evictions      atomic.Uint64
	evictionMisses atomic.Uint64
	resolutions    atomic.Uint64
	reresolves     atomic.Uint64
	ttlExpiries    atomic.Uint64
	ttlSum         atomic.Uint64
}

// CountHit records a lookup answered from a cached record.
func (s *Store) CountHit() { s.counters.hits.Add(1) }

// CountExpiry records a lookup that found its record past its TTL.
func (s *Store) CountExpiry() { s.counters.ttlExpiries.Add(1) }

// Stats snapshots the counters.
func (s *Store) Stats() Stats {
	c := &s.counters
	st := Stats{
		Capacity:       s.Capacity(),
		Entries:        s.Len(),
		Lookups:        c.lookups.Load(),
		Hits:           c.hits.Load(),
		Inserts:        c.inserts.Load(),
		Evictions:      c.evictions.Load(),
		EvictionMisses: c.evictionMisses.Load(),
		Resolutions:    c.resolutions.Load(),
		Reresolves:     c.reresolves.Load(),
		TTLExpiries:    c.ttlExpiries.Load(),
	}
	if st.Inserts > 0 {
		st.AvgTTL = c.ttlSum.Load() / st.Inserts
	}
	return st
}

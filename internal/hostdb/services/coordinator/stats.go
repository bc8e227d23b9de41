package coordinator

import (
	"sync/atomic"

	"github.com/haukened/rr-hostdb/internal/hostdb/repos/entrystore"
)

// Stats combines store counters with coordinator activity.
type Stats struct {
	entrystore.Stats
	Coalesced     uint64
	Cancelled     uint64
	Retries       uint64
	Timeouts      uint64
	Negatives     uint64
	StaleServed   uint64
	PeerProbes    uint64
	PeerFallbacks uint64
}

type counters struct {
	coalesced     atomic.Uint64
	cancelled     atomic.Uint64
	retries       atomic.Uint64
	timeouts      atomic.Uint64
	negatives     atomic.Uint64
	staleServed   atomic.Uint64
	peerProbes    atomic.Uint64
	peerFallbacks atomic.Uint64
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Stats:         c.store.Stats(),
		Coalesced:     c.counters.coalesced.Load(),
		Cancelled:     c.counters.cancelled.Load(),
		Retries:       c.counters.retries.Load(),
		Timeouts:      c.counters.timeouts.Load(),
		Negatives:     c.counters.negatives.Load(),
		StaleServed:   c.counters.staleServed.Load(),
		PeerProbes:    c.counters.peerProbes.Load(),
		PeerFallbacks: c.counters.peerFallbacks.Load(),
	}
}

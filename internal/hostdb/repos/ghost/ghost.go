// Package ghost remembers digests the entry store has evicted, so a later
// miss on the same digest can be counted as an eviction miss rather than a
// first lookup.
//
// Membership is probabilistic. Two bloom filters are kept and rotated once
// the active one has absorbed its capacity, so the memory stays bounded and
// old evictions age out after roughly two generations.
package ghost

import (
	"sync"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"
	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
)

// Filter is safe for concurrent use.
type Filter struct {
	mu       sync.RWMutex
	capacity uint64
	fpRate   float64
	added    uint64
	current  *bitsbloom.BloomFilter
	previous *bitsbloom.BloomFilter
}

// New returns a filter sized for capacity evictions per generation at the
// given false-positive rate.
func New(capacity uint64, fpRate float64) *Filter {
	if capacity == 0 {
		capacity = 1
	}
	f := &Filter{capacity: capacity, fpRate: fpRate}
	f.current = f.fresh()
	f.previous = f.fresh()
	return f
}

func (f *Filter) fresh() *bitsbloom.BloomFilter {
	m, k := size(f.capacity, f.fpRate)
	return bitsbloom.New(uint(m), uint(k))
}

// Add records an evicted digest.
func (f *Filter) Add(d domain.Digest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.added >= f.capacity {
		f.previous = f.current
		f.current = f.fresh()
		f.added = 0
	}
	f.current.Add(d[:])
	f.added++
}

// MightContain reports whether d was probably evicted recently.
func (f *Filter) MightContain(d domain.Digest) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current.Test(d[:]) || f.previous.Test(d[:])
}

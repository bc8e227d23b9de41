// Package entrystore is the fixed-capacity, hash-partitioned table of
// resolution records.
//
// Digests map to buckets by fold(digest) mod bucket count. Each bucket is an
// LRU with a fixed slot budget, written only on resolution, so the entry that
// goes first on overflow is the one resolved longest ago. Buckets are grouped
// into contiguous partitions; a partition's mutex guards its buckets, the
// records inside them and the partition's pending registry.
package entrystore

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/haukened/rr-hostdb/internal/hostdb/common/log"
	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
)

var ErrBadGeometry = errors.New("invalid store geometry")

// GhostFilter remembers evicted digests. It must be safe for concurrent use.
type GhostFilter interface {
	Add(d domain.Digest)
	MightContain(d domain.Digest) bool
}

// Options fix the store geometry at creation time.
type Options struct {
	// Size is the total slot budget, split evenly across buckets.
	Size       int
	Buckets    int
	Partitions int
	Ghost      GhostFilter
	Logger     log.Logger
}

type bucket = simplelru.LRU[domain.Digest, *domain.Record]

type partition struct {
	mu       sync.Mutex
	pending  map[domain.Digest]*Call
	removing bool
}

// Store is safe for concurrent use.
type Store struct {
	buckets    []*bucket
	partitions []*partition
	perBucket  int
	ghost      GhostFilter
	logger     log.Logger
	generation atomic.Uint64
	counters   counters
}

// New builds an empty store.
func New(opts Options) (*Store, error) {
	if opts.Buckets <= 0 || opts.Partitions <= 0 || opts.Partitions > opts.Buckets || opts.Size < opts.Buckets {
		return nil, fmt.Errorf("%w: size=%d buckets=%d partitions=%d", ErrBadGeometry, opts.Size, opts.Buckets, opts.Partitions)
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	s := &Store{
		buckets:    make([]*bucket, opts.Buckets),
		partitions: make([]*partition, opts.Partitions),
		perBucket:  opts.Size / opts.Buckets,
		ghost:      opts.Ghost,
		logger:     opts.Logger,
	}
	for i := range s.partitions {
		s.partitions[i] = &partition{pending: make(map[domain.Digest]*Call)}
	}
	for i := range s.buckets {
		p := s.partitions[s.partitionOfBucket(i)]
		b, err := simplelru.NewLRU[domain.Digest, *domain.Record](s.perBucket, func(d domain.Digest, _ *domain.Record) {
			s.counters.evictions.Add(1)
			if !p.removing && s.ghost != nil {
				s.ghost.Add(d)
			}
		})
		if err != nil {
			return nil, err
		}
		s.buckets[i] = b
	}
	return s, nil
}

func (s *Store) bucketOf(d domain.Digest) int {
	return int(d.Fold() % uint64(len(s.buckets)))
}

func (s *Store) partitionOfBucket(b int) int {
	return b * len(s.partitions) / len(s.buckets)
}

// PartitionOf returns the partition that owns d.
func (s *Store) PartitionOf(d domain.Digest) int {
	return s.partitionOfBucket(s.bucketOf(d))
}

// Partitions returns the fixed partition count.
func (s *Store) Partitions() int { return len(s.partitions) }

// Capacity returns the total number of slots.
func (s *Store) Capacity() int { return s.perBucket * len(s.buckets) }

// Generation is the current store generation. Records written under an older
// generation are due for re-resolution.
func (s *Store) Generation() uint64 { return s.generation.Load() }

// BumpGeneration marks every stored record for re-resolution and returns the
// new generation.
func (s *Store) BumpGeneration() uint64 {
	s.counters.reresolves.Add(1)
	return s.generation.Add(1)
}

// With runs fn holding the lock of the partition that owns d. The Slot must
// not escape fn.
func (s *Store) With(d domain.Digest, fn func(sl *Slot)) {
	b := s.bucketOf(d)
	p := s.partitions[s.partitionOfBucket(b)]
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&Slot{store: s, part: p, bucket: s.buckets[b], digest: d})
}

// Get returns a copy of the record stored for d.
func (s *Store) Get(d domain.Digest) (rec *domain.Record, ok bool) {
	s.With(d, func(sl *Slot) {
		var r *domain.Record
		if r, ok = sl.Get(); ok {
			rec = r.Clone()
		}
	})
	return rec, ok
}

// Put stores rec under its digest.
func (s *Store) Put(rec *domain.Record) {
	s.With(rec.Digest, func(sl *Slot) { sl.Put(rec) })
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	n := 0
	s.eachPartition(func(buckets []*bucket) {
		for _, b := range buckets {
			n += b.Len()
		}
	})
	return n
}

// eachPartition calls fn with the buckets of each partition, holding that
// partition's lock.
func (s *Store) eachPartition(fn func(buckets []*bucket)) {
	lo := 0
	for pi, p := range s.partitions {
		hi := lo
		for hi < len(s.buckets) && s.partitionOfBucket(hi) == pi {
			hi++
		}
		p.mu.Lock()
		fn(s.buckets[lo:hi])
		p.mu.Unlock()
		lo = hi
	}
}

// Snapshot copies every record, oldest first within each bucket.
func (s *Store) Snapshot() []*domain.Record {
	var out []*domain.Record
	s.eachPartition(func(buckets []*bucket) {
		for _, b := range buckets {
			for _, d := range b.Keys() {
				if r, ok := b.Peek(d); ok {
					out = append(out, r.Clone())
				}
			}
		}
	})
	return out
}

// Restore loads records in order. Records carrying an invalid round-robin
// set are skipped.
func (s *Store) Restore(recs []*domain.Record) int {
	n := 0
	for _, r := range recs {
		if r.IsRoundRobin() {
			if _, err := r.Set.All(); err != nil {
				s.logger.Warn(map[string]any{"digest": r.Digest.String(), "error": err.Error()}, "skipping corrupt record")
				continue
			}
		}
		s.Put(r)
		n++
	}
	return n
}

// Slot is a locked view of one digest's bucket and pending entry.
type Slot struct {
	store  *Store
	part   *partition
	bucket *bucket
	digest domain.Digest
}

func (sl *Slot) Digest() domain.Digest { return sl.digest }

// Get returns the stored record without touching bucket order. The record
// may be mutated in place while the lock is held.
func (sl *Slot) Get() (*domain.Record, bool) {
	return sl.bucket.Peek(sl.digest)
}

// Lookup is Get with lookup accounting: a miss on a recently evicted digest
// counts as an eviction miss. Whether a present record answers the lookup is
// up to the caller, which reports it with CountHit.
func (sl *Slot) Lookup() (*domain.Record, bool) {
	s := sl.store
	s.counters.lookups.Add(1)
	r, ok := sl.bucket.Peek(sl.digest)
	if ok {
		return r, true
	}
	if s.ghost != nil && s.ghost.MightContain(sl.digest) {
		s.counters.evictionMisses.Add(1)
	}
	return nil, false
}

// Put writes rec into the slot, stamping the current generation. An existing
// record is updated in place and keeps its per-endpoint failure state. Either
// way the entry becomes the newest in its bucket.
func (sl *Slot) Put(rec *domain.Record) {
	s := sl.store
	rec.Generation = s.Generation()
	s.counters.inserts.Add(1)
	s.counters.ttlSum.Add(uint64(rec.TTL))
	if old, ok := sl.bucket.Peek(sl.digest); ok {
		old.Absorb(rec)
		sl.bucket.Add(sl.digest, old)
		return
	}
	sl.bucket.Add(sl.digest, rec)
}

// Remove drops the record, as if it had been evicted.
func (sl *Slot) Remove() {
	sl.part.removing = true
	sl.bucket.Remove(sl.digest)
	sl.part.removing = false
}

// Pending returns the in-flight resolution for the digest, if any.
func (sl *Slot) Pending() (*Call, bool) {
	c, ok := sl.part.pending[sl.digest]
	return c, ok
}

// Join registers the caller as a waiter on the in-flight resolution for the
// digest. When none exists one is created and owner is true: the caller must
// eventually Complete it.
func (sl *Slot) Join() (c *Call, owner bool) {
	if c, ok := sl.part.pending[sl.digest]; ok {
		c.waiters++
		return c, false
	}
	c = &Call{done: make(chan struct{}), waiters: 1}
	sl.part.pending[sl.digest] = c
	sl.store.counters.resolutions.Add(1)
	return c, true
}

// Leave detaches a waiter that stopped waiting. The resolution continues.
func (sl *Slot) Leave(c *Call) {
	if c.waiters > 0 {
		c.waiters--
	}
}

// Waiters returns how many coordinators are still waiting on c.
func (sl *Slot) Waiters(c *Call) int { return c.waiters }

// Complete posts the outcome to every waiter and deletes the pending entry.
func (sl *Slot) Complete(c *Call, rec *domain.Record, err error) {
	if cur, ok := sl.part.pending[sl.digest]; ok && cur == c {
		delete(sl.part.pending, sl.digest)
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.rec = rec
	c.err = err
	close(c.done)
}

// Call is one in-flight resolution shared by every coordinator waiting on the
// same digest.
type Call struct {
	done    chan struct{}
	waiters int
	rec     *domain.Record
	err     error
}

// Done is closed once the resolution has completed.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the committed record or the resolution error. It is only
// meaningful after Done is closed.
func (c *Call) Result() (*domain.Record, error) { return c.rec, c.err }

package domain

import (
	"fmt"
	"sort"
	"time"
)

// MaxEndpoints bounds the number of endpoints one record can hold.
const MaxEndpoints = 16

// RoundRobinSet is a fixed-capacity array of endpoints with shared rotation
// state. The first Good() endpoints are the usable ones; the rest were
// resolved but do not match the requested family.
//
// A set is not safe for concurrent use; callers serialize on the lock of the
// partition holding the record.
type RoundRobinSet struct {
	endpoints [MaxEndpoints]Endpoint
	total     int
	good      int
	cursor    uint64
	epoch     time.Time
}

// NewRoundRobinSet copies eps into a new set. Only the first good entries are
// usable. Input beyond MaxEndpoints is dropped.
func NewRoundRobinSet(eps []Endpoint, good int) (*RoundRobinSet, error) {
	if len(eps) > MaxEndpoints {
		eps = eps[:MaxEndpoints]
	}
	if good > len(eps) {
		good = len(eps)
	}
	s := &RoundRobinSet{total: len(eps), good: good}
	copy(s.endpoints[:], eps)
	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSRVSet builds a set whose endpoints are ordered by ascending priority.
// Every SRV target is usable.
func NewSRVSet(eps []Endpoint) (*RoundRobinSet, error) {
	sorted := make([]Endpoint, len(eps))
	copy(sorted, eps)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return NewRoundRobinSet(sorted, len(sorted))
}

// check enforces 0 < good <= total <= capacity.
func (s *RoundRobinSet) check() error {
	if s == nil || s.good == 0 {
		return ErrEmptySet
	}
	if s.total <= 0 || s.total > MaxEndpoints || s.good < 0 || s.good > s.total {
		return fmt.Errorf("%w: total=%d good=%d capacity=%d", ErrInvariantViolation, s.total, s.good, MaxEndpoints)
	}
	return nil
}

// Usable returns the usable endpoints, aliased so callers may update failure
// state in place. It is the only way to index the backing array.
func (s *RoundRobinSet) Usable() ([]Endpoint, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.endpoints[:s.good], nil
}

// All returns every resolved endpoint, usable or not, aliased like Usable.
func (s *RoundRobinSet) All() ([]Endpoint, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	return s.endpoints[:s.total], nil
}

func (s *RoundRobinSet) Total() int { return s.total }

func (s *RoundRobinSet) Good() int { return s.good }

// Advance returns the current cursor and moves it forward by one.
func (s *RoundRobinSet) Advance() uint64 {
	c := s.cursor
	s.cursor++
	return c
}

// Cursor returns the rotation cursor without advancing it.
func (s *RoundRobinSet) Cursor() uint64 { return s.cursor }

// Epoch is when the timed rotation last ticked.
func (s *RoundRobinSet) Epoch() time.Time { return s.epoch }

// Tick advances the cursor and records now as the rotation epoch.
func (s *RoundRobinSet) Tick(now time.Time) {
	s.cursor++
	s.epoch = now
}

// Find returns the usable endpoint whose Key matches key.
func (s *RoundRobinSet) Find(key string) (*Endpoint, error) {
	eps, err := s.Usable()
	if err != nil {
		return nil, err
	}
	for i := range eps {
		if eps[i].Key() == key || eps[i].Addr.String() == key || eps[i].Name == key {
			return &eps[i], nil
		}
	}
	return nil, ErrEndpointNotFound
}

// Clone returns a deep copy including rotation state.
func (s *RoundRobinSet) Clone() *RoundRobinSet {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// RestoreRoundRobinSet rebuilds a set from persisted fields, keeping its
// rotation state.
func RestoreRoundRobinSet(eps []Endpoint, good int, cursor uint64, epoch time.Time) (*RoundRobinSet, error) {
	s, err := NewRoundRobinSet(eps, good)
	if err != nil {
		return nil, err
	}
	s.cursor = cursor
	s.epoch = epoch
	return s, nil
}

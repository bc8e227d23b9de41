package domain

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrs(n int) []Endpoint {
	eps := make([]Endpoint, n)
	for i := range eps {
		eps[i] = Endpoint{Addr: netip.MustParseAddr(fmt.Sprintf("10.0.0.%d", i+1))}
	}
	return eps
}

func TestNewRoundRobinSet(t *testing.T) {
	s, err := NewRoundRobinSet(addrs(3), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total())
	assert.Equal(t, 2, s.Good())

	usable, err := s.Usable()
	require.NoError(t, err)
	assert.Len(t, usable, 2)
	all, err := s.All()
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNewRoundRobinSet_TruncatesToCapacity(t *testing.T) {
	s, err := NewRoundRobinSet(addrs(MaxEndpoints+4), MaxEndpoints+4)
	require.NoError(t, err)
	assert.Equal(t, MaxEndpoints, s.Total())
	assert.Equal(t, MaxEndpoints, s.Good())
}

func TestNewRoundRobinSet_Empty(t *testing.T) {
	_, err := NewRoundRobinSet(nil, 0)
	assert.ErrorIs(t, err, ErrEmptySet)

	_, err = NewRoundRobinSet(addrs(2), 0)
	assert.ErrorIs(t, err, ErrEmptySet)
}

func TestRoundRobinSet_InvariantViolation(t *testing.T) {
	tests := []struct {
		name        string
		total, good int
	}{
		{"good exceeds total", 2, 3},
		{"total exceeds capacity", MaxEndpoints + 1, 1},
		{"zero total", 0, 1},
		{"negative good", 2, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewRoundRobinSet(addrs(2), 2)
			require.NoError(t, err)
			s.total, s.good = tt.total, tt.good

			_, err = s.Usable()
			assert.ErrorIs(t, err, ErrInvariantViolation)
			assert.False(t, errors.Is(err, ErrEmptySet))
			_, err = s.All()
			assert.ErrorIs(t, err, ErrInvariantViolation)
		})
	}
}

func TestRoundRobinSet_NilIsEmpty(t *testing.T) {
	var s *RoundRobinSet
	_, err := s.Usable()
	assert.ErrorIs(t, err, ErrEmptySet)
	assert.Nil(t, s.Clone())
}

func TestRoundRobinSet_CursorAndEpoch(t *testing.T) {
	s, err := NewRoundRobinSet(addrs(2), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), s.Advance())
	assert.Equal(t, uint64(1), s.Advance())
	assert.Equal(t, uint64(2), s.Cursor())

	now := time.Unix(1000, 0)
	s.Tick(now)
	assert.Equal(t, uint64(3), s.Cursor())
	assert.Equal(t, now, s.Epoch())
}

func TestNewSRVSet_SortsByPriority(t *testing.T) {
	s, err := NewSRVSet([]Endpoint{
		{Name: "c.example", Priority: 20},
		{Name: "a.example", Priority: 10, Weight: 5},
		{Name: "b.example", Priority: 10, Weight: 1},
	})
	require.NoError(t, err)
	usable, err := s.Usable()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.example", "b.example", "c.example"},
		[]string{usable[0].Name, usable[1].Name, usable[2].Name})
}

func TestRoundRobinSet_FindAndClone(t *testing.T) {
	s, err := NewRoundRobinSet(addrs(3), 3)
	require.NoError(t, err)

	ep, err := s.Find("10.0.0.2")
	require.NoError(t, err)
	ep.LastFailure = time.Unix(5, 0)

	c := s.Clone()
	cu, _ := c.Usable()
	cu[1].LastFailure = time.Time{}

	again, _ := s.Find("10.0.0.2")
	assert.Equal(t, time.Unix(5, 0), again.LastFailure, "clone must not alias the original")

	_, err = s.Find("192.0.2.1")
	assert.ErrorIs(t, err, ErrEndpointNotFound)
}

func TestRestoreRoundRobinSet(t *testing.T) {
	epoch := time.Unix(77, 0)
	s, err := RestoreRoundRobinSet(addrs(2), 2, 9, epoch)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), s.Cursor())
	assert.Equal(t, epoch, s.Epoch())
}

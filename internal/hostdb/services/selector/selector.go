// Package selector picks which endpoint of a resolved set serves a request.
//
// The strategy functions are pure apart from the rotation cursor and the
// per-endpoint failure stamps they update in place. Callers must hold the
// lock guarding the record that owns the set.
package selector

import (
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
)

// DrawFunc returns a uniform random value in [0, n).
type DrawFunc func(n uint32) uint32

// stamp pushes an endpoint that has failed before back into its failure
// window, so it gets one request and is then skipped until confirmed.
func stamp(ep *domain.Endpoint, now time.Time) {
	if !ep.LastFailure.IsZero() {
		ep.LastFailure = now
	}
}

// StrictRotation returns endpoints in strict cursor order. With healthAware
// set it skips endpoints inside their failure window, scanning at most one
// full rotation and falling back to wherever the scan stopped. Skipped slots
// still consume the shared cursor.
func StrictRotation(set *domain.RoundRobinSet, now time.Time, failWindow time.Duration, healthAware bool) (*domain.Endpoint, error) {
	eps, err := set.Usable()
	if err != nil {
		return nil, err
	}
	good := uint64(len(eps))
	if !healthAware {
		return &eps[set.Advance()%good], nil
	}
	var idx uint64
	for n := uint64(0); n < good; n++ {
		idx = set.Advance() % good
		if eps[idx].IsUp(now, failWindow) {
			break
		}
	}
	stamp(&eps[idx], now)
	return &eps[idx], nil
}

// affinityOver runs client-affinity hashing over the given indices of eps.
// It returns the best endpoint that is up, or the best overall when none is.
func affinityOver(eps []domain.Endpoint, idx []int, client netip.Addr, now time.Time, failWindow time.Duration) (best int, up bool) {
	bestAny, bestUp := -1, -1
	var hashAny, hashUp uint32
	for _, i := range idx {
		h := affinityHash(client, eps[i].Addr)
		if bestAny < 0 || h > hashAny {
			bestAny, hashAny = i, h
		}
		if eps[i].IsUp(now, failWindow) && (bestUp < 0 || h > hashUp) {
			bestUp, hashUp = i, h
		}
	}
	if bestUp < 0 {
		return bestAny, false
	}
	return bestUp, true
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// ClientAffinity maps a client to the usable endpoint with the highest
// affinity hash, preferring endpoints outside their failure window. Ties go
// to the earliest index.
func ClientAffinity(set *domain.RoundRobinSet, client netip.Addr, now time.Time, failWindow time.Duration) (*domain.Endpoint, error) {
	eps, err := set.Usable()
	if err != nil {
		return nil, err
	}
	best, _ := affinityOver(eps, allIndices(len(eps)), client, now, failWindow)
	stamp(&eps[best], now)
	return &eps[best], nil
}

// TimedRotation advances the cursor at most once per interval and otherwise
// keeps returning the current position.
func TimedRotation(set *domain.RoundRobinSet, now time.Time, interval time.Duration) (*domain.Endpoint, error) {
	eps, err := set.Usable()
	if err != nil {
		return nil, err
	}
	if now.Sub(set.Epoch()) > interval {
		set.Tick(now)
	}
	ep := &eps[set.Cursor()%uint64(len(eps))]
	stamp(ep, now)
	return ep, nil
}

// stratum orders health states into selection preference. Endpoints that
// were never checked are treated like fresh ones.
func stratum(s domain.HealthState) int {
	switch s {
	case domain.HealthUnknown, domain.HealthFresh:
		return 0
	case domain.HealthStaleRevalidate:
		return 1
	case domain.HealthStaleExpired:
		return 2
	default:
		return 3
	}
}

// HealthStratified picks within the best non-empty health stratum using
// client-affinity hashing. healthy is false when the choice came from the
// stale-expired or failed strata.
func HealthStratified(set *domain.RoundRobinSet, client netip.Addr, now time.Time, failWindow time.Duration, th domain.HealthThresholds) (ep *domain.Endpoint, healthy bool, err error) {
	eps, err := set.Usable()
	if err != nil {
		return nil, false, err
	}
	var strata [4][]int
	for i := range eps {
		s := stratum(eps[i].Health(now, th))
		strata[s] = append(strata[s], i)
	}
	for s, members := range strata {
		if len(members) == 0 {
			continue
		}
		best, _ := affinityOver(eps, members, client, now, failWindow)
		return &eps[best], s <= 1, nil
	}
	return nil, false, fmt.Errorf("%w: no stratum populated", domain.ErrInvariantViolation)
}

// WeightedSRV applies RFC 2782 selection: the lowest priority tier among
// endpoints outside their failure window, then a weight-proportional draw.
// A tier whose weights are all zero rotates instead, and when every endpoint
// is failing the whole set rotates. The chosen target name is returned too.
func WeightedSRV(set *domain.RoundRobinSet, draw DrawFunc, now time.Time, failWindow time.Duration) (*domain.Endpoint, string, error) {
	eps, err := set.Usable()
	if err != nil {
		return nil, "", err
	}

	var tier []int
	var weight uint32
	p := uint32(math.MaxUint32)
	for i := range eps {
		if !eps[i].IsUp(now, failWindow) {
			continue
		}
		if uint32(eps[i].Priority) > p {
			break
		}
		p = uint32(eps[i].Priority)
		weight += uint32(eps[i].Weight)
		tier = append(tier, i)
	}

	var chosen int
	switch {
	case len(tier) == 0:
		chosen = int(set.Advance() % uint64(len(eps)))
	case weight == 0:
		chosen = tier[set.Advance()%uint64(len(tier))]
	default:
		xx := draw(weight)
		k := 0
		for k < len(tier)-1 && xx >= uint32(eps[tier[k]].Weight) {
			xx -= uint32(eps[tier[k]].Weight)
			k++
		}
		chosen = tier[k]
	}

	ep := &eps[chosen]
	stamp(ep, now)
	return ep, ep.Name, nil
}

// MarkAllDown stamps every usable endpoint as failed at now.
func MarkAllDown(set *domain.RoundRobinSet, now time.Time) error {
	eps, err := set.Usable()
	if err != nil {
		return err
	}
	for i := range eps {
		eps[i].LastFailure = now
	}
	return nil
}

// Strategy selects how round-robin records are balanced.
type Strategy int

const (
	StrategyAffinity Strategy = iota
	StrategyStrict
	StrategyTimed
	StrategyHealth
)

func (s Strategy) String() string {
	switch s {
	case StrategyAffinity:
		return "affinity"
	case StrategyStrict:
		return "strict"
	case StrategyTimed:
		return "timed"
	case StrategyHealth:
		return "health"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses "affinity", "strict", "timed" or "health".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "affinity", "":
		return StrategyAffinity, nil
	case "strict":
		return StrategyStrict, nil
	case "timed":
		return StrategyTimed, nil
	case "health":
		return StrategyHealth, nil
	}
	return 0, fmt.Errorf("unknown selection strategy %q", s)
}

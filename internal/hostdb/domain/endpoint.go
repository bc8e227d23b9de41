package domain

import (
	"fmt"
	"net/netip"
	"time"
)

// HealthState is the lazily computed health-check classification of an
// endpoint. Better states sort before worse ones.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthFresh
	HealthStaleRevalidate
	HealthStaleExpired
	HealthFailed
)

func (s HealthState) String() string {
	switch s {
	case HealthUnknown:
		return "unknown"
	case HealthFresh:
		return "fresh"
	case HealthStaleRevalidate:
		return "stale-revalidatable"
	case HealthStaleExpired:
		return "stale-expired"
	case HealthFailed:
		return "failed"
	default:
		return fmt.Sprintf("HealthState(%d)", int(s))
	}
}

// HealthThresholds bound how long a health-check result stays fresh, and for
// how much longer after that it may still be revalidated.
type HealthThresholds struct {
	Fresh      time.Duration
	Revalidate time.Duration
}

// Endpoint is one resolved target: an address, or for SRV sets a target name
// with priority and weight.
type Endpoint struct {
	Addr netip.Addr
	// Name holds the SRV target or the PTR hostname.
	Name     string
	Port     uint16
	Priority uint16
	Weight   uint16

	// LastFailure is the zero time when the endpoint never failed.
	LastFailure time.Time

	// Health-check bookkeeping. LastCheck is zero until a check is reported.
	LastCheck time.Time
	CheckUp   bool
}

// Key identifies the endpoint inside a set: its address, or its target name.
func (e Endpoint) Key() string {
	if e.Name != "" && !e.Addr.IsValid() {
		return e.Name
	}
	if e.Name != "" {
		return e.Name + "/" + e.Addr.String()
	}
	return e.Addr.String()
}

// Health classifies the last health-check report relative to now.
func (e Endpoint) Health(now time.Time, th HealthThresholds) HealthState {
	if e.LastCheck.IsZero() {
		return HealthUnknown
	}
	if !e.CheckUp {
		return HealthFailed
	}
	age := now.Sub(e.LastCheck)
	switch {
	case age <= th.Fresh:
		return HealthFresh
	case age <= th.Fresh+th.Revalidate:
		return HealthStaleRevalidate
	default:
		return HealthStaleExpired
	}
}

// IsUp reports whether the endpoint is outside its failure window. A failure
// stamped further in the future than now+window cannot be real (clock skew or
// corruption) and is cleared, so the endpoint counts as up.
func (e *Endpoint) IsUp(now time.Time, window time.Duration) bool {
	if e.LastFailure.IsZero() {
		return true
	}
	if e.LastFailure.After(now.Add(window)) {
		e.LastFailure = time.Time{}
		return true
	}
	return now.Add(-window).After(e.LastFailure)
}

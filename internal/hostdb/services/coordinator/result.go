package coordinator

import (
	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
)

// Result is the outcome of one lookup.
type Result struct {
	Query  domain.Query
	Digest domain.Digest

	Endpoint domain.Endpoint
	// Target is the SRV target or PTR name of the chosen endpoint.
	Target  string
	Healthy bool
	// TTL is the number of seconds the answer remains fresh.
	TTL uint32

	// Hit is set when the answer came from the store without waiting.
	Hit bool
	// Stale is set when an expired record was served while it refreshes.
	Stale bool
	// Static is set when the hosts table answered.
	Static bool
	// Coalesced is set when the lookup waited on another caller's resolution.
	Coalesced bool

	// State is StateDone, or StateTimedOut when the resolution ran out of time.
	State State
	// Cause holds the resolution failure behind a no-route answer, if any.
	Cause error

	found bool
}

// NoRoute reports that no endpoint is available: the name is negatively
// cached or resolution failed.
func (r Result) NoRoute() bool { return !r.found }

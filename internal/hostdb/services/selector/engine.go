package selector

import (
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
)

// Options configure an Engine.
type Options struct {
	Strategy      Strategy
	FailWindow    time.Duration
	TimedInterval time.Duration
	Health        domain.HealthThresholds
	// Draw defaults to math/rand/v2, which is safe for concurrent use.
	Draw DrawFunc
}

// Choice is a selection result copied out of the record.
type Choice struct {
	Endpoint domain.Endpoint
	// Target is the SRV target name, empty for address records.
	Target string
	// Healthy is false when the endpoint came from a degraded health stratum
	// or is being retried after a failure.
	Healthy bool
}

// Engine applies the configured strategy to cached records.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	if opts.Draw == nil {
		opts.Draw = rand.Uint32N
	}
	return &Engine{opts: opts}
}

func (e *Engine) Options() Options { return e.opts }

// SelectHTTP is the failure-aware selection used for proxied requests.
func (e *Engine) SelectHTTP(set *domain.RoundRobinSet, client netip.Addr, now time.Time) (*domain.Endpoint, error) {
	switch e.opts.Strategy {
	case StrategyStrict:
		return StrictRotation(set, now, e.opts.FailWindow, true)
	case StrategyTimed:
		return TimedRotation(set, now, e.opts.TimedInterval)
	default:
		return ClientAffinity(set, client, now, e.opts.FailWindow)
	}
}

// Pick selects an endpoint from rec for client. The caller must hold the
// lock of the partition owning rec. Negative records yield ErrEmptySet.
func (e *Engine) Pick(rec *domain.Record, client netip.Addr, now time.Time) (Choice, error) {
	if rec == nil || rec.Negative {
		return Choice{}, domain.ErrEmptySet
	}

	switch rec.Kind {
	case domain.KindAddress:
		ep := &rec.Address
		healthy := ep.IsUp(now, e.opts.FailWindow)
		if e.opts.Strategy == StrategyHealth {
			healthy = stratum(ep.Health(now, e.opts.Health)) <= 1
		}
		return Choice{Endpoint: *ep, Target: ep.Name, Healthy: healthy}, nil

	case domain.KindSRV:
		ep, target, err := WeightedSRV(rec.Set, e.opts.Draw, now, e.opts.FailWindow)
		if err != nil {
			return Choice{}, err
		}
		return Choice{Endpoint: *ep, Target: target, Healthy: ep.LastFailure.IsZero()}, nil
	}

	if e.opts.Strategy == StrategyHealth {
		ep, healthy, err := HealthStratified(rec.Set, client, now, e.opts.FailWindow, e.opts.Health)
		if err != nil {
			return Choice{}, err
		}
		return Choice{Endpoint: *ep, Target: ep.Name, Healthy: healthy}, nil
	}

	ep, err := e.SelectHTTP(rec.Set, client, now)
	if err != nil {
		return Choice{}, err
	}
	return Choice{Endpoint: *ep, Target: ep.Name, Healthy: ep.LastFailure.IsZero()}, nil
}

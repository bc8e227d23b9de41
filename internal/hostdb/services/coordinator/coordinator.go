// Package coordinator runs lookups against the entry store: the synchronous
// fast path for fresh records, coalescing of concurrent misses onto a single
// resolution, retry and negative caching, and commit of results back into
// the store.
package coordinator

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/haukened/rr-hostdb/internal/hostdb/common/clock"
	"github.com/haukened/rr-hostdb/internal/hostdb/common/log"
	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
	"github.com/haukened/rr-hostdb/internal/hostdb/repos/entrystore"
	"github.com/haukened/rr-hostdb/internal/hostdb/services/selector"
)

var ErrNotCached = errors.New("no record cached for query")

type Options struct {
	Store    *entrystore.Store
	Engine   *selector.Engine
	Resolver Resolver
	// Peer enables cluster probing when set.
	Peer   Peer
	Static StaticTable
	Policy domain.TTLPolicy
	Clock  clock.Clock
	Logger log.Logger

	LookupTimeout  time.Duration
	ClusterTimeout time.Duration
	RetryBackoff   time.Duration
	RetryBudget    int

	// StaleWindow is how long past expiry a record may still be served while
	// a background refresh runs. Zero disables serve-stale.
	StaleWindow time.Duration
	// Refresh bounds background refreshes. Nil allows all of them.
	Refresh *rate.Limiter

	// Workers is the number of partition-affine commit workers.
	Workers int
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	store    *entrystore.Store
	engine   *selector.Engine
	resolver Resolver
	peer     Peer
	static   StaticTable
	policy   domain.TTLPolicy
	clk      clock.Clock
	logger   log.Logger
	opts     Options

	staticMu   sync.Mutex
	staticRecs map[domain.Digest]*domain.Record

	// base bounds every resolution; Close cancels it.
	base     context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	poolMu  sync.RWMutex
	queues  []chan func()
	started bool
	// stopped is set once the queues are closed; commits then run inline.
	stopped bool
	closed  bool
	group   *errgroup.Group

	counters counters
}

// New builds a coordinator. Commits run inline until Start is called.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Static == nil {
		opts.Static = noStatic{}
	}
	if opts.Engine == nil {
		opts.Engine = selector.NewEngine(selector.Options{})
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = 5 * time.Second
	}
	if opts.ClusterTimeout <= 0 {
		opts.ClusterTimeout = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:      opts.Store,
		engine:     opts.Engine,
		resolver:   opts.Resolver,
		peer:       opts.Peer,
		static:     opts.Static,
		policy:     opts.Policy,
		clk:        opts.Clock,
		logger:     log.WithComponent(opts.Logger, "coordinator"),
		opts:       opts,
		staticRecs: make(map[domain.Digest]*domain.Record),
		base:       base,
		cancel:     cancel,
	}
}

// Start launches the commit workers. When ctx ends the worker queues are
// closed: workers finish what is queued and later commits run inline.
func (c *Coordinator) Start(ctx context.Context) {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true
	c.queues = make([]chan func(), c.opts.Workers)
	g := new(errgroup.Group)
	for i := range c.queues {
		q := make(chan func(), 64)
		c.queues[i] = q
		g.Go(func() error {
			for fn := range q {
				fn()
			}
			return nil
		})
	}
	c.group = g
	go func() {
		select {
		case <-ctx.Done():
			c.stopPool()
		case <-c.base.Done():
		}
	}()
}

// stopPool closes the worker queues once and returns the worker group.
func (c *Coordinator) stopPool() *errgroup.Group {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if c.started && !c.stopped {
		c.stopped = true
		for _, q := range c.queues {
			close(q)
		}
	}
	return c.group
}

// Close aborts in-flight resolutions, completes their waiters and stops the
// workers. Lookups after Close miss without contacting the resolver.
func (c *Coordinator) Close() error {
	c.cancel()
	c.poolMu.Lock()
	if c.closed {
		c.poolMu.Unlock()
		return nil
	}
	c.closed = true
	c.poolMu.Unlock()

	c.inflight.Wait()
	g := c.stopPool()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// dispatch runs fn on the worker bound to partition, or inline when the
// pool is not running.
func (c *Coordinator) dispatch(partition int, fn func()) {
	c.poolMu.RLock()
	if !c.started || c.stopped {
		c.poolMu.RUnlock()
		fn()
		return
	}
	q := c.queues[partition%len(c.queues)]
	select {
	case q <- fn:
		c.poolMu.RUnlock()
	default:
		// worker backlog full
		c.poolMu.RUnlock()
		fn()
	}
}

// Lookup resolves q for client. A fresh cached record is answered
// synchronously. Otherwise the caller joins the digest's pending resolution,
// starting one if none is in flight, and waits for it.
//
// The returned error is non-nil only for an invalid query or when ctx ends
// first; unresolvable names come back as a Result with NoRoute set.
func (c *Coordinator) Lookup(ctx context.Context, q domain.Query, client netip.Addr) (Result, error) {
	return c.lookup(ctx, q, client, true)
}

// LookupLocal is Lookup without cluster probing, for answering peers.
func (c *Coordinator) LookupLocal(ctx context.Context, q domain.Query, client netip.Addr) (Result, error) {
	return c.lookup(ctx, q, client, false)
}

func (c *Coordinator) lookup(ctx context.Context, q domain.Query, client netip.Addr, allowPeer bool) (Result, error) {
	if err := q.Validate(); err != nil {
		return Result{}, err
	}
	d := q.Digest()
	now := c.clk.Now()

	if res, ok := c.lookupStatic(q, d, client, now); ok {
		return res, nil
	}

	var (
		res     Result
		done    bool
		call    *entrystore.Call
		owner   bool
		refresh bool
	)
	c.store.With(d, func(sl *entrystore.Slot) {
		rec, ok := sl.Lookup()
		if ok && rec.Generation < c.store.Generation() {
			ok = false
		}
		if ok && !q.Force {
			switch {
			case rec.IsFresh(now):
				res, done = c.answer(sl, rec, q, client, now)
				res.Hit = done
				if done {
					c.store.CountHit()
					return
				}
			case c.servableStale(rec, now):
				c.store.CountExpiry()
				res, done = c.answer(sl, rec, q, client, now)
				if done {
					res.Hit, res.Stale = true, true
					c.store.CountHit()
					c.counters.staleServed.Add(1)
					if _, pending := sl.Pending(); !pending && c.allowRefresh() {
						call, owner = sl.Join()
						sl.Leave(call)
						refresh = true
					}
					return
				}
			default:
				c.store.CountExpiry()
			}
		}
		call, owner = sl.Join()
	})

	if done {
		if refresh {
			c.spawn(q, d, call, allowPeer, true)
		}
		return res, nil
	}
	if owner {
		c.spawn(q, d, call, allowPeer, false)
	} else {
		c.counters.coalesced.Add(1)
	}
	res, err := c.wait(ctx, q, d, call, client)
	res.Coalesced = !owner
	return res, err
}

// answer selects from rec while the partition lock is held. A record whose
// set fails its invariant check is dropped and reported as not answered.
func (c *Coordinator) answer(sl *entrystore.Slot, rec *domain.Record, q domain.Query, client netip.Addr, now time.Time) (Result, bool) {
	res := Result{Query: q, Digest: sl.Digest(), State: StateDone, TTL: rec.Remaining(now)}
	choice, err := c.engine.Pick(rec, client, now)
	switch {
	case err == nil:
		res.Endpoint, res.Target, res.Healthy = choice.Endpoint, choice.Target, choice.Healthy
		res.found = true
	case errors.Is(err, domain.ErrInvariantViolation):
		c.logger.Error(map[string]any{
			"digest": sl.Digest().String(),
			"name":   q.Name,
			"error":  err.Error(),
		}, "corrupt round-robin set, evicting record")
		sl.Remove()
		return res, false
	}
	return res, true
}

func (c *Coordinator) servableStale(rec *domain.Record, now time.Time) bool {
	if c.opts.StaleWindow <= 0 || rec.Negative {
		return false
	}
	return now.Before(rec.ExpiresAt().Add(c.opts.StaleWindow))
}

func (c *Coordinator) allowRefresh() bool {
	return c.opts.Refresh == nil || c.opts.Refresh.Allow()
}

func (c *Coordinator) lookupStatic(q domain.Query, d domain.Digest, client netip.Addr, now time.Time) (Result, bool) {
	rs, ok := c.static.Resolve(q)
	if !ok {
		return Result{}, false
	}
	c.staticMu.Lock()
	defer c.staticMu.Unlock()
	rec := c.staticRecs[d]
	if rec == nil || !rec.IsFresh(now) {
		var err error
		rec, err = domain.NewRecord(q, rs, domain.TTLPolicy{Mode: domain.TTLObey}, now)
		if err != nil {
			return Result{}, false
		}
		c.staticRecs[d] = rec
	}
	choice, err := c.engine.Pick(rec, client, now)
	if err != nil {
		return Result{}, false
	}
	return Result{
		Query:    q,
		Digest:   d,
		Endpoint: choice.Endpoint,
		Target:   choice.Target,
		Healthy:  choice.Healthy,
		TTL:      rec.Remaining(now),
		Hit:      true,
		Static:   true,
		State:    StateDone,
		found:    true,
	}, true
}

// wait parks the caller on call until the resolution completes or ctx ends,
// then selects from the committed record.
func (c *Coordinator) wait(ctx context.Context, q domain.Query, d domain.Digest, call *entrystore.Call, client netip.Addr) (Result, error) {
	select {
	case <-call.Done():
	case <-ctx.Done():
		left := 0
		c.store.With(d, func(sl *entrystore.Slot) {
			sl.Leave(call)
			left = sl.Waiters(call)
		})
		c.counters.cancelled.Add(1)
		c.logger.Debug(map[string]any{"name": q.Name, "waiters": left, "error": ctx.Err().Error()}, "lookup abandoned")
		return Result{Query: q, Digest: d, State: StatePendingWait}, ctx.Err()
	}

	committed, cause := call.Result()
	now := c.clk.Now()
	res := Result{Query: q, Digest: d, State: StateDone, Cause: cause}
	if errors.Is(cause, domain.ErrResolveTimeout) {
		res.State = StateTimedOut
	}
	c.store.With(d, func(sl *entrystore.Slot) {
		rec, ok := sl.Get()
		if !ok {
			rec = committed
		}
		if rec == nil {
			return
		}
		if r, answered := c.answer(sl, rec, q, client, now); answered {
			r.State, r.Cause = res.State, res.Cause
			res = r
		}
	})
	return res, nil
}

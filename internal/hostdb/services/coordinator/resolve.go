package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
	"github.com/haukened/rr-hostdb/internal/hostdb/repos/entrystore"
)

// task is the owning side of one pending resolution.
type task struct {
	c          *Coordinator
	q          domain.Query
	d          domain.Digest
	call       *entrystore.Call
	allowPeer  bool
	background bool
	state      State
	attempts   int
}

func (t *task) enter(s State) {
	t.c.logger.Debug(map[string]any{
		"name": t.q.Name,
		"type": t.q.Type.String(),
		"from": t.state.String(),
		"to":   s.String(),
	}, "lookup_transition")
	t.state = s
}

// spawn starts the resolution owning call. It runs detached from any
// caller's context, bounded by the lookup timeout. After Close the call is
// completed at once with a timeout.
func (c *Coordinator) spawn(q domain.Query, d domain.Digest, call *entrystore.Call, allowPeer, background bool) {
	t := &task{c: c, q: q, d: d, call: call, allowPeer: allowPeer, background: background}
	c.poolMu.RLock()
	if c.closed {
		c.poolMu.RUnlock()
		t.commit(domain.ResolvedSet{}, domain.NewResolveError(domain.ErrResolveTimeout, context.Canceled))
		return
	}
	c.inflight.Add(1)
	c.poolMu.RUnlock()
	go func() {
		defer c.inflight.Done()
		t.run()
	}()
}

func (t *task) run() {
	c := t.c
	ctx, cancel := context.WithTimeout(c.base, c.opts.LookupTimeout)
	defer cancel()

	rs, err := t.fetch(ctx)
	c.dispatch(c.store.PartitionOf(t.d), func() { t.commit(rs, err) })
}

// fetch resolves with retry. Transient failures are retried after the
// backoff while the budget lasts.
func (t *task) fetch(ctx context.Context) (domain.ResolvedSet, error) {
	c := t.c
	for {
		rs, err := t.fetchOnce(ctx)
		if err == nil {
			return rs, nil
		}
		if ctx.Err() != nil && !errors.Is(err, domain.ErrResolveTimeout) {
			err = domain.NewResolveError(domain.ErrResolveTimeout, err)
		}
		if !domain.IsRetryable(err) || t.attempts >= c.opts.RetryBudget {
			return rs, err
		}
		t.attempts++
		c.counters.retries.Add(1)
		t.enter(StateRetry)
		c.logger.Debug(map[string]any{"name": t.q.Name, "attempt": t.attempts, "error": err.Error()}, "transient resolve failure, retrying")
		select {
		case <-c.clk.After(c.opts.RetryBackoff):
		case <-ctx.Done():
			return rs, domain.NewResolveError(domain.ErrResolveTimeout, ctx.Err())
		}
		t.enter(StateProbe)
	}
}

func (t *task) fetchOnce(ctx context.Context) (domain.ResolvedSet, error) {
	c := t.c
	if t.allowPeer && c.peer != nil {
		if node, remote := c.peer.Owner(t.d); remote {
			t.enter(StateClusterProbe)
			c.counters.peerProbes.Add(1)
			pctx, cancel := context.WithTimeout(ctx, c.opts.ClusterTimeout)
			rs, err := c.peer.Probe(pctx, t.q, t.d)
			cancel()
			if err == nil {
				return rs, nil
			}
			c.counters.peerFallbacks.Add(1)
			c.logger.Debug(map[string]any{"name": t.q.Name, "node": node, "error": err.Error()}, "peer probe failed, resolving locally")
		}
	}
	t.enter(StateResolving)
	if c.resolver == nil {
		return domain.ResolvedSet{}, domain.NewResolveError(domain.ErrResolvePermanent, fmt.Errorf("no resolver configured"))
	}
	return c.resolver.Resolve(ctx, t.q)
}

// commit writes the outcome into the store and releases every waiter. It
// runs on the worker bound to the digest's partition.
func (t *task) commit(rs domain.ResolvedSet, err error) {
	c := t.c
	t.enter(StateCommitting)
	now := c.clk.Now()

	shutdown := c.base.Err() != nil
	var rec *domain.Record
	if err == nil {
		var buildErr error
		rec, buildErr = domain.NewRecord(t.q, rs, c.policy, now)
		if buildErr != nil {
			err = buildErr
		} else if rec.Negative {
			err = domain.NewResolveError(domain.ErrResolvePermanent, fmt.Errorf("no usable endpoints"))
		}
	}
	if err != nil {
		if errors.Is(err, domain.ErrResolveTimeout) {
			c.counters.timeouts.Add(1)
		}
		if rec == nil || !rec.Negative {
			rec = domain.NewNegativeRecord(t.q, c.policy, now)
		}
	}

	c.store.With(t.d, func(sl *entrystore.Slot) {
		switch {
		case shutdown:
		case err != nil && t.background:
			// keep serving the stale answer
			c.logger.Debug(map[string]any{"name": t.q.Name, "error": err.Error()}, "background refresh failed")
		default:
			sl.Put(rec)
			if rec.Negative {
				c.counters.negatives.Add(1)
				c.logger.Info(map[string]any{"name": t.q.Name, "type": t.q.Type.String(), "ttl": rec.TTL, "error": errString(err)}, "caching negative answer")
			}
		}
		if stored, ok := sl.Get(); ok {
			sl.Complete(t.call, stored.Clone(), err)
		} else {
			sl.Complete(t.call, rec, err)
		}
	})
	if err != nil && errors.Is(err, domain.ErrResolveTimeout) {
		t.enter(StateTimedOut)
		return
	}
	t.enter(StateDone)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

package coordinator

import (
	"errors"
	"time"

	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
	"github.com/haukened/rr-hostdb/internal/hostdb/repos/entrystore"
	"github.com/haukened/rr-hostdb/internal/hostdb/services/selector"
)

// ForceAll makes every cached record re-resolve on its next access.
func (c *Coordinator) ForceAll() uint64 {
	gen := c.store.BumpGeneration()
	c.logger.Info(map[string]any{"generation": gen}, "forcing re-resolution of all records")
	return gen
}

// Inspect returns a copy of the record cached for q.
func (c *Coordinator) Inspect(q domain.Query) (*domain.Record, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	rec, ok := c.store.Get(q.Digest())
	if !ok {
		return nil, ErrNotCached
	}
	return rec, nil
}

// withEndpoints runs fn on the cached record's endpoints matching key, or on
// all usable endpoints when key is empty.
func (c *Coordinator) withEndpoints(q domain.Query, key string, fn func(ep *domain.Endpoint)) error {
	if err := q.Validate(); err != nil {
		return err
	}
	var err error
	c.store.With(q.Digest(), func(sl *entrystore.Slot) {
		rec, ok := sl.Get()
		if !ok || rec.Negative {
			err = ErrNotCached
			return
		}
		if rec.Kind == domain.KindAddress {
			if key != "" && key != rec.Address.Key() && key != rec.Address.Addr.String() && key != rec.Address.Name {
				err = domain.ErrEndpointNotFound
				return
			}
			fn(&rec.Address)
			return
		}
		if key == "" {
			var eps []domain.Endpoint
			if eps, err = rec.Set.Usable(); err == nil {
				for i := range eps {
					fn(&eps[i])
				}
			}
		} else {
			var ep *domain.Endpoint
			if ep, err = rec.Set.Find(key); err == nil {
				fn(ep)
			}
		}
		if errors.Is(err, domain.ErrInvariantViolation) {
			c.logger.Error(map[string]any{"digest": sl.Digest().String(), "error": err.Error()}, "corrupt round-robin set, evicting record")
			sl.Remove()
		}
	})
	return err
}

// MarkDown records a failed connection to the endpoint identified by key.
// An empty key marks every endpoint of the record down.
func (c *Coordinator) MarkDown(q domain.Query, key string) error {
	now := c.clk.Now()
	if key == "" {
		return c.markAllDown(q)
	}
	return c.withEndpoints(q, key, func(ep *domain.Endpoint) { ep.LastFailure = now })
}

func (c *Coordinator) markAllDown(q domain.Query) error {
	if err := q.Validate(); err != nil {
		return err
	}
	now := c.clk.Now()
	var err error
	c.store.With(q.Digest(), func(sl *entrystore.Slot) {
		rec, ok := sl.Get()
		switch {
		case !ok || rec.Negative:
			err = ErrNotCached
		case rec.Kind == domain.KindAddress:
			rec.Address.LastFailure = now
		default:
			err = selector.MarkAllDown(rec.Set, now)
		}
	})
	if err == nil {
		c.logger.Info(map[string]any{"name": q.Name, "type": q.Type.String()}, "marked all endpoints down")
	}
	return err
}

// MarkUp clears the failure state of the endpoint identified by key.
func (c *Coordinator) MarkUp(q domain.Query, key string) error {
	return c.withEndpoints(q, key, func(ep *domain.Endpoint) { ep.LastFailure = time.Time{} })
}

// ReportHealth records a health-check result for the endpoint identified by
// key, or for every endpoint when key is empty.
func (c *Coordinator) ReportHealth(q domain.Query, key string, up bool) error {
	now := c.clk.Now()
	return c.withEndpoints(q, key, func(ep *domain.Endpoint) {
		ep.LastCheck = now
		ep.CheckUp = up
	})
}

package coordinator

import (
	"context"

	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
)

// Resolver answers queries from an external source. Failures should be
// *domain.ResolveError so the coordinator can tell transient from permanent.
type Resolver interface {
	Resolve(ctx context.Context, q domain.Query) (domain.ResolvedSet, error)
}

// Peer asks the cluster node that owns a digest for its answer.
type Peer interface {
	// Owner reports the node owning d and whether that node is remote.
	Owner(d domain.Digest) (node string, remote bool)
	// Probe returns domain.ErrPeerUnavailable or domain.ErrPeerMiss on failure.
	Probe(ctx context.Context, q domain.Query, d domain.Digest) (domain.ResolvedSet, error)
}

// StaticTable serves fixed answers ahead of the cache.
type StaticTable interface {
	Resolve(q domain.Query) (domain.ResolvedSet, bool)
}

type noStatic struct{}

func (noStatic) Resolve(domain.Query) (domain.ResolvedSet, bool) { return domain.ResolvedSet{}, false }

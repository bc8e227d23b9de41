package cluster

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/bufbuild/httplb"
	"github.com/cespare/xxhash/v2"

	"github.com/haukened/rr-hostdb/internal/hostdb/common/log"
	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
	"github.com/haukened/rr-hostdb/internal/hostdb/services/coordinator"
)

// Options configures the peer gateway.
type Options struct {
	// NodeID is this node's base URL; it must be one of Peers.
	NodeID string
	// Peers lists every node's base URL, including this one.
	Peers   []string
	Timeout time.Duration
	// Client is injectable for tests. Defaults to an httplb client.
	Client *http.Client
	Logger log.Logger
}

// Cluster maps digests to owning nodes by rendezvous hashing and probes
// remote owners over HTTP.
type Cluster struct {
	self    string
	peers   []string
	timeout time.Duration
	client  *http.Client
	// lb is set when the gateway built its own httplb client.
	lb     *httplb.Client
	logger log.Logger
}

// New validates the membership and builds the gateway.
func New(opts Options) (*Cluster, error) {
	if len(opts.Peers) == 0 {
		return nil, errors.New("cluster requires at least one peer")
	}
	peers := make([]string, 0, len(opts.Peers))
	for _, p := range opts.Peers {
		peers = append(peers, strings.TrimSuffix(p, "/"))
	}
	self := strings.TrimSuffix(opts.NodeID, "/")
	if !slices.Contains(peers, self) {
		return nil, fmt.Errorf("node %q is not a cluster member", opts.NodeID)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	c := &Cluster{
		self:    self,
		peers:   peers,
		timeout: opts.Timeout,
		client:  opts.Client,
		logger:  log.WithComponent(opts.Logger, "cluster"),
	}
	if c.client == nil {
		c.lb = httplb.NewClient(httplb.WithDefaultTimeout(opts.Timeout))
		c.client = c.lb.Client
	}
	return c, nil
}

// Close releases the HTTP client when the gateway created it.
func (c *Cluster) Close() error {
	if c.lb == nil {
		return nil
	}
	return c.lb.Close()
}

// score is the rendezvous weight of peer for a master hash.
func score(peer string, master uint32) uint64 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], master)
	h := xxhash.New()
	_, _ = h.WriteString(peer)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// Owner returns the node owning d and whether it is another node.
func (c *Cluster) Owner(d domain.Digest) (string, bool) {
	master := d.MasterHash()
	var (
		best      string
		bestScore uint64
	)
	for i, p := range c.peers {
		s := score(p, master)
		if i == 0 || s > bestScore || (s == bestScore && p < best) {
			best, bestScore = p, s
		}
	}
	return best, best != c.self
}

// Probe asks the owner of d to answer q. Transport failures and bad replies
// are domain.ErrPeerUnavailable; a 404 is domain.ErrPeerMiss.
func (c *Cluster) Probe(ctx context.Context, q domain.Query, d domain.Digest) (domain.ResolvedSet, error) {
	owner, remote := c.Owner(d)
	if !remote {
		return domain.ResolvedSet{}, fmt.Errorf("%w: digest %s is owned locally", domain.ErrPeerMiss, d)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(NewLookupRequest(q))
	if err != nil {
		return domain.ResolvedSet{}, fmt.Errorf("%w: %v", domain.ErrPeerUnavailable, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, owner+LookupPath, bytes.NewReader(body))
	if err != nil {
		return domain.ResolvedSet{}, fmt.Errorf("%w: %v", domain.ErrPeerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug(map[string]any{"peer": owner, "digest": d.String(), "error": err.Error()}, "peer probe failed")
		return domain.ResolvedSet{}, fmt.Errorf("%w: %v", domain.ErrPeerUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return domain.ResolvedSet{}, fmt.Errorf("%w: %s", domain.ErrPeerMiss, owner)
	default:
		return domain.ResolvedSet{}, fmt.Errorf("%w: %s answered %s", domain.ErrPeerUnavailable, owner, resp.Status)
	}

	var lr LookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return domain.ResolvedSet{}, fmt.Errorf("%w: decoding reply from %s: %v", domain.ErrPeerUnavailable, owner, err)
	}
	rs, err := lr.ResolvedSet()
	if err != nil {
		return domain.ResolvedSet{}, fmt.Errorf("%w: %v", domain.ErrPeerUnavailable, err)
	}
	return rs, nil
}

var _ coordinator.Peer = (*Cluster)(nil)

package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
)

const self = "http://10.0.0.1:8053"

// remoteQuery finds a query whose digest the given cluster routes away from self.
func remoteQuery(t *testing.T, c *Cluster) domain.Query {
	t.Helper()
	for i := 0; i < 1000; i++ {
		q, err := domain.NewQuery(fmt.Sprintf("host%d.example.com", i), domain.QueryTypeA)
		require.NoError(t, err)
		if _, remote := c.Owner(q.Digest()); remote {
			return q
		}
	}
	t.Fatal("no remotely owned query found")
	return domain.Query{}
}

func newCluster(t *testing.T, srv *httptest.Server) *Cluster {
	t.Helper()
	c, err := New(Options{
		NodeID:  self,
		Peers:   []string{self, srv.URL + "/"},
		Timeout: time.Second,
		Client:  srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	_, err := New(Options{NodeID: self})
	assert.Error(t, err)

	_, err = New(Options{NodeID: "http://elsewhere", Peers: []string{self}})
	assert.ErrorContains(t, err, "not a cluster member")

	c, err := New(Options{NodeID: self + "/", Peers: []string{self}})
	require.NoError(t, err)
	assert.NotNil(t, c.lb)
	assert.Equal(t, 5*time.Second, c.timeout)
	assert.NoError(t, c.Close())
}

func TestOwner_SingleNodeIsLocal(t *testing.T) {
	c, err := New(Options{NodeID: self, Peers: []string{self}, Client: http.DefaultClient})
	require.NoError(t, err)
	q, err := domain.NewQuery("example.com", domain.QueryTypeA)
	require.NoError(t, err)

	owner, remote := c.Owner(q.Digest())
	assert.Equal(t, self, owner)
	assert.False(t, remote)
}

func TestOwner_StableAndSpread(t *testing.T) {
	peers := []string{"http://a:1", "http://b:1", "http://c:1"}
	a, err := New(Options{NodeID: peers[0], Peers: peers, Client: http.DefaultClient})
	require.NoError(t, err)
	// Membership order must not change ownership.
	b, err := New(Options{NodeID: peers[1], Peers: []string{peers[2], peers[1], peers[0]}, Client: http.DefaultClient})
	require.NoError(t, err)

	counts := map[string]int{}
	for i := 0; i < 300; i++ {
		q, err := domain.NewQuery(fmt.Sprintf("n%d.example.com", i), domain.QueryTypeA)
		require.NoError(t, err)
		oa, _ := a.Owner(q.Digest())
		ob, _ := b.Owner(q.Digest())
		require.Equal(t, oa, ob)
		counts[oa]++
	}
	assert.Len(t, counts, 3)
}

func TestProbe_Answer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, LookupPath, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req LookupRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "A", req.Type)
		_ = json.NewEncoder(w).Encode(LookupResponse{
			TTL:       42,
			Endpoints: []EndpointJSON{{Addr: "192.0.2.1"}, {Addr: "192.0.2.2"}},
		})
	}))
	defer srv.Close()

	c := newCluster(t, srv)
	q := remoteQuery(t, c)
	rs, err := c.Probe(context.Background(), q, q.Digest())
	require.NoError(t, err)
	assert.Equal(t, uint32(42), rs.TTL)
	require.Len(t, rs.Endpoints, 2)
	assert.Equal(t, netip.MustParseAddr("192.0.2.2"), rs.Endpoints[1].Addr)
}

func TestProbe_Miss(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := newCluster(t, srv)
	q := remoteQuery(t, c)
	_, err := c.Probe(context.Background(), q, q.Digest())
	assert.ErrorIs(t, err, domain.ErrPeerMiss)
}

func TestProbe_Unavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) }},
		{"garbage body", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("not json")) }},
		{"bad address", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"ttl":1,"endpoints":[{"addr":"nope"}]}`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			c := newCluster(t, srv)
			q := remoteQuery(t, c)
			_, err := c.Probe(context.Background(), q, q.Digest())
			assert.ErrorIs(t, err, domain.ErrPeerUnavailable)
		})
	}
}

func TestProbe_DeadPeer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c := newCluster(t, srv)
	q := remoteQuery(t, c)
	srv.Close()

	_, err := c.Probe(context.Background(), q, q.Digest())
	assert.ErrorIs(t, err, domain.ErrPeerUnavailable)
}

func TestProbe_Deadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newCluster(t, srv)
	c.timeout = 50 * time.Millisecond
	q := remoteQuery(t, c)
	_, err := c.Probe(context.Background(), q, q.Digest())
	assert.ErrorIs(t, err, domain.ErrPeerUnavailable)
}

func TestProbe_LocalOwnerIsMiss(t *testing.T) {
	c, err := New(Options{NodeID: self, Peers: []string{self}, Client: http.DefaultClient})
	require.NoError(t, err)
	q, err := domain.NewQuery("example.com", domain.QueryTypeA)
	require.NoError(t, err)

	_, err = c.Probe(context.Background(), q, q.Digest())
	assert.ErrorIs(t, err, domain.ErrPeerMiss)
}

func TestWire_RoundTrip(t *testing.T) {
	q, err := domain.NewReverseQuery(netip.MustParseAddr("2001:db8::5"))
	require.NoError(t, err)
	back, err := NewLookupRequest(q).Query()
	require.NoError(t, err)
	assert.Equal(t, q, back)

	_, err = LookupRequest{Type: "PTR", Addr: "bogus"}.Query()
	assert.Error(t, err)
	_, err = LookupRequest{Name: "x", Type: "MX"}.Query()
	assert.Error(t, err)

	rs := domain.ResolvedSet{TTL: 9, Endpoints: []domain.Endpoint{
		{Name: "a.example.com", Port: 80, Priority: 1, Weight: 3},
		{Addr: netip.MustParseAddr("192.0.2.4"), LastFailure: time.Unix(100, 0)},
	}}
	got, err := NewLookupResponse(rs).ResolvedSet()
	require.NoError(t, err)
	assert.Equal(t, rs.TTL, got.TTL)
	assert.Equal(t, rs.Endpoints[0], got.Endpoints[0])
	assert.True(t, got.Endpoints[1].LastFailure.IsZero())
	assert.Equal(t, rs.Endpoints[1].Addr, got.Endpoints[1].Addr)
}

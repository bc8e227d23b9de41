package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
	"github.com/haukened/rr-hostdb/internal/hostdb/gateways/cluster"
	"github.com/haukened/rr-hostdb/internal/hostdb/repos/entrystore"
	"github.com/haukened/rr-hostdb/internal/hostdb/services/coordinator"
	"github.com/haukened/rr-hostdb/internal/hostdb/services/selector"
)

var t0 = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

type zoneResolver map[string]domain.ResolvedSet

func (z zoneResolver) Resolve(_ context.Context, q domain.Query) (domain.ResolvedSet, error) {
	if strings.HasPrefix(q.Name, "pool") {
		return addrs(120, "192.0.2.50", "192.0.2.51"), nil
	}
	rs, ok := z[q.Name]
	if !ok {
		return domain.ResolvedSet{}, domain.NewResolveError(domain.ErrResolvePermanent, nil)
	}
	return rs, nil
}

func addrs(ttl uint32, list ...string) domain.ResolvedSet {
	rs := domain.ResolvedSet{TTL: ttl}
	for _, a := range list {
		rs.Endpoints = append(rs.Endpoints, domain.Endpoint{Addr: netip.MustParseAddr(a)})
	}
	return rs
}

func newServer(t *testing.T) (*httptest.Server, *coordinator.Coordinator) {
	t.Helper()
	store, err := entrystore.New(entrystore.Options{Size: 64, Buckets: 16, Partitions: 4})
	require.NoError(t, err)
	co := coordinator.New(coordinator.Options{
		Store:  store,
		Engine: selector.NewEngine(selector.Options{Strategy: selector.StrategyStrict, FailWindow: 30 * time.Second}),
		Resolver: zoneResolver{
			"www.example.com": addrs(300, "192.0.2.1", "192.0.2.2"),
			"one.example.com": addrs(60, "192.0.2.9"),
		},
		Policy: domain.TTLPolicy{Mode: domain.TTLObey, Interval: 24 * time.Hour, FailTTL: time.Hour},
		Clock:  clockwork.NewFakeClockAt(t0),
	})
	t.Cleanup(func() { _ = co.Close() })

	srv := httptest.NewServer(New(co, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, co
}

func do(t *testing.T, method, url string, body io.Reader) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	out := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestLookupHandler(t *testing.T) {
	srv, _ := newServer(t)

	code, body := do(t, http.MethodGet, srv.URL+"/v1/hosts/WWW.example.com?client=203.0.113.5", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "www.example.com", body["name"])
	assert.Equal(t, "A", body["type"])
	assert.Equal(t, float64(300), body["ttl"])
	assert.Equal(t, false, body["hit"])
	ep := body["endpoint"].(map[string]any)
	assert.Equal(t, "192.0.2.1", ep["addr"])

	// Strict rotation moves to the second address on the cached record.
	code, body = do(t, http.MethodGet, srv.URL+"/v1/hosts/www.example.com", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["hit"])
	assert.Equal(t, "192.0.2.2", body["endpoint"].(map[string]any)["addr"])
}

func TestLookupHandler_NoRoute(t *testing.T) {
	srv, co := newServer(t)

	code, body := do(t, http.MethodGet, srv.URL+"/v1/hosts/missing.example.com", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "no route to missing.example.com")
	assert.Equal(t, uint64(1), co.Stats().Negatives)
}

func TestLookupHandler_BadType(t *testing.T) {
	srv, _ := newServer(t)

	code, _ := do(t, http.MethodGet, srv.URL+"/v1/hosts/www.example.com?type=MX", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/v1/hosts/not-an-ip?type=PTR", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRecordHandler(t *testing.T) {
	srv, _ := newServer(t)

	code, _ := do(t, http.MethodGet, srv.URL+"/v1/hosts/www.example.com/record", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/v1/hosts/www.example.com", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := do(t, http.MethodGet, srv.URL+"/v1/hosts/www.example.com/record", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "round-robin", body["kind"])
	assert.Equal(t, false, body["negative"])
	assert.Len(t, body["endpoints"], 2)
}

func TestEndpointOps(t *testing.T) {
	srv, co := newServer(t)
	q, err := domain.NewQuery("www.example.com", domain.QueryTypeA)
	require.NoError(t, err)

	code, _ := do(t, http.MethodPost, srv.URL+"/v1/hosts/www.example.com/down?endpoint=192.0.2.1", nil)
	assert.Equal(t, http.StatusNotFound, code, "nothing cached yet")

	code, _ = do(t, http.MethodGet, srv.URL+"/v1/hosts/www.example.com", nil)
	require.Equal(t, http.StatusOK, code)

	code, body := do(t, http.MethodPost, srv.URL+"/v1/hosts/www.example.com/down?endpoint=192.0.2.1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	rec, err := co.Inspect(q)
	require.NoError(t, err)
	assert.Equal(t, t0, rec.Endpoints()[0].LastFailure)

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/hosts/www.example.com/up?endpoint=192.0.2.1", nil)
	require.Equal(t, http.StatusOK, code)
	rec, err = co.Inspect(q)
	require.NoError(t, err)
	assert.True(t, rec.Endpoints()[0].LastFailure.IsZero())

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/hosts/www.example.com/health?endpoint=192.0.2.2&up=false", nil)
	require.Equal(t, http.StatusOK, code)
	rec, err = co.Inspect(q)
	require.NoError(t, err)
	assert.Equal(t, t0, rec.Endpoints()[1].LastCheck)
	assert.False(t, rec.Endpoints()[1].CheckUp)

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/hosts/www.example.com/health?up=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, http.MethodPost, srv.URL+"/v1/hosts/www.example.com/down?endpoint=198.51.100.1", nil)
	assert.Equal(t, http.StatusNotFound, code)

	resp, err := http.Get(srv.URL + "/v1/hosts/www.example.com/down")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestReresolveAndStats(t *testing.T) {
	srv, _ := newServer(t)

	code, body := do(t, http.MethodPost, srv.URL+"/v1/reresolve", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["generation"])

	do(t, http.MethodGet, srv.URL+"/v1/hosts/one.example.com", nil)

	code, body = do(t, http.MethodGet, srv.URL+"/v1/stats", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["Reresolves"])
	assert.Equal(t, float64(1), body["Entries"])
	assert.Equal(t, float64(64), body["Capacity"])
}

func TestMetrics(t *testing.T) {
	srv, _ := newServer(t)
	do(t, http.MethodGet, srv.URL+"/v1/hosts/one.example.com", nil)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "hostdb_entries 1")
	assert.Contains(t, text, "hostdb_inserts_total 1")
	assert.Contains(t, text, "hostdb_average_ttl_seconds 60")
}

func TestClusterLookupHandler(t *testing.T) {
	srv, _ := newServer(t)

	code, body := do(t, http.MethodPost, srv.URL+cluster.LookupPath,
		strings.NewReader(`{"name":"www.example.com","type":"A"}`))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(300), body["ttl"])
	assert.Len(t, body["endpoints"], 2)

	code, _ = do(t, http.MethodPost, srv.URL+cluster.LookupPath,
		strings.NewReader(`{"name":"missing.example.com","type":"A"}`))
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, http.MethodPost, srv.URL+cluster.LookupPath, strings.NewReader(`{`))
	assert.Equal(t, http.StatusBadRequest, code)
}

// A peer gateway pointed at this server gets the owner's full answer.
func TestClusterLookupHandler_FromPeer(t *testing.T) {
	srv, _ := newServer(t)
	self := "http://10.0.0.1:8053"
	c, err := cluster.New(cluster.Options{NodeID: self, Peers: []string{self, srv.URL}, Client: srv.Client()})
	require.NoError(t, err)

	var q domain.Query
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "no remotely owned name found")
		q, err = domain.NewQuery(fmt.Sprintf("pool%d.example.com", i), domain.QueryTypeA)
		require.NoError(t, err)
		if _, remote := c.Owner(q.Digest()); remote {
			break
		}
	}
	rs, err := c.Probe(context.Background(), q, q.Digest())
	require.NoError(t, err)
	assert.Equal(t, uint32(120), rs.TTL)
	assert.Len(t, rs.Endpoints, 2)
}

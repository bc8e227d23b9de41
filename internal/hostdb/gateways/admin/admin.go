package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukened/rr-hostdb/internal/hostdb/common/log"
	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
	"github.com/haukened/rr-hostdb/internal/hostdb/gateways/cluster"
	"github.com/haukened/rr-hostdb/internal/hostdb/services/coordinator"
)

// Service is the part of the coordinator the admin surface drives.
type Service interface {
	Lookup(ctx context.Context, q domain.Query, client netip.Addr) (coordinator.Result, error)
	LookupLocal(ctx context.Context, q domain.Query, client netip.Addr) (coordinator.Result, error)
	Inspect(q domain.Query) (*domain.Record, error)
	ForceAll() uint64
	MarkDown(q domain.Query, key string) error
	MarkUp(q domain.Query, key string) error
	ReportHealth(q domain.Query, key string, up bool) error
	Stats() coordinator.Stats
}

// Server exposes stats, maintenance operations, the peer lookup endpoint and
// Prometheus metrics over HTTP.
type Server struct {
	svc      Service
	router   *mux.Router
	registry *prometheus.Registry
	logger   log.Logger
}

// New builds the router. Metrics are registered on a private registry.
func New(svc Service, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	s := &Server{
		svc:      svc,
		router:   mux.NewRouter().StrictSlash(true),
		registry: prometheus.NewRegistry(),
		logger:   log.WithComponent(logger, "admin"),
	}
	s.registry.MustRegister(newStatsCollector(svc))

	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(setContentTypeHeader)
	api.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	api.HandleFunc("/reresolve", s.reresolveHandler).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{name}", s.lookupHandler).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{name}/record", s.recordHandler).Methods(http.MethodGet)
	api.HandleFunc("/hosts/{name}/down", s.downHandler).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{name}/up", s.upHandler).Methods(http.MethodPost)
	api.HandleFunc("/hosts/{name}/health", s.healthHandler).Methods(http.MethodPost)
	api.HandleFunc(trimV1(cluster.LookupPath), s.clusterLookupHandler).Methods(http.MethodPost)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Registry returns the metrics registry for additional collectors.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

func trimV1(p string) string { return p[len("/v1"):] }

func setContentTypeHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request, err error, code int) {
	if code >= http.StatusInternalServerError {
		s.logger.Error(map[string]any{"path": r.URL.Path, "error": err.Error()}, "admin request failed")
	} else {
		s.logger.Debug(map[string]any{"path": r.URL.Path, "error": err.Error()}, "admin request rejected")
	}
	s.writeJSON(w, code, errorBody{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn(map[string]any{"error": err.Error()}, "failed to write admin response")
	}
}

// statusOf maps operation errors onto HTTP codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrNotCached), errors.Is(err, domain.ErrEndpointNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrInvariantViolation):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// queryFrom builds the query named by the route. ?type= selects A (default),
// AAAA, SRV or PTR; a PTR name is the address itself. ?force=true bypasses
// the cached record.
func queryFrom(r *http.Request) (domain.Query, error) {
	name := mux.Vars(r)["name"]
	qt, err := domain.ParseQueryType(r.URL.Query().Get("type"))
	if err != nil {
		return domain.Query{}, err
	}
	var q domain.Query
	if qt == domain.QueryTypePTR {
		addr, perr := netip.ParseAddr(name)
		if perr != nil {
			return domain.Query{}, perr
		}
		q, err = domain.NewReverseQuery(addr)
	} else {
		q, err = domain.NewQuery(name, qt)
	}
	if err != nil {
		return domain.Query{}, err
	}
	q.Force, _ = strconv.ParseBool(r.URL.Query().Get("force"))
	return q, nil
}

// clientFrom prefers ?client= and falls back to the remote address.
func clientFrom(r *http.Request) netip.Addr {
	if c := r.URL.Query().Get("client"); c != "" {
		if addr, err := netip.ParseAddr(c); err == nil {
			return addr.Unmap()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}

type endpointBody struct {
	Key         string     `json:"key"`
	Addr        string     `json:"addr,omitempty"`
	Name        string     `json:"name,omitempty"`
	Port        uint16     `json:"port,omitempty"`
	Priority    uint16     `json:"priority,omitempty"`
	Weight      uint16     `json:"weight,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	LastCheck   *time.Time `json:"last_check,omitempty"`
	CheckUp     bool       `json:"check_up,omitempty"`
}

func newEndpointBody(ep domain.Endpoint) endpointBody {
	b := endpointBody{Key: ep.Key(), Name: ep.Name, Port: ep.Port, Priority: ep.Priority, Weight: ep.Weight, CheckUp: ep.CheckUp}
	if ep.Addr.IsValid() {
		b.Addr = ep.Addr.String()
	}
	if !ep.LastFailure.IsZero() {
		t := ep.LastFailure
		b.LastFailure = &t
	}
	if !ep.LastCheck.IsZero() {
		t := ep.LastCheck
		b.LastCheck = &t
	}
	return b
}

type lookupBody struct {
	Name      string       `json:"name"`
	Type      string       `json:"type"`
	Digest    string       `json:"digest"`
	Endpoint  endpointBody `json:"endpoint"`
	Target    string       `json:"target,omitempty"`
	Healthy   bool         `json:"healthy"`
	TTL       uint32       `json:"ttl"`
	Hit       bool         `json:"hit"`
	Stale     bool         `json:"stale"`
	Static    bool         `json:"static"`
	Coalesced bool         `json:"coalesced"`
}

func (s *Server) lookupHandler(w http.ResponseWriter, r *http.Request) {
	q, err := queryFrom(r)
	if err != nil {
		s.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	res, err := s.svc.Lookup(r.Context(), q, clientFrom(r))
	if err != nil {
		s.handleError(w, r, err, statusOf(err))
		return
	}
	if res.NoRoute() {
		msg := "no route to " + q.Name
		if res.Cause != nil {
			msg += ": " + res.Cause.Error()
		}
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: msg})
		return
	}
	s.writeJSON(w, http.StatusOK, lookupBody{
		Name:      q.Name,
		Type:      q.Type.String(),
		Digest:    res.Digest.String(),
		Endpoint:  newEndpointBody(res.Endpoint),
		Target:    res.Target,
		Healthy:   res.Healthy,
		TTL:       res.TTL,
		Hit:       res.Hit,
		Stale:     res.Stale,
		Static:    res.Static,
		Coalesced: res.Coalesced,
	})
}

type recordBody struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Digest     string         `json:"digest"`
	Kind       string         `json:"kind"`
	Negative   bool           `json:"negative"`
	CreatedAt  time.Time      `json:"created_at"`
	TTL        uint32         `json:"ttl"`
	Generation uint64         `json:"generation"`
	Endpoints  []endpointBody `json:"endpoints"`
}

func (s *Server) recordHandler(w http.ResponseWriter, r *http.Request) {
	q, err := queryFrom(r)
	if err != nil {
		s.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	rec, err := s.svc.Inspect(q)
	if err != nil {
		s.handleError(w, r, err, statusOf(err))
		return
	}
	body := recordBody{
		Name:       rec.Query.Name,
		Type:       rec.Query.Type.String(),
		Digest:     rec.Digest.String(),
		Kind:       rec.Kind.String(),
		Negative:   rec.Negative,
		CreatedAt:  rec.CreatedAt,
		TTL:        rec.TTL,
		Generation: rec.Generation,
		Endpoints:  []endpointBody{},
	}
	for _, ep := range rec.Endpoints() {
		body.Endpoints = append(body.Endpoints, newEndpointBody(ep))
	}
	s.writeJSON(w, http.StatusOK, body)
}

type statusBody struct {
	Status string `json:"status"`
}

func (s *Server) endpointOp(w http.ResponseWriter, r *http.Request, op func(q domain.Query, key string) error) {
	q, err := queryFrom(r)
	if err != nil {
		s.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	if err := op(q, r.URL.Query().Get("endpoint")); err != nil {
		s.handleError(w, r, err, statusOf(err))
		return
	}
	s.writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

func (s *Server) downHandler(w http.ResponseWriter, r *http.Request) {
	s.endpointOp(w, r, s.svc.MarkDown)
}

func (s *Server) upHandler(w http.ResponseWriter, r *http.Request) {
	s.endpointOp(w, r, s.svc.MarkUp)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	up, err := strconv.ParseBool(r.URL.Query().Get("up"))
	if err != nil {
		s.handleError(w, r, errors.New("query parameter up must be true or false"), http.StatusBadRequest)
		return
	}
	s.endpointOp(w, r, func(q domain.Query, key string) error {
		return s.svc.ReportHealth(q, key, up)
	})
}

type generationBody struct {
	Generation uint64 `json:"generation"`
}

func (s *Server) reresolveHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, generationBody{Generation: s.svc.ForceAll()})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Stats())
}

// clusterLookupHandler answers a peer's probe from this node's store,
// resolving locally if needed but never forwarding again.
func (s *Server) clusterLookupHandler(w http.ResponseWriter, r *http.Request) {
	var req cluster.LookupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	q, err := req.Query()
	if err != nil {
		s.handleError(w, r, err, http.StatusBadRequest)
		return
	}
	res, err := s.svc.LookupLocal(r.Context(), q, netip.Addr{})
	if err != nil {
		s.handleError(w, r, err, statusOf(err))
		return
	}
	if res.NoRoute() {
		s.writeJSON(w, http.StatusNotFound, errorBody{Error: "no route to " + q.Name})
		return
	}

	rs := domain.ResolvedSet{TTL: res.TTL, Endpoints: []domain.Endpoint{res.Endpoint}}
	if !res.Static {
		if rec, err := s.svc.Inspect(q); err == nil && !rec.Negative {
			rs.Endpoints = rec.Endpoints()
		}
	}
	s.writeJSON(w, http.StatusOK, cluster.NewLookupResponse(rs))
}

package cluster

import (
	"fmt"
	"net/netip"

	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
)

// LookupPath is the peer endpoint answering probes.
const LookupPath = "/v1/cluster/lookup"

// LookupRequest is the JSON body a node posts to the owning peer.
type LookupRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Addr string `json:"addr,omitempty"`
}

// EndpointJSON is one endpoint as it travels between peers.
type EndpointJSON struct {
	Addr     string `json:"addr,omitempty"`
	Name     string `json:"name,omitempty"`
	Port     uint16 `json:"port,omitempty"`
	Priority uint16 `json:"priority,omitempty"`
	Weight   uint16 `json:"weight,omitempty"`
}

// LookupResponse carries the owner's answer.
type LookupResponse struct {
	TTL       uint32         `json:"ttl"`
	Endpoints []EndpointJSON `json:"endpoints"`
}

// NewLookupRequest encodes q.
func NewLookupRequest(q domain.Query) LookupRequest {
	req := LookupRequest{Name: q.Name, Type: q.Type.String()}
	if q.Type == domain.QueryTypePTR {
		req.Addr = q.Addr.String()
	}
	return req
}

// Query decodes the request back into a validated query.
func (r LookupRequest) Query() (domain.Query, error) {
	qt, err := domain.ParseQueryType(r.Type)
	if err != nil {
		return domain.Query{}, err
	}
	if qt == domain.QueryTypePTR {
		addr, err := netip.ParseAddr(r.Addr)
		if err != nil {
			return domain.Query{}, fmt.Errorf("invalid reverse address %q: %w", r.Addr, err)
		}
		return domain.NewReverseQuery(addr)
	}
	return domain.NewQuery(r.Name, qt)
}

// NewLookupResponse encodes a resolved answer.
func NewLookupResponse(rs domain.ResolvedSet) LookupResponse {
	resp := LookupResponse{TTL: rs.TTL, Endpoints: make([]EndpointJSON, 0, len(rs.Endpoints))}
	for _, ep := range rs.Endpoints {
		e := EndpointJSON{Name: ep.Name, Port: ep.Port, Priority: ep.Priority, Weight: ep.Weight}
		if ep.Addr.IsValid() {
			e.Addr = ep.Addr.String()
		}
		resp.Endpoints = append(resp.Endpoints, e)
	}
	return resp
}

// ResolvedSet decodes the response. Failure history does not travel.
func (r LookupResponse) ResolvedSet() (domain.ResolvedSet, error) {
	rs := domain.ResolvedSet{TTL: r.TTL, Endpoints: make([]domain.Endpoint, 0, len(r.Endpoints))}
	for _, e := range r.Endpoints {
		ep := domain.Endpoint{Name: e.Name, Port: e.Port, Priority: e.Priority, Weight: e.Weight}
		if e.Addr != "" {
			addr, err := netip.ParseAddr(e.Addr)
			if err != nil {
				return domain.ResolvedSet{}, fmt.Errorf("invalid endpoint address %q: %w", e.Addr, err)
			}
			ep.Addr = addr
		}
		rs.Endpoints = append(rs.Endpoints, ep)
	}
	return rs, nil
}

package snapshot

import (
	"encoding/json"
	"net/netip"
	"time"

	"github.com/haukened/rr-hostdb/internal/hostdb/domain"
)

type endpointDisk struct {
	Addr        netip.Addr `json:"addr,omitzero"`
	Name        string     `json:"name,omitempty"`
	Port        uint16     `json:"port,omitempty"`
	Priority    uint16     `json:"priority,omitempty"`
	Weight      uint16     `json:"weight,omitempty"`
	LastFailure time.Time  `json:"last_failure,omitzero"`
	LastCheck   time.Time  `json:"last_check,omitzero"`
	CheckUp     bool       `json:"check_up,omitempty"`
}

type recordDisk struct {
	Name       string            `json:"name"`
	Type       domain.QueryType  `json:"type"`
	Addr       netip.Addr        `json:"addr,omitzero"`
	CreatedAt  time.Time         `json:"created_at"`
	TTL        uint32            `json:"ttl"`
	Negative   bool              `json:"negative,omitempty"`
	Kind       domain.RecordKind `json:"kind"`
	Endpoints  []endpointDisk    `json:"endpoints,omitempty"`
	Good       int               `json:"good"`
	Cursor     uint64            `json:"cursor,omitempty"`
	Epoch      time.Time         `json:"epoch,omitzero"`
	Generation uint64            `json:"generation,omitempty"`
}

func toDisk(ep domain.Endpoint) endpointDisk {
	return endpointDisk(ep)
}

func fromDisk(ep endpointDisk) domain.Endpoint {
	return domain.Endpoint(ep)
}

func encodeRecord(r *domain.Record) ([]byte, error) {
	d := recordDisk{
		Name:       r.Query.Name,
		Type:       r.Query.Type,
		Addr:       r.Query.Addr,
		CreatedAt:  r.CreatedAt,
		TTL:        r.TTL,
		Negative:   r.Negative,
		Kind:       r.Kind,
		Generation: r.Generation,
	}
	switch {
	case r.Negative:
	case r.IsRoundRobin():
		all, err := r.Set.All()
		if err != nil {
			return nil, err
		}
		for _, ep := range all {
			d.Endpoints = append(d.Endpoints, toDisk(ep))
		}
		d.Good = r.Set.Good()
		d.Cursor = r.Set.Cursor()
		d.Epoch = r.Set.Epoch()
	default:
		d.Endpoints = []endpointDisk{toDisk(r.Address)}
		d.Good = 1
	}
	return json.Marshal(d)
}

func decodeRecord(b []byte) (*domain.Record, error) {
	var d recordDisk
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	q := domain.Query{Name: d.Name, Type: d.Type, Addr: d.Addr}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	r := &domain.Record{
		Digest:     q.Digest(),
		Query:      q,
		CreatedAt:  d.CreatedAt,
		TTL:        d.TTL,
		Negative:   d.Negative,
		Kind:       d.Kind,
		Generation: d.Generation,
	}
	if r.Negative {
		return r, nil
	}
	eps := make([]domain.Endpoint, len(d.Endpoints))
	for i, ep := range d.Endpoints {
		eps[i] = fromDisk(ep)
	}
	if r.Kind == domain.KindAddress {
		if len(eps) != 1 {
			return nil, domain.ErrInvariantViolation
		}
		r.Address = eps[0]
		return r, nil
	}
	set, err := domain.RestoreRoundRobinSet(eps, d.Good, d.Cursor, d.Epoch)
	if err != nil {
		return nil, err
	}
	r.Set = set
	return r, nil
}

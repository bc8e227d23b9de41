package admin

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haukened/rr-hostdb/internal/hostdb/services/coordinator"
)

const namespace = "hostdb"

type counterDesc struct {
	desc *prometheus.Desc
	read func(coordinator.Stats) uint64
}

func counter(name, help string, read func(coordinator.Stats) uint64) counterDesc {
	return counterDesc{
		desc: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil),
		read: read,
	}
}

// statsCollector reads the coordinator counters once per scrape.
type statsCollector struct {
	svc      Service
	entries  *prometheus.Desc
	capacity *prometheus.Desc
	avgTTL   *prometheus.Desc
	counters []counterDesc
}

func newStatsCollector(svc Service) *statsCollector {
	return &statsCollector{
		svc:      svc,
		entries:  prometheus.NewDesc("hostdb_entries", "Records currently cached", nil, nil),
		capacity: prometheus.NewDesc("hostdb_capacity", "Slot budget of the store", nil, nil),
		avgTTL:   prometheus.NewDesc("hostdb_average_ttl_seconds", "Mean TTL over all inserts", nil, nil),
		counters: []counterDesc{
			counter("lookups_total", "Lookups that reached the store", func(s coordinator.Stats) uint64 { return s.Lookups }),
			counter("hits_total", "Lookups answered from a cached record, fresh or stale", func(s coordinator.Stats) uint64 { return s.Hits }),
			counter("inserts_total", "Records committed", func(s coordinator.Stats) uint64 { return s.Inserts }),
			counter("evictions_total", "Records evicted for space", func(s coordinator.Stats) uint64 { return s.Evictions }),
			counter("eviction_misses_total", "Misses on recently evicted names", func(s coordinator.Stats) uint64 { return s.EvictionMisses }),
			counter("resolutions_total", "Resolutions started", func(s coordinator.Stats) uint64 { return s.Resolutions }),
			counter("reresolves_total", "Store-wide forced re-resolutions", func(s coordinator.Stats) uint64 { return s.Reresolves }),
			counter("ttl_expiries_total", "Lookups that found an expired record", func(s coordinator.Stats) uint64 { return s.TTLExpiries }),
			counter("coalesced_total", "Lookups that joined another resolution", func(s coordinator.Stats) uint64 { return s.Coalesced }),
			counter("cancelled_total", "Waiters that gave up", func(s coordinator.Stats) uint64 { return s.Cancelled }),
			counter("retries_total", "Transient failures retried", func(s coordinator.Stats) uint64 { return s.Retries }),
			counter("timeouts_total", "Resolutions that ran out of time", func(s coordinator.Stats) uint64 { return s.Timeouts }),
			counter("negatives_total", "Negative records committed", func(s coordinator.Stats) uint64 { return s.Negatives }),
			counter("stale_served_total", "Expired records served while refreshing", func(s coordinator.Stats) uint64 { return s.StaleServed }),
			counter("peer_probes_total", "Lookups forwarded to the owning peer", func(s coordinator.Stats) uint64 { return s.PeerProbes }),
			counter("peer_fallbacks_total", "Peer probes that fell back to local resolution", func(s coordinator.Stats) uint64 { return s.PeerFallbacks }),
		},
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.capacity
	ch <- c.avgTTL
	for _, cd := range c.counters {
		ch <- cd.desc
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.svc.Stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.Entries))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(st.Capacity))
	ch <- prometheus.MustNewConstMetric(c.avgTTL, prometheus.GaugeValue, float64(st.AvgTTL))
	for _, cd := range c.counters {
		ch <- prometheus.MustNewConstMetric(cd.desc, prometheus.CounterValue, float64(cd.read(st)))
	}
}

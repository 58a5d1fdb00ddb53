// Package metrics exposes server-internal counters to Prometheus through a
// custom prometheus.Collector, following the Describe/Collect pattern this
// codebase already uses for TCP connection telemetry.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Sources is the narrow set of live counters Collector reads on every
// scrape. Each method must be safe to call concurrently with request
// handling, since Collect runs on whatever goroutine Prometheus's HTTP
// handler is serving.
type Sources struct {
	SlabsInUse     func() int
	SlabsTotal     func() int
	CacheKeys      func() int
	OpenConns      func() int
	RDMASessions   func() int
	InFlightCopies func() int64
}

// Collector adapts a Sources snapshot into prometheus.Metric values.
type Collector struct {
	mu      sync.Mutex
	src     Sources
	descs   map[string]*prometheus.Desc
	opCount map[string]*atomic.Int64
}

// NewCollector returns a Collector reading from src. opcodeNames lists the
// opcode label values IncRequest will track (one counter per opcode, labeled
// rather than one metric per opcode name).
func NewCollector(src Sources, opcodeNames []string) *Collector {
	c := &Collector{
		src: src,
		descs: map[string]*prometheus.Desc{
			"slabs_in_use":     prometheus.NewDesc("gpucache_slabs_in_use", "Number of pinned slab slots currently allocated.", nil, nil),
			"slabs_total":      prometheus.NewDesc("gpucache_slabs_total", "Total pinned slab slots configured.", nil, nil),
			"cache_keys":       prometheus.NewDesc("gpucache_cache_keys", "Number of keys currently present in the cache index.", nil, nil),
			"open_conns":       prometheus.NewDesc("gpucache_open_connections", "Number of currently accepted connections.", nil, nil),
			"rdma_sessions":    prometheus.NewDesc("gpucache_rdma_sessions_rts", "Number of RDMA sessions in the RTS state.", nil, nil),
			"in_flight_copies": prometheus.NewDesc("gpucache_in_flight_copies", "Sum of in_flight_copies across all connections.", nil, nil),
			"requests_total":   prometheus.NewDesc("gpucache_requests_total", "Requests dispatched, by opcode.", []string{"opcode"}, nil),
		},
		opCount: make(map[string]*atomic.Int64, len(opcodeNames)),
	}
	for _, op := range opcodeNames {
		c.opCount[op] = &atomic.Int64{}
	}
	return c
}

// IncRequest records one dispatched request for opcode. Unknown opcodes
// (should never occur past header verification) are silently dropped
// rather than panicking a hot path over a metrics label.
func (c *Collector) IncRequest(opcode string) {
	c.mu.Lock()
	ctr, ok := c.opCount[opcode]
	c.mu.Unlock()
	if ok {
		ctr.Add(1)
	}
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		descs <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.descs["slabs_in_use"], prometheus.GaugeValue, float64(c.src.SlabsInUse()))
	ch <- prometheus.MustNewConstMetric(c.descs["slabs_total"], prometheus.GaugeValue, float64(c.src.SlabsTotal()))
	ch <- prometheus.MustNewConstMetric(c.descs["cache_keys"], prometheus.GaugeValue, float64(c.src.CacheKeys()))
	ch <- prometheus.MustNewConstMetric(c.descs["open_conns"], prometheus.GaugeValue, float64(c.src.OpenConns()))
	ch <- prometheus.MustNewConstMetric(c.descs["rdma_sessions"], prometheus.GaugeValue, float64(c.src.RDMASessions()))
	ch <- prometheus.MustNewConstMetric(c.descs["in_flight_copies"], prometheus.GaugeValue, float64(c.src.InFlightCopies()))

	c.mu.Lock()
	defer c.mu.Unlock()
	for op, ctr := range c.opCount {
		ch <- prometheus.MustNewConstMetric(c.descs["requests_total"], prometheus.CounterValue, float64(ctr.Load()), op)
	}
}

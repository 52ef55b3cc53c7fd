// Package metrics implements the Prometheus collector for an endpoint's
// internal counters (SPEC_FULL.md §B), mirroring the teacher's
// TCPInfoCollector (pkg/exporter/exporter.go): a Describe/Collect pair
// plus Add/Remove-shaped registration, here named Register/Unregister.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time read of one endpoint's countable state
// (SPEC_FULL.md §C.1): driver-level send/recv/retransmit counters plus
// the internal resource gauges named in spec.md §5 "Shared resources".
type Snapshot struct {
	InstanceTag string
	BoardAddr   string
	EndpointIdx uint8

	SendTinyCount, SendSmallCount, SendMediumCount, SendLargeCount uint64
	RecvTinyCount, RecvSmallCount, RecvMediumCount, RecvLargeCount uint64
	RetransmitCount, NackCount, DroppedEarlyCount                 uint64

	AvailExpEvents   int
	LargeSendCredits int
	SendqFree        int
	ZombieCount      int

	RegionsContiguous int
	RegionsVectorial  int
	RegionsUnused     int
	RegionsFree       int

	PartnersThrottling int
}

// Source is implemented by the Endpoint; it is the only coupling between
// this package and the rest of the runtime, following the teacher's
// pattern of a collector that polls live state on Collect rather than
// having state pushed into it.
type Source interface {
	MetricsSnapshot() Snapshot
}

var (
	descSend = prometheus.NewDesc("omx_send_total", "Sends posted to the driver by kind.", []string{"instance", "board", "endpoint", "kind"}, nil)
	descRecv = prometheus.NewDesc("omx_recv_total", "Receives completed by kind.", []string{"instance", "board", "endpoint", "kind"}, nil)
	descRetransmit = prometheus.NewDesc("omx_retransmit_total", "Resend attempts issued.", []string{"instance", "board", "endpoint"}, nil)
	descNack = prometheus.NewDesc("omx_nack_total", "NACK_LIB events received.", []string{"instance", "board", "endpoint"}, nil)
	descDroppedEarly = prometheus.NewDesc("omx_dropped_early_total", "Early packets dropped from the reorder window.", []string{"instance", "board", "endpoint"}, nil)

	descAvailExpEvents = prometheus.NewDesc("omx_avail_exp_events", "Remaining expected-event credit.", []string{"instance", "board", "endpoint"}, nil)
	descLargeSendCredits = prometheus.NewDesc("omx_large_send_credits", "Remaining large-send credit.", []string{"instance", "board", "endpoint"}, nil)
	descSendqFree = prometheus.NewDesc("omx_sendq_free", "Free send-queue slots.", []string{"instance", "board", "endpoint"}, nil)
	descZombie = prometheus.NewDesc("omx_zombie_count", "Completed sends still awaiting their wire ack.", []string{"instance", "board", "endpoint"}, nil)

	descRegions = prometheus.NewDesc("omx_regions", "Region-cache slot counts by state.", []string{"instance", "board", "endpoint", "state"}, nil)
	descThrottling = prometheus.NewDesc("omx_partners_throttling", "Partners currently seqnum-throttled.", []string{"instance", "board", "endpoint"}, nil)
)

// EndpointCollector aggregates Snapshot sources from every registered
// endpoint, following the teacher's Add/Remove-over-a-map shape.
type EndpointCollector struct {
	mu      sync.Mutex
	sources map[string]Source
}

func NewEndpointCollector() *EndpointCollector {
	return &EndpointCollector{sources: make(map[string]Source)}
}

// Register adds ep's metrics to this collector, keyed by its instance tag
// so a reopened endpoint never collides with its predecessor's series.
func (c *EndpointCollector) Register(instanceTag string, src Source) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[instanceTag] = src
}

func (c *EndpointCollector) Unregister(instanceTag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sources, instanceTag)
}

func (c *EndpointCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- descSend
	descs <- descRecv
	descs <- descRetransmit
	descs <- descNack
	descs <- descDroppedEarly
	descs <- descAvailExpEvents
	descs <- descLargeSendCredits
	descs <- descSendqFree
	descs <- descZombie
	descs <- descRegions
	descs <- descThrottling
}

func (c *EndpointCollector) Collect(out chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, src := range c.sources {
		s := src.MetricsSnapshot()
		board, ep := s.BoardAddr, itoa(s.EndpointIdx)

		out <- prometheus.MustNewConstMetric(descSend, prometheus.CounterValue, float64(s.SendTinyCount), s.InstanceTag, board, ep, "tiny")
		out <- prometheus.MustNewConstMetric(descSend, prometheus.CounterValue, float64(s.SendSmallCount), s.InstanceTag, board, ep, "small")
		out <- prometheus.MustNewConstMetric(descSend, prometheus.CounterValue, float64(s.SendMediumCount), s.InstanceTag, board, ep, "medium")
		out <- prometheus.MustNewConstMetric(descSend, prometheus.CounterValue, float64(s.SendLargeCount), s.InstanceTag, board, ep, "large")

		out <- prometheus.MustNewConstMetric(descRecv, prometheus.CounterValue, float64(s.RecvTinyCount), s.InstanceTag, board, ep, "tiny")
		out <- prometheus.MustNewConstMetric(descRecv, prometheus.CounterValue, float64(s.RecvSmallCount), s.InstanceTag, board, ep, "small")
		out <- prometheus.MustNewConstMetric(descRecv, prometheus.CounterValue, float64(s.RecvMediumCount), s.InstanceTag, board, ep, "medium")
		out <- prometheus.MustNewConstMetric(descRecv, prometheus.CounterValue, float64(s.RecvLargeCount), s.InstanceTag, board, ep, "large")

		out <- prometheus.MustNewConstMetric(descRetransmit, prometheus.CounterValue, float64(s.RetransmitCount), s.InstanceTag, board, ep)
		out <- prometheus.MustNewConstMetric(descNack, prometheus.CounterValue, float64(s.NackCount), s.InstanceTag, board, ep)
		out <- prometheus.MustNewConstMetric(descDroppedEarly, prometheus.CounterValue, float64(s.DroppedEarlyCount), s.InstanceTag, board, ep)

		out <- prometheus.MustNewConstMetric(descAvailExpEvents, prometheus.GaugeValue, float64(s.AvailExpEvents), s.InstanceTag, board, ep)
		out <- prometheus.MustNewConstMetric(descLargeSendCredits, prometheus.GaugeValue, float64(s.LargeSendCredits), s.InstanceTag, board, ep)
		out <- prometheus.MustNewConstMetric(descSendqFree, prometheus.GaugeValue, float64(s.SendqFree), s.InstanceTag, board, ep)
		out <- prometheus.MustNewConstMetric(descZombie, prometheus.GaugeValue, float64(s.ZombieCount), s.InstanceTag, board, ep)

		out <- prometheus.MustNewConstMetric(descRegions, prometheus.GaugeValue, float64(s.RegionsContiguous), s.InstanceTag, board, ep, "contiguous")
		out <- prometheus.MustNewConstMetric(descRegions, prometheus.GaugeValue, float64(s.RegionsVectorial), s.InstanceTag, board, ep, "vectorial")
		out <- prometheus.MustNewConstMetric(descRegions, prometheus.GaugeValue, float64(s.RegionsUnused), s.InstanceTag, board, ep, "unused")
		out <- prometheus.MustNewConstMetric(descRegions, prometheus.GaugeValue, float64(s.RegionsFree), s.InstanceTag, board, ep, "free")

		out <- prometheus.MustNewConstMetric(descThrottling, prometheus.GaugeValue, float64(s.PartnersThrottling), s.InstanceTag, board, ep)
	}
}

func itoa(v uint8) string {
	const digits = "0123456789"
	if v < 10 {
		return digits[v : v+1]
	}
	buf := [3]byte{}
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v%10]
		v /= 10
	}
	return string(buf[i:])
}

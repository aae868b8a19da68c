package netstack

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the stack's counters. Plain atomics back the JSON status
// page; the registry exposes the same values to Prometheus.
type metrics struct {
	registry *prometheus.Registry
	dropped  *prometheus.CounterVec

	framesIn            atomic.Uint64
	framesOut           atomic.Uint64
	arpRequestsOut      atomic.Uint64
	arpRepliesOut       atomic.Uint64
	datagramsOut        atomic.Uint64
	fragmentedDatagrams atomic.Uint64
	unsupportedProtocol atomic.Uint64
	echoReplies         atomic.Uint64
	unreachablesOut     atomic.Uint64
	portUnreachable     atomic.Uint64
	udpIn               atomic.Uint64
	udpOut              atomic.Uint64
	droppedTotal        atomic.Uint64
}

func newMetrics(ns *NetStack) *metrics {
	m := &metrics{registry: prometheus.NewRegistry()}
	m.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "netcore",
		Name:      "dropped_total",
		Help:      "Packets discarded silently, by layer and reason.",
	}, []string{"layer", "reason"})

	counter := func(name, help string, v *atomic.Uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "netcore",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name, help string, fn func() int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "netcore",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) })
	}

	m.registry.MustRegister(
		m.dropped,
		counter("frames_received_total", "Ethernet frames delivered to the stack.", &m.framesIn),
		counter("frames_sent_total", "Ethernet frames passed to the backend.", &m.framesOut),
		counter("arp_requests_sent_total", "ARP requests broadcast, including announcements.", &m.arpRequestsOut),
		counter("arp_replies_sent_total", "ARP replies sent.", &m.arpRepliesOut),
		counter("ipv4_datagrams_sent_total", "IPv4 datagrams and fragments sent.", &m.datagramsOut),
		counter("ipv4_fragmented_total", "Outbound datagrams split into fragments.", &m.fragmentedDatagrams),
		counter("ipv4_unsupported_protocol_total", "Inbound datagrams with no protocol handler.", &m.unsupportedProtocol),
		counter("icmp_echo_replies_total", "ICMP echo replies sent.", &m.echoReplies),
		counter("icmp_unreachable_sent_total", "ICMP destination unreachable messages sent.", &m.unreachablesOut),
		counter("udp_port_unreachable_total", "Inbound UDP datagrams for unbound ports.", &m.portUnreachable),
		counter("udp_datagrams_received_total", "UDP datagrams delivered to a handler.", &m.udpIn),
		counter("udp_datagrams_sent_total", "UDP datagrams sent.", &m.udpOut),
		gauge("arp_cache_entries", "Live ARP cache entries.", func() int { return ns.arpTable.Len() }),
		gauge("arp_pending_entries", "Datagrams awaiting ARP resolution.", func() int { return ns.arpPending.Len() }),
		gauge("udp_bound_ports", "Bound UDP ports.", func() int { return ns.udpTable.Len() }),
	)
	return m
}

// Registry exposes the stack's Prometheus collectors.
func (ns *NetStack) Registry() *prometheus.Registry {
	return ns.stats.registry
}

// Package metrics exposes per-flow operational counters and gauges via
// prometheus/client_golang. A Registry is constructed once per Host and
// passed down explicitly — never registered against the global
// prometheus default registry, per the no-process-wide-singletons rule
// in spec §9.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every metric a Host's flows/streams/peers report to.
type Registry struct {
	reg *prometheus.Registry

	PacketsSent   prometheus.Counter
	PacketsAcked  prometheus.Counter
	PacketsLost   prometheus.Counter
	PacketsRecv   prometheus.Counter
	FramingDrops  prometheus.Counter
	Cwnd          prometheus.Gauge
	RTTSeconds    prometheus.Gauge
	FlowsActive   prometheus.Gauge
	StreamsActive prometheus.Gauge
}

// New constructs a Registry with all metrics registered against a fresh,
// non-global prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		PacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sst_packets_sent_total", Help: "Packets transmitted by flows.",
		}),
		PacketsAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sst_packets_acked_total", Help: "Packets acknowledged by peers.",
		}),
		PacketsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sst_packets_lost_total", Help: "Packets detected missed by congestion control.",
		}),
		PacketsRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sst_packets_received_total", Help: "Packets received and authenticated.",
		}),
		FramingDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sst_framing_drops_total", Help: "Packets dropped for framing errors (§7).",
		}),
		Cwnd: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sst_cwnd_packets", Help: "Current congestion window, in packets.",
		}),
		RTTSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sst_rtt_seconds", Help: "Smoothed round-trip time estimate.",
		}),
		FlowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sst_flows_active", Help: "Number of flows currently Up or Stalled.",
		}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sst_streams_active", Help: "Number of streams currently attached to a flow.",
		}),
	}
	reg.MustRegister(
		m.PacketsSent, m.PacketsAcked, m.PacketsLost, m.PacketsRecv,
		m.FramingDrops, m.Cwnd, m.RTTSeconds, m.FlowsActive, m.StreamsActive,
	)
	return m
}

// Gatherer exposes the underlying prometheus.Registry for an HTTP handler
// (e.g. promhttp.HandlerFor(reg.Gatherer(), ...)).
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }

// Nop returns a Registry wired to metrics nobody scrapes, for tests and
// for hosts that don't want a metrics endpoint.
func Nop() *Registry { return New() }

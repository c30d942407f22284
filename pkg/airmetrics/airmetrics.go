// Package airmetrics collects the Prometheus metrics emitted by the
// session engine. Grounded on the teacher's prometheus wiring in
// pkg/dialog/metrics.go and pkg/rtp/metrics.go: counters/gauges
// registered once against a supplied registerer, safe to construct
// more than once in tests via a private registry.
package airmetrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the session engine emits.
type Metrics struct {
	SessionsActive       prometheus.Gauge
	SessionStarts        *prometheus.CounterVec // label: result=ok|failed|auth
	RTPPacketsSent        prometheus.Counter
	RTPBytesSent          prometheus.Counter
	RetransmitsRequested  prometheus.Counter
	RetransmitsServed     prometheus.Counter
	RetransmitsMissing    prometheus.Counter
	SequenceFailures      *prometheus.CounterVec // label: sequence
	TimingRequestsServed  prometheus.Counter
	KeepAlivesSent        prometheus.Counter
}

// New registers and returns a fresh Metrics bundle against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// global default registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := prometheus.WrapRegistererWithPrefix("airplay_", reg)

	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sessions_active",
			Help: "Number of device sessions currently not in STOPPED/FAILED.",
		}),
		SessionStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_starts_total",
			Help: "Outcomes of device_start attempts.",
		}, []string{"result"}),
		RTPPacketsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtp_packets_sent_total",
			Help: "RTP audio packets written to session data sockets.",
		}),
		RTPBytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rtp_bytes_sent_total",
			Help: "RTP audio payload bytes written to session data sockets.",
		}),
		RetransmitsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retransmits_requested_total",
			Help: "Control-channel retransmit requests received.",
		}),
		RetransmitsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retransmits_served_total",
			Help: "RTP packets re-emitted from the retransmit ring.",
		}),
		RetransmitsMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retransmits_missing_total",
			Help: "Retransmit requests for sequence numbers no longer in the ring.",
		}),
		SequenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sequence_failures_total",
			Help: "RTSP sequences that terminated via on_error.",
		}, []string{"sequence"}),
		TimingRequestsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timing_requests_served_total",
			Help: "Timing-service NTP query/reply round trips served.",
		}),
		KeepAlivesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "keepalives_sent_total",
			Help: "Keep-alive SET_PARAMETER (progress) requests sent.",
		}),
	}

	factory.MustRegister(
		m.SessionsActive,
		m.SessionStarts,
		m.RTPPacketsSent,
		m.RTPBytesSent,
		m.RetransmitsRequested,
		m.RetransmitsServed,
		m.RetransmitsMissing,
		m.SequenceFailures,
		m.TimingRequestsServed,
		m.KeepAlivesSent,
	)

	return m
}

// NoOp returns a Metrics bundle registered against a private registry
// that nothing reads from — for callers that don't care about
// metrics but still want every Metrics field non-nil.
func NoOp() *Metrics {
	return New(prometheus.NewRegistry())
}

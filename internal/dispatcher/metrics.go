package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the dispatcher's Prometheus instruments, mirroring the
// teacher's HubMetrics grouping (internal/fabric/hub.go) but backed by
// real collectors instead of atomic counters, since this is the
// externally-scraped surface rather than an in-process snapshot.
type Metrics struct {
	probesConnected   prometheus.Gauge
	framesReceived    prometheus.Counter
	commitLatency     prometheus.Histogram
	handshakeRejected prometheus.Counter
}

// NewMetrics registers the dispatcher's collectors against reg. A nil
// registerer is accepted for tests and standalone construction; callers
// that want scrapeable metrics pass prometheus.NewRegistry() or
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		probesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tracer",
			Subsystem: "dispatcher",
			Name:      "probes_connected",
			Help:      "Number of subject probe connections currently attached.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "dispatcher",
			Name:      "frames_received_total",
			Help:      "Total wire frames decoded across all streams.",
		}),
		commitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tracer",
			Subsystem: "dispatcher",
			Name:      "commit_latency_seconds",
			Help:      "Time spent running a stream's commit callback.",
			Buckets:   prometheus.DefBuckets,
		}),
		handshakeRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tracer",
			Subsystem: "dispatcher",
			Name:      "handshake_rejected_total",
			Help:      "Handshakes rejected for object-type/mode mismatch or decode failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.probesConnected, m.framesReceived, m.commitLatency, m.handshakeRejected)
	}
	return m
}

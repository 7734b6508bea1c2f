package bulk

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the Prometheus collectors backing the per-range
// counters named in spec.md §3 (docsServedCounter, throttleCounter,
// cumulativeBackendMillisCounter) plus the congestion controller's
// permit/dop gauges from §4.5. This is the engine's own telemetry
// surface, not the "telemetry sinks" collaborator spec.md §1 calls out
// of scope — this module never decides where /metrics is scraped from,
// it only registers its collectors with the prometheus.Registerer the
// caller passes to NewExecutor.
type metrics struct {
	docsServed       *prometheus.CounterVec
	throttled        *prometheus.CounterVec
	backendMillis    *prometheus.CounterVec
	permitsAvailable *prometheus.GaugeVec
	degreeOfConc     *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		docsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkexec",
			Name:      "docs_served_total",
			Help:      "Operations dispatched in a batch response, per partition range.",
		}, []string{"range_id"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkexec",
			Name:      "throttled_total",
			Help:      "Per-operation 429 results observed, per partition range.",
		}, []string{"range_id"}),
		backendMillis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bulkexec",
			Name:      "backend_elapsed_milliseconds_total",
			Help:      "Cumulative backend elapsed time, per partition range.",
		}, []string{"range_id"}),
		permitsAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bulkexec",
			Name:      "permits_available",
			Help:      "Current dispatcher concurrency budget, per partition range.",
		}, []string{"range_id"}),
		degreeOfConc: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bulkexec",
			Name:      "degree_of_concurrency",
			Help:      "Congestion controller's current dop, per partition range.",
		}, []string{"range_id"}),
	}
	if reg != nil {
		reg.MustRegister(m.docsServed, m.throttled, m.backendMillis, m.permitsAvailable, m.degreeOfConc)
	}
	return m
}

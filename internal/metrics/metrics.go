package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Segmenter counters
	SegmentsEmitted   atomic.Uint64
	PartialsEmitted   atomic.Uint64
	SegmentBytes      atomic.Uint64
	InitInvalidations atomic.Uint64

	// Segment store counters
	SegmentsStored atomic.Uint64
	SegmentsReaped atomic.Uint64

	// Plugin signaling counters
	PluginRequests atomic.Uint64
	PluginErrors   atomic.Uint64
	PollFailures   atomic.Uint64
	MSEPayloads    atomic.Uint64
	MSEPayloadBytes atomic.Uint64

	// Monitor bridge counters
	TriggersWritten atomic.Uint64
	ShmReadErrors   atomic.Uint64

	// Session tracking
	ActiveSessions atomic.Uint64
	WSSubscribers  atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"zmgate_segments_emitted_total", "Total full fMP4 segments emitted", m.SegmentsEmitted.Load},
		{"zmgate_partials_emitted_total", "Total partial fMP4 segments emitted", m.PartialsEmitted.Load},
		{"zmgate_segment_bytes_total", "Total bytes of emitted segment data", m.SegmentBytes.Load},
		{"zmgate_init_invalidations_total", "Init segments rebuilt after parameter set changes", m.InitInvalidations.Load},
		{"zmgate_segments_stored_total", "Total segments written to the HLS store", m.SegmentsStored.Load},
		{"zmgate_segments_reaped_total", "Total segments removed by retention", m.SegmentsReaped.Load},
		{"zmgate_plugin_requests_total", "Total requests sent to signaling plugins", m.PluginRequests.Load},
		{"zmgate_plugin_errors_total", "Total failed plugin requests", m.PluginErrors.Load},
		{"zmgate_poll_failures_total", "Total consecutive-failure events in the MSE poll loop", m.PollFailures.Load},
		{"zmgate_mse_payloads_total", "Total media payloads received from the MSE plugin", m.MSEPayloads.Load},
		{"zmgate_mse_payload_bytes_total", "Total bytes of MSE media payloads", m.MSEPayloadBytes.Load},
		{"zmgate_triggers_written_total", "Total alarm triggers written to shared memory", m.TriggersWritten.Load},
		{"zmgate_shm_read_errors_total", "Total shared memory read failures", m.ShmReadErrors.Load},
		{"zmgate_active_sessions", "Number of running live sessions", m.ActiveSessions.Load},
		{"zmgate_ws_subscribers", "Number of connected WebSocket viewers", m.WSSubscribers.Load},
	}
	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(load()) },
		))
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}

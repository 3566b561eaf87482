// Package metrics exposes Prometheus instrumentation for the proxy,
// using the promauto/CounterVec/HistogramVec conventions, retargeted from
// S3/encryption counters to deniable-routing and buffer-occupancy counters.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds all proxy metrics.
type Metrics struct {
	chunksSent          *prometheus.CounterVec
	chunksReceived      *prometheus.CounterVec
	deniableBytesSent   prometheus.Counter
	dummyChunksSent     prometheus.Counter
	messagesRouted      *prometheus.CounterVec
	routingErrors       *prometheus.CounterVec
	keyDerivations      prometheus.Counter
	keyRequestsQueued   prometheus.Counter
	openReceiveBuffers  prometheus.Gauge
	sendingQueueDepth   *prometheus.GaugeVec
	activeConnections   prometheus.Gauge
	goroutines          prometheus.Gauge
	memoryAllocBytes    prometheus.Gauge
	frameDuration       *prometheus.HistogramVec
}

// NewMetrics creates a new metrics instance registered against the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return newMetricsWithRegistry(defaultRegistry)
}

// NewMetricsWithRegistry creates a new metrics instance with a custom
// registry, useful for testing to avoid metric registration conflicts.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetricsWithRegistry(reg)
}

func newMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		chunksSent: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "denim_chunks_sent_total", Help: "Total number of DenimChunks sent, by flag"},
			[]string{"flag"},
		),
		chunksReceived: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "denim_chunks_received_total", Help: "Total number of DenimChunks received, by flag"},
			[]string{"flag"},
		),
		deniableBytesSent: factory.NewCounter(
			prometheus.CounterOpts{Name: "denim_deniable_bytes_sent_total", Help: "Total deniable payload bytes emitted"},
		),
		dummyChunksSent: factory.NewCounter(
			prometheus.CounterOpts{Name: "denim_dummy_chunks_sent_total", Help: "Total dummy-padding chunks emitted"},
		),
		messagesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "denim_messages_routed_total", Help: "Total deniable requests routed, by kind"},
			[]string{"kind"},
		),
		routingErrors: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "denim_routing_errors_total", Help: "Total routing/codec errors, by kind"},
			[]string{"kind"},
		),
		keyDerivations: factory.NewCounter(
			prometheus.CounterOpts{Name: "denim_key_derivations_total", Help: "Total prekeys derived by the key engine"},
		),
		keyRequestsQueued: factory.NewCounter(
			prometheus.CounterOpts{Name: "denim_key_requests_queued_total", Help: "Total key requests queued pending a seed"},
		),
		openReceiveBuffers: factory.NewGauge(
			prometheus.GaugeOpts{Name: "denim_open_receive_buffers", Help: "Incomplete message_id buffers currently held across all accounts"},
		),
		sendingQueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{Name: "denim_sending_queue_depth", Help: "Queued-but-unsliced deniable messages per account"},
			[]string{"account"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{Name: "denim_active_connections", Help: "Number of active client connections"},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{Name: "goroutines_total", Help: "Number of goroutines"},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{Name: "memory_alloc_bytes", Help: "Number of bytes allocated and not yet freed"},
		),
		frameDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "denim_frame_duration_seconds",
				Help:    "Time to encode/route one transport frame",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"direction"},
		),
	}
}

// RecordChunkSent records one outbound DenimChunk by flag.
func (m *Metrics) RecordChunkSent(flag string, payloadBytes int) {
	m.chunksSent.WithLabelValues(flag).Inc()
	m.deniableBytesSent.Add(float64(payloadBytes))
	if flag == "dummy_padding" {
		m.dummyChunksSent.Inc()
	}
}

// RecordChunkReceived records one inbound DenimChunk by flag.
func (m *Metrics) RecordChunkReceived(flag string) {
	m.chunksReceived.WithLabelValues(flag).Inc()
}

// RecordMessageRouted records one successfully routed deniable request.
func (m *Metrics) RecordMessageRouted(kind string) {
	m.messagesRouted.WithLabelValues(kind).Inc()
}

// RecordRoutingError records one routing/codec failure.
func (m *Metrics) RecordRoutingError(kind string) {
	m.routingErrors.WithLabelValues(kind).Inc()
}

// RecordKeyDerivation records one prekey derivation.
func (m *Metrics) RecordKeyDerivation() {
	m.keyDerivations.Inc()
}

// RecordKeyRequestQueued records one key request queued pending a seed.
func (m *Metrics) RecordKeyRequestQueued() {
	m.keyRequestsQueued.Inc()
}

// SetOpenReceiveBuffers updates the open-incomplete-message-id gauge.
func (m *Metrics) SetOpenReceiveBuffers(n int) {
	m.openReceiveBuffers.Set(float64(n))
}

// SetSendingQueueDepth updates the per-account sending-queue depth gauge.
func (m *Metrics) SetSendingQueueDepth(account string, depth int) {
	m.sendingQueueDepth.WithLabelValues(account).Set(float64(depth))
}

// ObserveFrameDuration records how long one frame took to process.
func (m *Metrics) ObserveFrameDuration(direction string, d time.Duration) {
	m.frameDuration.WithLabelValues(direction).Observe(d.Seconds())
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() { m.activeConnections.Inc() }

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() { m.activeConnections.Dec() }

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
}

// StartSystemMetricsCollector starts a goroutine that periodically updates
// system metrics.
func (m *Metrics) StartSystemMetricsCollector() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		for range ticker.C {
			m.UpdateSystemMetrics()
		}
	}()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

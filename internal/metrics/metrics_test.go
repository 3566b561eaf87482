package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	require.NotNil(t, m)
	require.NotNil(t, m.chunksSent)
	require.NotNil(t, m.messagesRouted)
}

func TestRecordChunkSentTracksDummyPadding(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordChunkSent("final", 40)
	m.RecordChunkSent("dummy_padding", 60)

	require.Equal(t, 1.0, testutil.ToFloat64(m.chunksSent.WithLabelValues("final")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.chunksSent.WithLabelValues("dummy_padding")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.dummyChunksSent))
	require.Equal(t, 100.0, testutil.ToFloat64(m.deniableBytesSent))
}

func TestRecordMessageRoutedAndErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordMessageRouted("user_message")
	m.RecordMessageRouted("user_message")
	m.RecordRoutingError("unknown_kind")

	require.Equal(t, 2.0, testutil.ToFloat64(m.messagesRouted.WithLabelValues("user_message")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.routingErrors.WithLabelValues("unknown_kind")))
}

func TestSendingQueueDepthGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetSendingQueueDepth("acct-1", 3)
	require.Equal(t, 3.0, testutil.ToFloat64(m.sendingQueueDepth.WithLabelValues("acct-1")))

	m.SetSendingQueueDepth("acct-1", 0)
	require.Equal(t, 0.0, testutil.ToFloat64(m.sendingQueueDepth.WithLabelValues("acct-1")))
}

func TestOpenReceiveBuffersGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.SetOpenReceiveBuffers(5)
	require.Equal(t, 5.0, testutil.ToFloat64(m.openReceiveBuffers))
}

func TestObserveFrameDurationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.ObserveFrameDuration("uplink", 2*time.Millisecond)
	m.ObserveFrameDuration("downlink", time.Microsecond)
}

func TestHandlerServesPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	m.RecordKeyDerivation()

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	require.Contains(t, w.Body.String(), "denim_key_derivations_total")
}

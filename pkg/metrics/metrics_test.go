package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/illmade-knight/go-dataflow-mqtt/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := metrics.New("test")

	m.SetSessionState("client-a", 2)
	m.ConnectAttempt("client-a", "network")
	m.ConnectAttempt("client-a", "network")
	m.ConnectAttempt("client-a", "success")
	m.MessageReceived("client-a")
	m.DecodeError("client-a")
	m.Published("client-a", 2, 0.01)
	m.PublishFailed("client-a", "timeout")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.SessionState.WithLabelValues("client-a")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("client-a", "network")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("client-a", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MessagesPublished.WithLabelValues("client-a", "2")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PublishErrors.WithLabelValues("client-a", "timeout")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.SetSessionState("c", 1)
		m.ConnectAttempt("c", "success")
		m.ConnectionLost("c")
		m.MessageReceived("c")
		m.DecodeError("c")
		m.Published("c", 0, 0)
		m.PublishFailed("c", "error")
		m.SetQueueDepth("c", 3)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New("bridge")
	m.MessageReceived("client-a")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `bridge_messages_received_total{client_id="client-a"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

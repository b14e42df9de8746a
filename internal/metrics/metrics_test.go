package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coretex-labs/iperf3go/internal/progress"
	"github.com/coretex-labs/iperf3go/internal/protomsg"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestServerCollectorObserveSetsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewServerCollector(reg, "iperf3go_test_a")

	c.Observe(protomsg.ServerStatus{
		Running:           true,
		ListenPort:        5201,
		ActiveConnections: 2,
		CumulativeBytes:   1000,
		LastClientAddr:    "10.0.0.1:54321",
	})

	assert.Equal(t, float64(1), gaugeValue(t, c.running))
	assert.Equal(t, float64(5201), gaugeValue(t, c.listenPort))
	assert.Equal(t, float64(2), gaugeValue(t, c.activeConnections))
	assert.Equal(t, float64(1000), counterValue(t, c.cumulativeBytes))
}

func TestServerCollectorCumulativeBytesOnlyIncreases(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewServerCollector(reg, "iperf3go_test_b")

	c.Observe(protomsg.ServerStatus{CumulativeBytes: 500})
	c.Observe(protomsg.ServerStatus{CumulativeBytes: 1500})

	assert.Equal(t, float64(1500), counterValue(t, c.cumulativeBytes))
}

func TestServerCollectorWatchCountsSessionsAndStopsOnClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewServerCollector(reg, "iperf3go_test_c")

	stream := progress.NewStream(8)
	status := protomsg.ServerStatus{Running: true}

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Watch(stream, func() protomsg.ServerStatus { return status }, nil)
	}()

	stream.Emit(progress.Event{Kind: progress.ClientConnected})
	stream.Emit(progress.Event{Kind: progress.ClientConnected})
	status.Running = false
	stream.Emit(progress.Event{Kind: progress.Stopped})

	<-done
	assert.Equal(t, float64(2), counterValue(t, c.sessionsTotal))
	assert.Equal(t, float64(0), gaugeValue(t, c.running))
}

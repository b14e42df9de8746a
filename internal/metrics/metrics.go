// Package metrics exposes the server's observable state as Prometheus
// gauges and counters (spec.md §5's ServerStatus, generalized by
// SPEC_FULL.md §1.5). It is a pure consumer of the protocol package's
// event stream — it never reaches into the engine's internals, mirroring
// how netbird/nabbar-golib/runZeroInc-sockstats each keep their
// prometheus wiring at the edge of the system rather than threaded
// through core logic.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coretex-labs/iperf3go/internal/progress"
	"github.com/coretex-labs/iperf3go/internal/protomsg"
)

// ServerCollector registers a fixed set of server-state metrics and
// keeps them current by consuming a protocol.Server's event stream.
type ServerCollector struct {
	running           prometheus.Gauge
	listenPort        prometheus.Gauge
	activeConnections prometheus.Gauge
	cumulativeBytes   prometheus.Counter
	sessionsTotal     prometheus.Counter
	lastClientAddr    *prometheus.GaugeVec

	lastCumulative int64
}

// NewServerCollector creates and registers the metric set on reg. Pass
// prometheus.DefaultRegisterer to use the global registry.
func NewServerCollector(reg prometheus.Registerer, namespace string) *ServerCollector {
	c := &ServerCollector{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_running",
			Help:      "1 if the iperf3-compatible server is currently accepting connections.",
		}),
		listenPort: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_listen_port",
			Help:      "TCP port the server is bound to.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_active_connections",
			Help:      "Number of client sessions currently in flight.",
		}),
		cumulativeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_bytes_total",
			Help:      "Total bytes transferred by client sessions, added when each session's transfer phase ends.",
		}),
		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_sessions_total",
			Help:      "Total number of client sessions accepted.",
		}),
		lastClientAddr: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_last_client",
			Help:      "Always 1; the address label identifies the most recent client.",
		}, []string{"address"}),
	}

	reg.MustRegister(c.running, c.listenPort, c.activeConnections, c.cumulativeBytes, c.sessionsTotal, c.lastClientAddr)
	return c
}

// Observe applies one ServerStatus snapshot to the gauges and to the
// cumulativeBytes counter. Counters only ever move forward, so Observe
// adds the byte delta since the last snapshot rather than setting an
// absolute value. sessionsTotal is not touched here; Watch increments it.
func (c *ServerCollector) Observe(st protomsg.ServerStatus) {
	if st.Running {
		c.running.Set(1)
	} else {
		c.running.Set(0)
	}
	c.listenPort.Set(float64(st.ListenPort))
	c.activeConnections.Set(float64(st.ActiveConnections))

	if delta := st.CumulativeBytes - c.lastCumulative; delta > 0 {
		c.cumulativeBytes.Add(float64(delta))
		c.lastCumulative = st.CumulativeBytes
	}

	if st.LastClientAddr != "" {
		c.lastClientAddr.Reset()
		c.lastClientAddr.WithLabelValues(st.LastClientAddr).Set(1)
	}
}

// Watch drains a server event stream, calling statusFn after every event
// to refresh the gauges and bumping sessionsTotal on each new client
// connection. onEvent, if non-nil, is invoked for every event before the
// gauges are refreshed, letting a caller layer its own logging onto the
// same single-subscriber stream rather than racing a second reader
// against it. Watch returns once the stream closes (server stopped), so
// callers run it in its own goroutine.
func (c *ServerCollector) Watch(stream *progress.Stream, statusFn func() protomsg.ServerStatus, onEvent func(progress.Event)) {
	for ev := range stream.Events() {
		if onEvent != nil {
			onEvent(ev)
		}
		if ev.Kind == progress.ClientConnected {
			c.sessionsTotal.Inc()
		}
		c.Observe(statusFn())
	}
	c.Observe(statusFn())
}

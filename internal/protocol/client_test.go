package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coretex-labs/iperf3go/internal/framing"
	"github.com/coretex-labs/iperf3go/internal/progress"
	"github.com/coretex-labs/iperf3go/internal/protomsg"
	"github.com/coretex-labs/iperf3go/internal/transport"
)

// fakeServer drives a minimal, correct server side of the handshake by
// hand (not via protocol.Server) so client_test.go exercises only the
// client driver in client.go.
func fakeServer(t *testing.T, ln *transport.Listener, numStreams int) {
	t.Helper()

	ctrl, err := ln.Accept()
	require.NoError(t, err)
	defer ctrl.Close()

	cookie, err := framing.ReadCookie(ctrl)
	require.NoError(t, err)

	require.NoError(t, framing.WriteState(ctrl, framing.ParamExchange))

	var params protomsg.TestParams
	require.NoError(t, framing.ReadJSON(ctrl, &params))

	require.NoError(t, framing.WriteState(ctrl, framing.CreateStreams))

	streams := make([]*transport.Conn, 0, numStreams)
	for i := 0; i < numStreams; i++ {
		dc, err := ln.Accept()
		require.NoError(t, err)
		streamCookie, err := framing.ReadCookie(dc)
		require.NoError(t, err)
		assert.Equal(t, cookie, streamCookie)
		streams = append(streams, dc)
	}
	defer closeAll(streams)

	require.NoError(t, framing.WriteState(ctrl, framing.TestStart))
	require.NoError(t, framing.WriteState(ctrl, framing.TestRunning))

	// Drain everything the client sends until it closes the streams.
	for _, s := range streams {
		go func(c *transport.Conn) {
			buf := make([]byte, 65536)
			for {
				if _, err := c.Read(buf); err != nil {
					return
				}
			}
		}(s)
	}

	// Give the client time to finish its transfer loop before TEST_END.
	time.Sleep(250 * time.Millisecond)

	_, _ = framing.ReadState(ctrl) // TEST_END, best-effort

	require.NoError(t, framing.WriteState(ctrl, framing.ExchangeResults))
	var clientResults protomsg.IPerf3Results
	_ = framing.ReadJSON(ctrl, &clientResults)
	_ = framing.WriteJSON(ctrl, protomsg.IPerf3Results{})
	_ = framing.WriteState(ctrl, framing.DisplayResults)
	_ = framing.WriteState(ctrl, framing.IperfDone)
}

func TestRunClientTestHappyPath(t *testing.T) {
	ln, err := transport.ListenTCP("127.0.0.1", 0, 16)
	require.NoError(t, err)
	defer ln.Close()

	host, port := splitAddr(t, ln.Addr())

	go fakeServer(t, ln, 1)

	engine := NewEngine()
	cfg := protomsg.TestConfiguration{
		ServerHost:        host,
		ServerPort:        port,
		Protocol:          protomsg.ProtocolTCP,
		NumStreams:        1,
		Duration:          150 * time.Millisecond,
		ReportingInterval: 50 * time.Millisecond,
		BufferLength:      4096,
	}

	stream, _, err := engine.RunClientTest(cfg)
	require.NoError(t, err)

	var gotComplete bool
	var sawInterval bool
	for ev := range stream.Events() {
		if ev.Kind == progress.Interval {
			sawInterval = true
		}
		if ev.Kind.IsTerminal() {
			require.Equal(t, "Complete", ev.Kind.String())
			gotComplete = true
			require.NotNil(t, ev.Result)
			assert.True(t, ev.Result.IsSuccess)
		}
	}
	assert.True(t, gotComplete)
	assert.True(t, sawInterval)
	assert.False(t, engine.IsRunning())
}

func TestRunClientTestRejectsSecondConcurrentRun(t *testing.T) {
	ln, err := transport.ListenTCP("127.0.0.1", 0, 16)
	require.NoError(t, err)
	defer ln.Close()

	host, port := splitAddr(t, ln.Addr())
	go fakeServer(t, ln, 1)

	engine := NewEngine()
	cfg := protomsg.TestConfiguration{
		ServerHost:        host,
		ServerPort:        port,
		NumStreams:        1,
		Duration:          200 * time.Millisecond,
		ReportingInterval: 50 * time.Millisecond,
		BufferLength:      4096,
	}

	stream, _, err := engine.RunClientTest(cfg)
	require.NoError(t, err)

	_, _, err = engine.RunClientTest(cfg)
	require.Error(t, err)

	for range stream.Events() {
	}
}

func TestRunClientTestRejectsInvalidConfig(t *testing.T) {
	engine := NewEngine()
	_, _, err := engine.RunClientTest(protomsg.TestConfiguration{})
	require.Error(t, err)
	assert.False(t, engine.IsRunning())
}

func TestRunClientTestCancelMidTransfer(t *testing.T) {
	ln, err := transport.ListenTCP("127.0.0.1", 0, 16)
	require.NoError(t, err)
	defer ln.Close()

	host, port := splitAddr(t, ln.Addr())

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		ctrl, err := ln.Accept()
		if err != nil {
			return
		}
		defer ctrl.Close()
		cookie, err := framing.ReadCookie(ctrl)
		if err != nil {
			return
		}
		_ = framing.WriteState(ctrl, framing.ParamExchange)
		var params protomsg.TestParams
		if err := framing.ReadJSON(ctrl, &params); err != nil {
			return
		}
		_ = framing.WriteState(ctrl, framing.CreateStreams)
		dc, err := ln.Accept()
		if err != nil {
			return
		}
		defer dc.Close()
		sc, _ := framing.ReadCookie(dc)
		_ = sc
		_ = cookie
		_ = framing.WriteState(ctrl, framing.TestStart)
		_ = framing.WriteState(ctrl, framing.TestRunning)
		buf := make([]byte, 65536)
		for {
			if _, err := dc.Read(buf); err != nil {
				return
			}
		}
	}()

	engine := NewEngine()
	cfg := protomsg.TestConfiguration{
		ServerHost:        host,
		ServerPort:        port,
		NumStreams:        1,
		Duration:          10 * time.Second,
		ReportingInterval: 50 * time.Millisecond,
		BufferLength:      4096,
	}

	stream, handle, err := engine.RunClientTest(cfg)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	handle.Cancel()

	var gotCancelled bool
	for ev := range stream.Events() {
		if ev.Kind.IsTerminal() {
			gotCancelled = ev.Kind.String() == "Cancelled"
		}
	}
	assert.True(t, gotCancelled)
	<-serverDone
}

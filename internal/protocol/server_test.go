package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coretex-labs/iperf3go/internal/framing"
	"github.com/coretex-labs/iperf3go/internal/protomsg"
	"github.com/coretex-labs/iperf3go/internal/transport"
)

func freeTCPPort(t *testing.T) int {
	t.Helper()
	ln, err := transport.ListenTCP("127.0.0.1", 0, 1)
	require.NoError(t, err)
	_, port := splitAddr(t, ln.Addr())
	require.NoError(t, ln.Close())
	return port
}

func TestServerStartRejectsSecondStart(t *testing.T) {
	port := freeTCPPort(t)
	s := NewServer()

	stream, handle, err := s.Start("127.0.0.1", port)
	require.NoError(t, err)
	defer handle.Cancel()

	_, _, err = s.Start("127.0.0.1", port)
	require.Error(t, err)

	handle.Cancel()
	for range stream.Events() {
	}
}

func TestServerDrivesFullSessionWithFakeClient(t *testing.T) {
	port := freeTCPPort(t)
	s := NewServer()

	stream, handle, err := s.Start("127.0.0.1", port)
	require.NoError(t, err)
	defer handle.Cancel()

	// Let the accept loop actually start listening.
	time.Sleep(20 * time.Millisecond)

	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		runFakeClient(t, "127.0.0.1", port, 1, 64*1024)
	}()

	var gotComplete bool
	timeout := time.After(5 * time.Second)
loop:
	for {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				break loop
			}
			if ev.Kind.String() == "TestComplete" {
				gotComplete = true
				break loop
			}
		case <-timeout:
			t.Fatal("timed out waiting for server TestComplete event")
		}
	}

	<-clientDone
	assert.True(t, gotComplete)

	st := s.Status()
	assert.True(t, st.Running)
	assert.Greater(t, st.CumulativeBytes, int64(0))

	handle.Cancel()
}

func TestServerStopClosesListener(t *testing.T) {
	port := freeTCPPort(t)
	s := NewServer()

	stream, handle, err := s.Start("127.0.0.1", port)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	handle.Cancel()

	var gotStopped bool
	for ev := range stream.Events() {
		if ev.Kind.String() == "Stopped" {
			gotStopped = true
		}
	}
	assert.True(t, gotStopped)
	assert.False(t, s.Status().Running)
}

// runFakeClient drives the exact client-side handshake a real iperf3
// client would, against the real Server under test. It writes exactly
// bytesPerStream bytes on each data stream, matching the byte-bounded
// transfer it declares in TestParams.Num, so the server's receiveStream
// loop and this loop converge deterministically instead of racing a
// wall-clock duration.
func runFakeClient(t *testing.T, host string, port int, numStreams int, bytesPerStream int64) {
	t.Helper()

	ctrl, err := transport.DialTCP(host, port, time.Second)
	require.NoError(t, err)
	defer ctrl.Close()

	cookie := "fake-cookie-0123456789"
	require.NoError(t, framing.WriteCookie(ctrl, cookie))

	state, err := framing.ReadState(ctrl)
	require.NoError(t, err)
	require.Equal(t, framing.ParamExchange, state)

	params := protomsg.TestParams{
		TCP:      true,
		Num:      bytesPerStream,
		Parallel: numStreams,
		Len:      4096,
	}
	require.NoError(t, framing.WriteJSON(ctrl, params))

	state, err = framing.ReadState(ctrl)
	require.NoError(t, err)
	require.Equal(t, framing.CreateStreams, state)

	streams := make([]*transport.Conn, 0, numStreams)
	for i := 0; i < numStreams; i++ {
		dc, err := transport.DialTCP(host, port, time.Second)
		require.NoError(t, err)
		require.NoError(t, framing.WriteCookie(dc, cookie))
		streams = append(streams, dc)
	}
	defer closeAll(streams)

	state, err = framing.ReadState(ctrl)
	require.NoError(t, err)
	require.Equal(t, framing.TestStart, state)
	state, err = framing.ReadState(ctrl)
	require.NoError(t, err)
	require.Equal(t, framing.TestRunning, state)

	buf := make([]byte, 4096)
	for i := range buf {
		buf[i] = byte(i)
	}
	for _, s := range streams {
		var sent int64
		for sent < bytesPerStream {
			n, err := s.Write(buf)
			require.NoError(t, err)
			require.NoError(t, s.Flush())
			sent += int64(n)
		}
	}

	_ = framing.WriteState(ctrl, framing.TestEnd)

	state, err = framing.ReadState(ctrl)
	require.NoError(t, err)
	require.Equal(t, framing.ExchangeResults, state)

	var serverResults protomsg.IPerf3Results
	_ = framing.ReadJSON(ctrl, &serverResults)
	_ = framing.WriteJSON(ctrl, protomsg.IPerf3Results{})

	state, _ = framing.ReadState(ctrl)
	if state == framing.DisplayResults {
		_, _ = framing.ReadState(ctrl)
	}
}

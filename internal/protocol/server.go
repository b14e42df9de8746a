package protocol

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/coretex-labs/iperf3go/internal/errs"
	"github.com/coretex-labs/iperf3go/internal/framing"
	"github.com/coretex-labs/iperf3go/internal/progress"
	"github.com/coretex-labs/iperf3go/internal/protomsg"
	"github.com/coretex-labs/iperf3go/internal/transport"
)

var serverLog = logrus.WithField("component", "protocol.server")

// acceptPollInterval is how often Accept times out to let the server
// driver re-check for a stop request, per spec.md §4.5 step 2.
const acceptPollInterval = time.Second

// dataStreamAcceptTimeout bounds how long the server waits for a
// client's per-stream connections during CREATE_STREAMS.
const dataStreamAcceptTimeout = 10 * time.Second

// Server drives the accept loop and per-session mirror transfer,
// entirely new relative to the teacher (which only implements a
// client). Sessions are processed serially, which spec.md §3 notes is a
// sufficient, valid implementation.
type Server struct {
	running atomic.Bool

	mu     sync.RWMutex
	status protomsg.ServerStatus
}

func NewServer() *Server {
	return &Server{}
}

// Start binds a listener on (bindAddress, port) and runs the accept loop
// in a background goroutine, returning an event Stream and a
// CancelHandle whose Cancel stops the server.
func (s *Server) Start(bindAddress string, port int) (*progress.Stream, *CancelHandle, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, nil, errs.New(errs.AlreadyRunning, "server is already running on this instance")
	}

	ln, err := transport.ListenTCP(bindAddress, port, 16)
	if err != nil {
		s.running.Store(false)
		return nil, nil, err
	}

	stream := progress.NewStream(32)
	handle := newCancelHandle()
	handle.trackListener(ln)

	s.setStatus(protomsg.ServerStatus{Running: true, ListenPort: port})
	stream.Emit(progress.Event{Kind: progress.Starting, Port: port})
	stream.Emit(progress.Event{Kind: progress.Ready, Port: port})

	go func() {
		defer s.running.Store(false)
		s.acceptLoop(ln, handle, stream)
	}()

	return stream, handle, nil
}

// Status returns the current observable server state.
func (s *Server) Status() protomsg.ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) setStatus(st protomsg.ServerStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ln *transport.Listener, handle *CancelHandle, stream *progress.Stream) {
	defer ln.Close()

	for {
		if handle.Cancelled() {
			break
		}

		_ = ln.SetAcceptTimeout(acceptPollInterval)
		conn, err := ln.Accept()
		if err != nil {
			if transport.IsTimeout(err) {
				continue
			}
			if handle.Cancelled() {
				break
			}
			stream.Emit(progress.Event{Kind: progress.Error, Message: "listener accept failed", Cause: err})
			st := s.Status()
			st.Error = err.Error()
			s.setStatus(st)
			break
		}

		s.runSession(conn, ln, handle, stream)
	}

	st := s.Status()
	st.Running = false
	s.setStatus(st)
	stream.Emit(progress.Event{Kind: progress.Stopped})
}

// runSession drives one client's state machine (spec.md §4.5 "Server
// driver"). ln is the shared listener, reused to accept the client's
// per-stream data connections during CREATE_STREAMS — iperf3's own
// server does the same, accepting data streams on its single control
// listener rather than opening a second port.
func (s *Server) runSession(ctrl *transport.Conn, ln *transport.Listener, serverHandle *CancelHandle, stream *progress.Stream) {
	sessionID := xid.New().String()
	log := serverLog.WithField("session", sessionID)
	defer ctrl.Close()

	st := s.Status()
	st.LastClientAddr = ctrl.RemoteAddr().String()
	st.ActiveConnections++
	s.setStatus(st)
	defer func() {
		st := s.Status()
		if st.ActiveConnections > 0 {
			st.ActiveConnections--
		}
		s.setStatus(st)
	}()

	stream.Emit(progress.Event{Kind: progress.ClientConnected, Cookie: sessionID, Host: st.LastClientAddr})
	defer stream.Emit(progress.Event{Kind: progress.ClientDisconnected, Cookie: sessionID})

	ctrl.SetNoDelay(true)

	cookie, err := framing.ReadCookie(ctrl)
	if err != nil {
		log.WithError(err).Warn("failed to read session cookie")
		return
	}

	if err := framing.WriteState(ctrl, framing.ParamExchange); err != nil {
		log.WithError(err).Warn("failed to send PARAM_EXCHANGE")
		return
	}

	var params protomsg.TestParams
	if err := framing.ReadJSON(ctrl, &params); err != nil {
		log.WithError(err).Warn("failed to read test params")
		_ = framing.WriteState(ctrl, framing.ServerError)
		return
	}

	if err := framing.WriteState(ctrl, framing.CreateStreams); err != nil {
		log.WithError(err).Warn("failed to send CREATE_STREAMS")
		return
	}

	numStreams := params.Parallel
	if numStreams < 1 {
		numStreams = 1
	}

	streams, err := acceptDataStreams(ln, cookie, numStreams)
	if err != nil {
		log.WithError(err).Warn("failed to accept data streams")
		closeAll(streams)
		return
	}
	defer closeAll(streams)

	if err := framing.WriteState(ctrl, framing.TestStart); err != nil {
		log.WithError(err).Warn("failed to send TEST_START")
		return
	}
	if err := framing.WriteState(ctrl, framing.TestRunning); err != nil {
		log.WithError(err).Warn("failed to send TEST_RUNNING")
		return
	}

	cfg := protomsg.TestConfiguration{
		Duration:          time.Duration(params.Time) * time.Second,
		BytesToTransfer:   params.Num,
		ReportingInterval: time.Second,
		BufferLength:      bufferLenOrDefault(params.Len),
		Reverse:           !params.Reverse, // mirror: client reverse means server sends
		BandwidthLimit:    params.Bandwidth,
	}

	var mu sync.Mutex
	var collected []protomsg.IntervalResult
	totalBytes := int64(0)
	onInterval := func(ir protomsg.IntervalResult, _ int64, _ float64) {
		mu.Lock()
		collected = append(collected, ir)
		totalBytes += ir.BytesTransferred
		mu.Unlock()
		stream.Emit(progress.Event{Kind: progress.Interval, Sample: ir})
	}

	stream.Emit(progress.Event{Kind: progress.TestRunning, Cookie: sessionID})

	sessionHandle := newCancelHandle()
	go func() {
		// Abort the in-flight transfer promptly if the whole server is
		// asked to stop mid-session.
		for !serverHandle.Cancelled() && !sessionHandle.Cancelled() {
			time.Sleep(100 * time.Millisecond)
		}
		sessionHandle.Cancel()
	}()

	if err := runTransferLoop(streams, cfg, sessionHandle, onInterval); err != nil {
		log.WithError(err).Warn("transfer loop ended with error")
	}
	sessionHandle.Cancel()

	st = s.Status()
	st.CumulativeBytes += totalBytes
	s.setStatus(st)

	// Step h: read TEST_END (tolerate EOF/timeout, per spec.md §7).
	_, _ = framing.ReadState(ctrl)

	if err := framing.WriteState(ctrl, framing.ExchangeResults); err != nil {
		log.WithError(err).Warn("failed to send EXCHANGE_RESULTS")
		return
	}
	results := buildServerResults(collected)
	if err := framing.WriteJSON(ctrl, results); err != nil {
		log.WithError(err).Warn("failed to send server results")
	}
	var clientResults protomsg.IPerf3Results
	_ = framing.ReadJSON(ctrl, &clientResults) // best-effort

	_ = framing.WriteState(ctrl, framing.DisplayResults)
	_ = framing.WriteState(ctrl, framing.IperfDone)

	sessionResult := progress.Aggregate(collected, cfg, qualityScorer)
	sessionResult.ID = sessionID
	stream.Emit(progress.Event{Kind: progress.TestComplete, Cookie: sessionID, Result: &sessionResult})
}

func bufferLenOrDefault(n int) int {
	if n > 0 {
		return n
	}
	return 131072
}

// acceptDataStreams accepts n connections off ln, validating each one's
// cookie against the control connection's cookie before treating it as a
// data stream.
func acceptDataStreams(ln *transport.Listener, cookie string, n int) ([]*transport.Conn, error) {
	streams := make([]*transport.Conn, 0, n)
	for i := 0; i < n; i++ {
		_ = ln.SetAcceptTimeout(dataStreamAcceptTimeout)
		dc, err := ln.Accept()
		if err != nil {
			return streams, err
		}
		streamCookie, err := framing.ReadCookie(dc)
		if err != nil || streamCookie != cookie {
			dc.Close()
			return streams, errs.New(errs.ProtocolError, "data stream cookie mismatch")
		}
		streams = append(streams, dc)
	}
	return streams, nil
}

// buildServerResults serializes the accumulated interval samples into an
// IPerf3Results document. The source protocol's server only mirrors byte
// counts; this implementation also reports intervals[] for interop
// fidelity (SPEC_FULL.md §3).
func buildServerResults(intervals []protomsg.IntervalResult) protomsg.IPerf3Results {
	out := protomsg.IPerf3Results{}
	for _, iv := range intervals {
		out.Intervals = append(out.Intervals, protomsg.ResultInterval{
			StreamID:      iv.StreamID,
			Start:         iv.StartTime,
			End:           iv.EndTime,
			Seconds:       iv.EndTime - iv.StartTime,
			Bytes:         iv.BytesTransferred,
			BitsPerSecond: iv.BitsPerSecond,
		})
	}
	return out
}

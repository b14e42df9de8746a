package protocol

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/coretex-labs/iperf3go/internal/config"
	"github.com/coretex-labs/iperf3go/internal/errs"
	"github.com/coretex-labs/iperf3go/internal/framing"
	"github.com/coretex-labs/iperf3go/internal/pacer"
	"github.com/coretex-labs/iperf3go/internal/progress"
	"github.com/coretex-labs/iperf3go/internal/protomsg"
	"github.com/coretex-labs/iperf3go/internal/scoring"
	"github.com/coretex-labs/iperf3go/internal/transport"
)

// Version is this engine's client_version string, distinguishing its
// interop traces from a literal stock iperf3 binary.
const Version = "iperf3go/1.0"

var clientLog = logrus.WithField("component", "protocol.client")

// qualityScorer is stateless, so one instance is shared across tests.
var qualityScorer = scoring.New()

// Engine drives at most one client test at a time, per spec.md §3's
// invariant. Flags are scoped to the Engine instance, not global process
// state, per spec.md §9.
type Engine struct {
	running atomic.Bool
}

// NewEngine creates a client engine instance.
func NewEngine() *Engine {
	return &Engine{}
}

// RunClientTest validates cfg synchronously, then starts the state
// machine in a background goroutine, returning an event Stream the
// caller ranges over and a CancelHandle. If a test is already running on
// this Engine, returns an AlreadyRunning error synchronously instead of a
// stream, per spec.md §3/§8.
func (e *Engine) RunClientTest(cfg protomsg.TestConfiguration) (*progress.Stream, *CancelHandle, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, nil, errs.New(errs.AlreadyRunning, "a client test is already running on this engine")
	}

	cfg = config.Normalize(cfg)
	if err := config.Validate(cfg); err != nil {
		e.running.Store(false)
		return nil, nil, err
	}

	stream := progress.NewStream(32)
	handle := newCancelHandle()

	go func() {
		defer e.running.Store(false)
		runClientStateMachine(cfg, stream, handle)
	}()

	return stream, handle, nil
}

// IsRunning reports whether a client test is currently in flight.
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

func runClientStateMachine(cfg protomsg.TestConfiguration, stream *progress.Stream, handle *CancelHandle) {
	log := clientLog.WithField("cookie", "")
	var collected []protomsg.IntervalResult

	emitErr := func(kind errs.Kind, message string, cause error) {
		partial := partialResult(collected, cfg)
		stream.Emit(progress.Event{Kind: progress.Error, Message: message, Cause: cause, Partial: &partial})
		log.WithError(cause).Error(message)
	}

	stream.Emit(progress.Event{Kind: progress.Connecting, Host: cfg.ServerHost, Port: cfg.ServerPort})

	connectTimeout := config.ConnectTimeout(cfg)
	ctrl, err := transport.DialTCP(cfg.ServerHost, cfg.ServerPort, connectTimeout)
	if err != nil {
		if handle.Cancelled() {
			stream.Emit(progress.Event{Kind: progress.Cancelled})
			return
		}
		emitErr(errs.KindOf(err), "failed to connect to server", err)
		return
	}
	handle.track(ctrl)
	defer ctrl.Close()
	ctrl.SetNoDelay(true)
	ctrl.SetReadDeadline(time.Now().Add(30 * time.Second))

	cookie := uuid.New().String()
	log = log.WithField("cookie", cookie)

	if err := framing.WriteCookie(ctrl, cookie); err != nil {
		emitErr(errs.KindOf(err), "failed to send cookie", err)
		return
	}

	stream.Emit(progress.Event{Kind: progress.Connected, Cookie: cookie})

	if err := waitForState(ctrl, framing.ParamExchange); err != nil {
		if handle.Cancelled() {
			stream.Emit(progress.Event{Kind: progress.Cancelled})
			return
		}
		emitErr(errs.KindOf(err), err.Error(), err)
		return
	}

	params := toTestParams(cfg)
	if err := framing.WriteJSON(ctrl, params); err != nil {
		emitErr(errs.KindOf(err), "failed to send test parameters", err)
		return
	}

	if err := waitForState(ctrl, framing.CreateStreams); err != nil {
		if handle.Cancelled() {
			stream.Emit(progress.Event{Kind: progress.Cancelled})
			return
		}
		emitErr(errs.KindOf(err), err.Error(), err)
		return
	}

	streams := make([]*transport.Conn, 0, cfg.NumStreams)
	for i := 0; i < cfg.NumStreams; i++ {
		dc, err := transport.DialTCP(cfg.ServerHost, cfg.ServerPort, connectTimeout)
		if err != nil {
			closeAll(streams)
			if handle.Cancelled() {
				stream.Emit(progress.Event{Kind: progress.Cancelled})
				return
			}
			emitErr(errs.KindOf(err), fmt.Sprintf("failed to open data stream %d", i), err)
			return
		}
		handle.track(dc)
		if cfg.NoDelay {
			dc.SetNoDelay(true)
		}
		if cfg.WindowSize > 0 {
			dc.SetBufferSizes(cfg.WindowSize, cfg.WindowSize)
		}
		if err := framing.WriteCookie(dc, cookie); err != nil {
			closeAll(streams)
			emitErr(errs.KindOf(err), fmt.Sprintf("failed to send cookie on stream %d", i), err)
			return
		}
		streams = append(streams, dc)
	}
	defer closeAll(streams)

	if err := waitForState(ctrl, framing.TestStart); err != nil {
		if handle.Cancelled() {
			stream.Emit(progress.Event{Kind: progress.Cancelled})
			return
		}
		emitErr(errs.KindOf(err), err.Error(), err)
		return
	}
	stream.Emit(progress.Event{Kind: progress.Started, Config: cfg, StartTime: time.Now().UnixNano()})

	if err := waitForState(ctrl, framing.TestRunning); err != nil {
		if handle.Cancelled() {
			stream.Emit(progress.Event{Kind: progress.Cancelled})
			return
		}
		emitErr(errs.KindOf(err), err.Error(), err)
		return
	}

	var mu sync.Mutex
	onInterval := func(ir protomsg.IntervalResult, elapsedMs int64, prog float64) {
		mu.Lock()
		collected = append(collected, ir)
		mu.Unlock()
		stream.Emit(progress.Event{Kind: progress.Interval, Sample: ir, ElapsedMs: elapsedMs, Progress: prog})
	}

	if err := runTransferLoop(streams, cfg, handle, onInterval); err != nil && !handle.Cancelled() {
		emitErr(errs.KindOf(err), "transfer loop failed", err)
		return
	}

	if handle.Cancelled() {
		partial := partialResult(collected, cfg)
		stream.Emit(progress.Event{Kind: progress.Cancelled, Partial: &partial})
		return
	}

	// Step 9: signal TEST_END. Best-effort from here on per spec.md §7 —
	// the transfer has already semantically succeeded.
	_ = framing.WriteState(ctrl, framing.TestEnd)

	exchangeResultsBestEffort(ctrl, log)

	result := progress.Aggregate(collected, cfg, qualityScorer)
	result.ID = xid.New().String()
	stream.Emit(progress.Event{Kind: progress.Complete, Result: &result})
}

func partialResult(collected []protomsg.IntervalResult, cfg protomsg.TestConfiguration) protomsg.TestResult {
	r := progress.Aggregate(collected, cfg, qualityScorer)
	r.IsSuccess = false
	return r
}

func waitForState(ctrl *transport.Conn, expect framing.State) error {
	state, err := framing.ReadState(ctrl)
	if err != nil {
		return err
	}
	switch state {
	case expect:
		return nil
	case framing.AccessDenied:
		return errs.New(errs.ProtocolError, "Access denied by server")
	case framing.ServerError:
		return errs.New(errs.ProtocolError, "Server error")
	case framing.ServerTerminate:
		return errs.New(errs.ProtocolError, "Server terminated the connection")
	default:
		return errs.New(errs.ProtocolError, fmt.Sprintf("Unexpected protocol state: %s", state))
	}
}

func closeAll(conns []*transport.Conn) {
	for _, c := range conns {
		c.Close()
	}
}

func toTestParams(cfg protomsg.TestConfiguration) protomsg.TestParams {
	p := protomsg.TestParams{
		TCP:           cfg.Protocol == protomsg.ProtocolTCP,
		UDP:           cfg.Protocol == protomsg.ProtocolUDP,
		Time:          int(cfg.Duration / time.Second),
		Num:           cfg.BytesToTransfer,
		Parallel:      cfg.NumStreams,
		Reverse:       cfg.Reverse,
		Bidirectional: cfg.Bidirectional,
		Len:           cfg.BufferLength,
		Bandwidth:     cfg.BandwidthLimit,
		Window:        cfg.WindowSize,
		MSS:           cfg.MSS,
		NoDelay:       cfg.NoDelay,
		PacingTimer:   1000,
		ClientVersion: Version,
	}
	return p
}

// exchangeResultsBestEffort implements client driver step 10: swap final
// JSON results and read the two trailing state bytes, tolerating any
// failure because the transfer has already semantically succeeded
// (spec.md §7).
func exchangeResultsBestEffort(ctrl *transport.Conn, log *logrus.Entry) {
	state, err := framing.ReadState(ctrl)
	if err != nil {
		log.WithError(err).Warn("could not read EXCHANGE_RESULTS state")
		return
	}
	if state != framing.ExchangeResults {
		log.Warnf("expected EXCHANGE_RESULTS, got %s", state)
		return
	}

	var serverResults protomsg.IPerf3Results
	if err := framing.ReadJSON(ctrl, &serverResults); err != nil {
		log.WithError(err).Warn("could not read server results, substituting {}")
	}

	if err := framing.WriteJSON(ctrl, protomsg.IPerf3Results{}); err != nil {
		log.WithError(err).Warn("could not send own results")
		return
	}

	state, err = framing.ReadState(ctrl)
	if err != nil {
		log.WithError(err).Warn("could not read DISPLAY_RESULTS state")
		return
	}
	if state == framing.DisplayResults {
		_, _ = framing.ReadState(ctrl) // IPERF_DONE, best-effort
	}
}

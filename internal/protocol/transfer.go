package protocol

import (
	"crypto/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/coretex-labs/iperf3go/internal/errs"
	"github.com/coretex-labs/iperf3go/internal/pacer"
	"github.com/coretex-labs/iperf3go/internal/protomsg"
	"github.com/coretex-labs/iperf3go/internal/transport"
)

// intervalCallback is invoked once per reporting-interval boundary
// crossed by a stream, and once more for any trailing partial interval
// at loop exit.
type intervalCallback func(ir protomsg.IntervalResult, elapsedMs int64, progress float64)

// runTransferLoop runs one goroutine per data stream (spec.md §4.5 step
// 8), using errgroup for shared-cancellation fan-out (SPEC_FULL.md §1.6).
// Reverse mode reads; otherwise writes, paced by a fresh per-stream
// Pacer sharing cfg.BandwidthLimit split evenly across streams.
func runTransferLoop(streams []*transport.Conn, cfg protomsg.TestConfiguration, handle *CancelHandle, onInterval intervalCallback) error {
	g := new(errgroup.Group)

	perStreamBandwidth := int64(0)
	if cfg.BandwidthLimit > 0 {
		perStreamBandwidth = cfg.BandwidthLimit / int64(len(streams))
	}

	for idx, s := range streams {
		streamID := idx
		conn := s
		g.Go(func() error {
			if cfg.Reverse {
				return receiveStream(streamID, conn, cfg, handle, onInterval)
			}
			return sendStream(streamID, conn, cfg, perStreamBandwidth, handle, onInterval)
		})
	}

	return g.Wait()
}

func sendStream(streamID int, conn *transport.Conn, cfg protomsg.TestConfiguration, bandwidthBps int64, handle *CancelHandle, onInterval intervalCallback) error {
	buf := make([]byte, cfg.BufferLength)
	_, _ = rand.Read(buf)

	p := pacer.New(bandwidthBps, 0)

	start := time.Now()
	reportingInterval := cfg.ReportingInterval

	var intervalBytes int64
	var totalBytes int64
	intervalIndex := 0
	intervalStart := time.Duration(0)

	for {
		if handle.Cancelled() {
			return errs.New(errs.Cancelled, "cancelled")
		}

		elapsed := time.Since(start)
		if transferDone(cfg, elapsed, totalBytes) {
			break
		}

		p.Acquire(len(buf))

		// Strict overshoot policy (spec.md §9 Open Question): re-check
		// the deadline after the pacer wait, before issuing the write,
		// so a wait that pushes past the deadline yields no extra write.
		elapsed = time.Since(start)
		if transferDone(cfg, elapsed, totalBytes) {
			break
		}

		n, err := conn.Write(buf)
		if err != nil {
			if handle.Cancelled() {
				return errs.New(errs.Cancelled, "cancelled")
			}
			return err
		}
		if err := conn.Flush(); err != nil {
			if handle.Cancelled() {
				return errs.New(errs.Cancelled, "cancelled")
			}
			return err
		}

		intervalBytes += int64(n)
		totalBytes += int64(n)

		elapsed = time.Since(start)
		nextBoundary := reportingInterval * time.Duration(intervalIndex+1)
		if elapsed >= nextBoundary {
			onInterval(protomsg.NewIntervalResult(streamID, intervalStart.Seconds(), elapsed.Seconds(), intervalBytes),
				elapsed.Milliseconds(), progressFraction(cfg, elapsed, totalBytes))
			intervalBytes = 0
			intervalStart = elapsed
			intervalIndex++
		}
	}

	if intervalBytes > 0 {
		elapsed := time.Since(start)
		onInterval(protomsg.NewIntervalResult(streamID, intervalStart.Seconds(), elapsed.Seconds(), intervalBytes),
			elapsed.Milliseconds(), progressFraction(cfg, elapsed, totalBytes))
	}

	return nil
}

func receiveStream(streamID int, conn *transport.Conn, cfg protomsg.TestConfiguration, handle *CancelHandle, onInterval intervalCallback) error {
	buf := make([]byte, cfg.BufferLength)

	start := time.Now()
	readTimeout := cfg.Duration + 5*time.Second
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	reportingInterval := cfg.ReportingInterval
	var intervalBytes int64
	var totalBytes int64
	intervalIndex := 0
	intervalStart := time.Duration(0)

	for {
		if handle.Cancelled() {
			return errs.New(errs.Cancelled, "cancelled")
		}

		elapsed := time.Since(start)
		if transferDone(cfg, elapsed, totalBytes) {
			break
		}

		n, err := conn.Read(buf)
		if err != nil {
			if handle.Cancelled() || transport.IsTimeout(err) {
				break
			}
			return err
		}
		if n == 0 {
			break
		}

		intervalBytes += int64(n)
		totalBytes += int64(n)

		elapsed = time.Since(start)
		nextBoundary := reportingInterval * time.Duration(intervalIndex+1)
		if elapsed >= nextBoundary {
			onInterval(protomsg.NewIntervalResult(streamID, intervalStart.Seconds(), elapsed.Seconds(), intervalBytes),
				elapsed.Milliseconds(), progressFraction(cfg, elapsed, totalBytes))
			intervalBytes = 0
			intervalStart = elapsed
			intervalIndex++
		}
	}

	if intervalBytes > 0 {
		elapsed := time.Since(start)
		onInterval(protomsg.NewIntervalResult(streamID, intervalStart.Seconds(), elapsed.Seconds(), intervalBytes),
			elapsed.Milliseconds(), progressFraction(cfg, elapsed, totalBytes))
	}

	return nil
}

func transferDone(cfg protomsg.TestConfiguration, elapsed time.Duration, totalBytes int64) bool {
	if cfg.BytesToTransfer > 0 {
		return totalBytes >= cfg.BytesToTransfer
	}
	if cfg.Duration > 0 {
		return elapsed >= cfg.Duration
	}
	return false
}

func progressFraction(cfg protomsg.TestConfiguration, elapsed time.Duration, totalBytes int64) float64 {
	var p float64
	if cfg.BytesToTransfer > 0 {
		p = float64(totalBytes) / float64(cfg.BytesToTransfer)
	} else if cfg.Duration > 0 {
		p = elapsed.Seconds() / cfg.Duration.Seconds()
	}
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	return p
}

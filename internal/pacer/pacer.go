// Package pacer implements the token-bucket rate limiter the protocol
// engine's send loop uses to enforce a configured bandwidth cap (spec
// C4). Grounded on the teacher's inline "expected vs actual bytes" sleep
// in Iperf3Client.sendData, generalized into the reusable Acquire(bytes)
// contract spec.md §4.4 specifies, with the critical section kept to
// refill+decrement only (spec.md §9).
package pacer

import (
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "pacer")

const (
	minBurstSize = 64 * 1024
	maxBurstSize = 1024 * 1024
)

// Pacer is a token-bucket limiter. A zero BandwidthBps makes Acquire a
// no-op, per spec.md §4.4.
type Pacer struct {
	bandwidthBps int64
	burstSize    float64

	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time

	now func() time.Time
}

// New creates a Pacer capped at bandwidthBps bits/sec. burstSize is the
// token bucket capacity in bytes; a value of 0 selects the spec's default
// of clamp(bandwidthBps/8/10, 64 KiB, 1 MiB) — about 100ms of burst.
func New(bandwidthBps int64, burstSize int) *Pacer {
	bs := float64(burstSize)
	if bs <= 0 {
		bs = float64(bandwidthBps) / 8 / 10
		if bs < minBurstSize {
			bs = minBurstSize
		}
		if bs > maxBurstSize {
			bs = maxBurstSize
		}
	}
	now := time.Now()
	if bandwidthBps > 0 {
		log.WithFields(logrus.Fields{"bandwidthBps": bandwidthBps, "burstSize": bs}).Debug("pacer configured")
	}
	return &Pacer{
		bandwidthBps: bandwidthBps,
		burstSize:    bs,
		tokens:       bs,
		lastUpdate:   now,
		now:          time.Now,
	}
}

// refill advances tokens by the bytes/sec rate times elapsed time since
// lastUpdate, capped at burstSize, and returns the byte rate (may be 0 if
// unlimited). Must be called with mu held.
func (p *Pacer) refill(at time.Time) float64 {
	bytesPerSec := float64(p.bandwidthBps) / 8
	elapsed := at.Sub(p.lastUpdate).Seconds()
	if elapsed > 0 {
		p.tokens += bytesPerSec * elapsed
		if p.tokens > p.burstSize {
			p.tokens = p.burstSize
		}
	}
	p.lastUpdate = at
	return bytesPerSec
}

// Acquire blocks until bytes worth of tokens are available, then consumes
// them. If the Pacer is unlimited (bandwidthBps == 0), Acquire returns
// immediately. The wait itself is computed and performed outside the
// lock; only the refill-and-decrement bookkeeping is serialised.
func (p *Pacer) Acquire(bytes int) {
	if p.bandwidthBps <= 0 {
		return
	}

	p.mu.Lock()
	bytesPerSec := p.refill(p.now())
	need := float64(bytes)
	if p.tokens >= need {
		p.tokens -= need
		p.mu.Unlock()
		return
	}
	deficit := need - p.tokens
	p.tokens = 0
	p.mu.Unlock()

	waitMs := math.Ceil(deficit / bytesPerSec * 1000)
	time.Sleep(time.Duration(waitMs) * time.Millisecond)

	p.mu.Lock()
	p.refill(p.now())
	// The bytes we waited for have now accrued (approximately); consume
	// them so the caller's accounting matches spec.md §4.4's "drain to 0,
	// suspend, then refill again before returning".
	if p.tokens >= need {
		p.tokens -= need
	} else {
		p.tokens = 0
	}
	p.mu.Unlock()
}

// BandwidthBps reports the configured cap (0 = unlimited).
func (p *Pacer) BandwidthBps() int64 { return p.bandwidthBps }

// BurstSize reports the configured burst capacity in bytes.
func (p *Pacer) BurstSize() float64 { return p.burstSize }

// Package protocol implements the bilateral iperf3 state machine: the
// client driver and the server driver (spec C5). Grounded on the
// teacher's Iperf3Client method sequence in CoreTex-network-test-api's
// main.go (Connect -> ExchangeParams -> CreateStreams -> RunTest ->
// sendData/receiveData), generalized to use internal/transport,
// internal/framing, and internal/protomsg instead of inlined net.Conn/
// json calls, and extended with the server role the teacher never had.
package protocol

import (
	"sync"

	"github.com/coretex-labs/iperf3go/internal/transport"
)

// CancelHandle lets a caller abort an in-flight test from a different
// goroutine than the one driving the state machine, per spec.md §9's
// note that shared socket references for cancellation should be modelled
// as a small object exposing cancel(), not raw socket fields.
type CancelHandle struct {
	mu        sync.Mutex
	cancelled bool
	conns     []closer
}

type closer interface {
	Close() error
}

func newCancelHandle() *CancelHandle {
	return &CancelHandle{}
}

// track registers a connection to be closed on Cancel. Safe to call
// concurrently with Cancel; if already cancelled, closes conn
// immediately.
func (h *CancelHandle) track(c *transport.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		c.Close()
		return
	}
	h.conns = append(h.conns, c)
}

func (h *CancelHandle) trackListener(l *transport.Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		l.Close()
		return
	}
	h.conns = append(h.conns, l)
}

// Cancel marks the handle cancelled and closes every tracked connection,
// interrupting any blocked read/write.
func (h *CancelHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	for _, c := range h.conns {
		c.Close()
	}
}

// Cancelled reports whether Cancel has been called.
func (h *CancelHandle) Cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

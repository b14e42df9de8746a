// Package transport wraps net.Conn/net.Listener with the buffered,
// timeout-aware TCP abstraction the protocol engine builds on (spec C1).
package transport

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coretex-labs/iperf3go/internal/errs"
)

var log = logrus.WithField("component", "transport")

// Conn is a connected TCP stream with buffered I/O and settable timeouts.
// Close is idempotent and safe to call from another goroutine to interrupt
// a blocked Read.
type Conn struct {
	raw net.Conn
	r   *bufio.Reader
	w   *bufio.Writer
}

// DialTCP opens an outbound TCP connection with a connect deadline.
func DialTCP(host string, port int, connectTimeout time.Duration) (*Conn, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	raw, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Debug("dial failed")
		if IsTimeout(err) {
			return nil, errs.Wrap(errs.Timeout, "connect to "+addr+" timed out", err)
		}
		return nil, errs.Wrap(errs.TransportError, "connect to "+addr+" failed", err)
	}
	return newConn(raw), nil
}

func newConn(raw net.Conn) *Conn {
	return &Conn{
		raw: raw,
		r:   bufio.NewReader(raw),
		w:   bufio.NewWriter(raw),
	}
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err != nil {
		return n, errs.Wrap(errs.TransportError, "read failed", err)
	}
	return n, nil
}

// ReadFull reads exactly len(p) bytes, as the control connection framing
// operations require.
func (c *Conn) ReadFull(p []byte) error {
	total := 0
	for total < len(p) {
		n, err := c.r.Read(p[total:])
		total += n
		if err != nil {
			if IsTimeout(err) {
				return errs.Wrap(errs.Timeout, "read timed out", err)
			}
			return errs.Wrap(errs.TransportError, "read failed", err)
		}
	}
	return nil
}

func (c *Conn) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		return n, errs.Wrap(errs.TransportError, "write failed", err)
	}
	return n, nil
}

// Flush pushes any buffered writes to the kernel. Framing operations that
// must be immediately visible to the peer (state bytes, JSON messages)
// call this after writing.
func (c *Conn) Flush() error {
	if err := c.w.Flush(); err != nil {
		return errs.Wrap(errs.TransportError, "flush failed", err)
	}
	return nil
}

// Close is idempotent; a double close is safe and returns nil the second
// time since net.Conn.Close already tolerates this on most platforms, but
// we swallow the "already closed" error explicitly to guarantee it.
func (c *Conn) Close() error {
	err := c.raw.Close()
	if err != nil && !isAlreadyClosed(err) {
		log.WithError(err).Warn("conn close failed")
		return errs.Wrap(errs.TransportError, "close failed", err)
	}
	return nil
}

func isAlreadyClosed(err error) bool {
	return err != nil && (err.Error() == "use of closed network connection" ||
		(func() bool {
			var opErr *net.OpError
			return asOpErrClosed(err, &opErr)
		})())
}

func asOpErrClosed(err error, target **net.OpError) bool {
	op, ok := err.(*net.OpError)
	if !ok {
		return false
	}
	*target = op
	return op.Err != nil && op.Err.Error() == "use of closed network connection"
}

// SetReadDeadline sets the read deadline; a zero time.Time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	if err := c.raw.SetReadDeadline(t); err != nil {
		return errs.Wrap(errs.TransportError, "set read deadline failed", err)
	}
	return nil
}

// SetWriteDeadline sets the write deadline; a zero time.Time clears it.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	if err := c.raw.SetWriteDeadline(t); err != nil {
		return errs.Wrap(errs.TransportError, "set write deadline failed", err)
	}
	return nil
}

// SetNoDelay disables/enables Nagle's algorithm.
func (c *Conn) SetNoDelay(noDelay bool) error {
	tc, ok := c.raw.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(noDelay); err != nil {
		return errs.Wrap(errs.TransportError, "set no-delay failed", err)
	}
	return nil
}

// SetBufferSizes sets the OS send/receive buffer sizes (TCP window size).
// A zero value leaves the corresponding buffer at its OS default.
func (c *Conn) SetBufferSizes(sendBytes, recvBytes int) error {
	tc, ok := c.raw.(*net.TCPConn)
	if !ok {
		return nil
	}
	if sendBytes > 0 {
		if err := tc.SetWriteBuffer(sendBytes); err != nil {
			return errs.Wrap(errs.TransportError, "set send buffer failed", err)
		}
	}
	if recvBytes > 0 {
		if err := tc.SetReadBuffer(recvBytes); err != nil {
			return errs.Wrap(errs.TransportError, "set recv buffer failed", err)
		}
	}
	return nil
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// LocalAddr returns the local address of the connection.
func (c *Conn) LocalAddr() net.Addr { return c.raw.LocalAddr() }

// Listener wraps net.Listener with a settable accept timeout, turning
// Accept into a periodic poll so the server driver can observe shutdown
// requests without blocking forever.
type Listener struct {
	raw net.Listener
}

// ListenTCP binds a listener to (bindAddress, port) with the given backlog.
// Go's net package does not expose backlog tuning directly; it is accepted
// here for interface symmetry with spec.md §4.1 and left to the OS default,
// matching how net.Listen itself behaves.
func ListenTCP(bindAddress string, port int, backlog int) (*Listener, error) {
	addr := fmt.Sprintf("%s:%d", bindAddress, port)
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		log.WithError(err).WithField("addr", addr).Debug("listen failed")
		return nil, errs.Wrap(errs.TransportError, "listen on "+addr+" failed", err)
	}
	log.WithField("addr", addr).Debug("listening")
	return &Listener{raw: raw}, nil
}

// Accept blocks until a connection arrives or the accept deadline (set via
// SetAcceptTimeout) elapses. A timeout is reported as a TransportError
// wrapping a *net.OpError whose Timeout() is true (IsTimeout detects it);
// callers should treat that specially, not as a fatal error.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.raw.Accept()
	if err != nil {
		return nil, errs.Wrap(errs.TransportError, "accept failed", err)
	}
	return newConn(raw), nil
}

// SetAcceptTimeout arranges for the next Accept to return a timeout error
// after d, if the underlying listener supports deadlines (all TCP
// listeners do).
func (l *Listener) SetAcceptTimeout(d time.Duration) error {
	if tl, ok := l.raw.(*net.TCPListener); ok {
		if err := tl.SetDeadline(time.Now().Add(d)); err != nil {
			return errs.Wrap(errs.TransportError, "set accept deadline failed", err)
		}
	}
	return nil
}

// IsTimeout reports whether err represents an accept/read/write timeout.
func IsTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for err != nil {
		if t, ok := err.(timeouter); ok {
			return t.Timeout()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.raw.Addr() }

// Close is idempotent.
func (l *Listener) Close() error {
	err := l.raw.Close()
	if err != nil && !isAlreadyClosed(err) {
		return errs.Wrap(errs.TransportError, "listener close failed", err)
	}
	return nil
}

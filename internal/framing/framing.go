// Package framing implements the three on-wire primitives of the iperf3
// control protocol: state tags, cookies, and length-prefixed JSON messages
// (spec C2). Grounded on the teacher's readState/writeState/readJSON/
// writeJSON in CoreTex-network-test-api's main.go.
package framing

import (
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/coretex-labs/iperf3go/internal/errs"
	"github.com/coretex-labs/iperf3go/internal/transport"
)

var log = logrus.WithField("component", "framing")

// CookieSize is the fixed wire size of a session cookie: 36 ASCII
// characters plus a trailing NUL byte.
const CookieSize = 37

// MaxJSONLength is the largest length-prefixed JSON body this codec will
// accept; larger declared lengths are a framing error.
const MaxJSONLength = 1024 * 1024

// State is a one-byte signed state code exchanged on the control
// connection.
type State int8

const (
	TestStart       State = 1
	TestRunning     State = 2
	TestEnd         State = 4
	ParamExchange   State = 9
	CreateStreams   State = 10
	ServerTerminate State = 11
	ClientTerminate State = 12
	ExchangeResults State = 13
	DisplayResults  State = 14
	IperfStart      State = 15
	IperfDone       State = 16
	AccessDenied    State = -1
	ServerError     State = -2
)

var stateNames = map[State]string{
	TestStart:       "TEST_START",
	TestRunning:     "TEST_RUNNING",
	TestEnd:         "TEST_END",
	ParamExchange:   "PARAM_EXCHANGE",
	CreateStreams:   "CREATE_STREAMS",
	ServerTerminate: "SERVER_TERMINATE",
	ClientTerminate: "CLIENT_TERMINATE",
	ExchangeResults: "EXCHANGE_RESULTS",
	DisplayResults:  "DISPLAY_RESULTS",
	IperfStart:      "IPERF_START",
	IperfDone:       "IPERF_DONE",
	AccessDenied:    "ACCESS_DENIED",
	ServerError:     "SERVER_ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN_STATE"
}

// WriteState writes one state byte and flushes immediately.
func WriteState(c *transport.Conn, s State) error {
	if _, err := c.Write([]byte{byte(int8(s))}); err != nil {
		return err
	}
	return c.Flush()
}

// ReadState reads one state byte.
func ReadState(c *transport.Conn) (State, error) {
	buf := make([]byte, 1)
	if err := c.ReadFull(buf); err != nil {
		return 0, err
	}
	return State(int8(buf[0])), nil
}

// WriteCookie pads or truncates s to 36 ASCII characters plus a trailing
// NUL and writes the fixed 37-byte field.
func WriteCookie(c *transport.Conn, s string) error {
	buf := make([]byte, CookieSize)
	n := copy(buf, s)
	for i := n; i < CookieSize-1; i++ {
		buf[i] = 0
	}
	buf[CookieSize-1] = 0
	if _, err := c.Write(buf); err != nil {
		return err
	}
	return c.Flush()
}

// ReadCookie reads the fixed 37-byte cookie field and decodes it as ASCII,
// stripping trailing NULs.
func ReadCookie(c *transport.Conn) (string, error) {
	buf := make([]byte, CookieSize)
	if err := c.ReadFull(buf); err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

// WriteJSON serialises v to UTF-8 JSON, emits a 4-byte big-endian length
// prefix, then the payload, then flushes.
func WriteJSON(c *transport.Conn, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errs.Wrap(errs.FramingError, "marshal JSON message failed", err)
	}
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)))
	if _, err := c.Write(lenBuf); err != nil {
		return err
	}
	if _, err := c.Write(body); err != nil {
		return err
	}
	return c.Flush()
}

// ReadJSON reads a 4-byte length prefix followed by exactly that many
// bytes of UTF-8 JSON and unmarshals it into v. A declared length of zero
// or greater than MaxJSONLength is a framing error.
func ReadJSON(c *transport.Conn, v interface{}) error {
	lenBuf := make([]byte, 4)
	if err := c.ReadFull(lenBuf); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length == 0 || length > MaxJSONLength {
		log.WithField("length", length).Warn("rejecting JSON message with invalid length prefix")
		return errs.New(errs.FramingError, "invalid JSON message length")
	}
	body := make([]byte, length)
	if err := c.ReadFull(body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		log.WithError(err).Debug("unmarshal JSON message failed")
		return errs.Wrap(errs.FramingError, "unmarshal JSON message failed", err)
	}
	return nil
}

package protomsg

import "time"

// Protocol is the transport protocol a test uses. UDP is accepted by the
// data model per spec.md §9 but never driven by the protocol engine (C5)
// in this implementation.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// TestConfiguration is the caller's input to a client test. It is
// immutable once constructed; the engine never mutates it.
type TestConfiguration struct {
	ServerHost        string        `json:"serverHost" validate:"required"`
	ServerPort        int           `json:"serverPort" validate:"min=1,max=65535"`
	Protocol          Protocol      `json:"protocol" validate:"oneof=tcp udp"`
	Duration          time.Duration `json:"duration"`
	BytesToTransfer   int64         `json:"bytesToTransfer,omitempty" validate:"omitempty,min=1"`
	NumStreams        int           `json:"numStreams" validate:"min=1,max=128"`
	BandwidthLimit    int64         `json:"bandwidthLimit,omitempty" validate:"omitempty,min=1"`
	Reverse           bool          `json:"reverse,omitempty"`
	Bidirectional     bool          `json:"bidirectional,omitempty"`
	ReportingInterval time.Duration `json:"reportingInterval"`
	BufferLength      int           `json:"bufferLength"`
	WindowSize        int           `json:"windowSize,omitempty"`
	MSS               int           `json:"mss,omitempty"`
	NoDelay           bool          `json:"noDelay,omitempty"`
	Timeout           time.Duration `json:"timeout"`
}

// DefaultTestConfiguration returns a configuration with every optional
// field at the reference client's default, per spec.md §3.
func DefaultTestConfiguration() TestConfiguration {
	return TestConfiguration{
		ServerPort:        5201,
		Protocol:          ProtocolTCP,
		NumStreams:        1,
		ReportingInterval: time.Second,
		BufferLength:      131072,
		Timeout:           30 * time.Second,
	}
}

// SessionCookie is the 36-character identifier the client generates and
// echoes on every data connection of a session.
type SessionCookie string

// IntervalResult is a single reporting slice for one stream. A StreamID
// of -1 signals an aggregate across streams.
type IntervalResult struct {
	StreamID         int     `json:"streamId"`
	StartTime        float64 `json:"startTime"`
	EndTime          float64 `json:"endTime"`
	BytesTransferred int64   `json:"bytesTransferred"`
	BitsPerSecond    float64 `json:"bitsPerSecond"`
	TCP              *TCPIntervalStats `json:"tcp,omitempty"`
	UDP              *UDPIntervalStats `json:"udp,omitempty"`
}

type TCPIntervalStats struct {
	Retransmits      int   `json:"retransmits"`
	CongestionWindow int64 `json:"congestionWindow"`
}

type UDPIntervalStats struct {
	Jitter            float64 `json:"jitter"`
	Packets           int     `json:"packets"`
	LostPackets       int     `json:"lostPackets"`
	OutOfOrderPackets int     `json:"outOfOrderPackets"`
}

// NewIntervalResult computes BitsPerSecond from bytes and the interval
// duration, per spec.md §3's bitsPerSecond = bytes*8 / (endTime-startTime).
func NewIntervalResult(streamID int, start, end float64, bytes int64) IntervalResult {
	dur := end - start
	var bps float64
	if dur > 0 {
		bps = float64(bytes) * 8 / dur
	}
	return IntervalResult{
		StreamID:         streamID,
		StartTime:        start,
		EndTime:          end,
		BytesTransferred: bytes,
		BitsPerSecond:    bps,
	}
}

// TCPAggregate/UDPAggregate summarise interval-level TCP/UDP stats across
// a whole test, for TestResult.
type TCPAggregate struct {
	TotalRetransmits int `json:"totalRetransmits"`
}

type UDPAggregate struct {
	AvgJitter           float64 `json:"avgJitter"`
	TotalPackets        int     `json:"totalPackets"`
	TotalLostPackets    int     `json:"totalLostPackets"`
	TotalOutOfOrder     int     `json:"totalOutOfOrderPackets"`
}

// TestResult is the terminal record produced only on Complete, Error, or
// Cancelled transitions.
type TestResult struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Timestamp     time.Time `json:"timestamp"`
	Protocol      Protocol  `json:"protocol"`
	Reverse       bool      `json:"reverse"`
	Bidirectional bool      `json:"bidirectional"`

	TotalBytes   int64         `json:"totalBytes"`
	Duration     time.Duration `json:"duration"`

	AvgBandwidth float64 `json:"avgBandwidth"`
	MinBandwidth float64 `json:"minBandwidth"`
	MaxBandwidth float64 `json:"maxBandwidth"`

	TCP *TCPAggregate `json:"tcp,omitempty"`
	UDP *UDPAggregate `json:"udp,omitempty"`

	QualityScore int `json:"qualityScore"`

	Intervals []IntervalResult `json:"intervals"`

	RawJSON string `json:"rawJson,omitempty"`

	IsSuccess bool `json:"isSuccess"`
}

// ServerStatus is the observable state of the server component.
type ServerStatus struct {
	Running           bool      `json:"running"`
	ListenPort        int       `json:"listenPort"`
	ActiveConnections int       `json:"activeConnections"`
	CumulativeBytes   int64     `json:"cumulativeBytes"`
	LastClientAddr    string    `json:"lastClientAddr,omitempty"`
	Error             string    `json:"error,omitempty"`
}

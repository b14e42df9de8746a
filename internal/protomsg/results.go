package protomsg

// IPerf3Results is the JSON document peers exchange at EXCHANGE_RESULTS.
// It mirrors the reference iperf3 results format closely enough to be
// parsed by (and tolerate being read by) a stock iperf3 peer. Empty
// objects ("{}") are a valid minimal document per spec.md §4.3; the
// parser must tolerate them.
type IPerf3Results struct {
	Start *ResultsStart `json:"start,omitempty"`
	// Intervals is a flat list of per-stream interval samples, each tagged
	// with its stream_id; no sum-of-streams entry is added ("intervals" in
	// the real iperf3 JSON is per-stream with an embedded "sum" per tick;
	// this flattened view keeps the wire shape simple while still
	// round-tripping through a stock reader that only looks at bytes/
	// seconds/bits_per_second, which is all this engine produces).
	Intervals []ResultInterval `json:"intervals,omitempty"`
	End       *ResultsEnd      `json:"end,omitempty"`
	Error     string           `json:"error,omitempty"`
}

type ResultsStart struct {
	Connected   []ConnectedStream `json:"connected,omitempty"`
	Version     string            `json:"version,omitempty"`
	Timestamp   ResultTimestamp   `json:"timestamp"`
	TestStart   TestStartInfo     `json:"test_start"`
}

type ConnectedStream struct {
	Socket     int    `json:"socket"`
	LocalHost  string `json:"local_host"`
	LocalPort  int    `json:"local_port"`
	RemoteHost string `json:"remote_host"`
	RemotePort int    `json:"remote_port"`
}

type ResultTimestamp struct {
	Time     string `json:"time"`
	TimeSecs int64  `json:"timesecs"`
}

type TestStartInfo struct {
	Protocol   string `json:"protocol"`
	NumStreams int    `json:"num_streams"`
	BlockSize  int    `json:"blksize"`
	Omit       int    `json:"omit"`
	Duration   int    `json:"duration"`
	BytesTotal int64  `json:"bytes"`
	Reverse    int    `json:"reverse"`
}

// ResultInterval is one reporting slice, sum-of-streams or per-stream
// depending on context.
type ResultInterval struct {
	StreamID          int     `json:"stream_id"`
	Start             float64 `json:"start"`
	End               float64 `json:"end"`
	Seconds           float64 `json:"seconds"`
	Bytes             int64   `json:"bytes"`
	BitsPerSecond     float64 `json:"bits_per_second"`
	Retransmits       *int    `json:"retransmits,omitempty"`
	CongestionWindow  *int64  `json:"snd_cwnd,omitempty"`
	Jitter            *float64 `json:"jitter_ms,omitempty"`
	Packets           *int    `json:"packets,omitempty"`
	LostPackets       *int    `json:"lost_packets,omitempty"`
	OutOfOrderPackets *int    `json:"out_of_order_packets,omitempty"`
}

type ResultsEnd struct {
	Streams          []StreamSummary `json:"streams,omitempty"`
	SumSent          *EndSummary     `json:"sum_sent,omitempty"`
	SumReceived      *EndSummary     `json:"sum_received,omitempty"`
	CPUUtilPercent   *CPUUtil        `json:"cpu_utilization_percent,omitempty"`
}

type StreamSummary struct {
	Sender   EndSummary `json:"sender"`
	Receiver EndSummary `json:"receiver"`
}

type EndSummary struct {
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	Seconds       float64 `json:"seconds"`
	Bytes         int64   `json:"bytes"`
	BitsPerSecond float64 `json:"bits_per_second"`
	Retransmits   *int    `json:"retransmits,omitempty"`
	Jitter        *float64 `json:"jitter_ms,omitempty"`
	LostPackets   *int    `json:"lost_packets,omitempty"`
	Packets       *int    `json:"packets,omitempty"`
	LostPercent   *float64 `json:"lost_percent,omitempty"`
}

// CPUUtil is reported as absent/zero since this engine does not measure
// CPU utilisation, per spec.md §1's Non-goals.
type CPUUtil struct {
	HostTotal    float64 `json:"host_total"`
	RemoteTotal  float64 `json:"remote_total"`
}

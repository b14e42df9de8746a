// Package protomsg holds the typed wire representations exchanged on the
// iperf3 control connection (spec C3): TestParams and IPerf3Results.
// Field names are grounded on the teacher's Iperf3Params struct
// (CoreTex-network-test-api/main.go), expanded to the full field list
// spec.md §4.3 documents.
package protomsg

// TestParams is the JSON document the client sends after PARAM_EXCHANGE.
// Field names must match exactly for interop with the reference iperf3
// implementation; a zero value signals "use default" throughout.
type TestParams struct {
	TCP             bool   `json:"tcp,omitempty"`
	UDP             bool   `json:"udp,omitempty"`
	Omit            int    `json:"omit,omitempty"`
	Time            int    `json:"time,omitempty"`
	Num             int64  `json:"num,omitempty"`
	BlockCount      int64  `json:"blockcount,omitempty"`
	MSS             int    `json:"MSS,omitempty"`
	NoDelay         bool   `json:"nodelay,omitempty"`
	Parallel        int    `json:"parallel,omitempty"`
	Reverse         bool   `json:"reverse,omitempty"`
	Bidirectional   bool   `json:"bidirectional,omitempty"`
	Window          int    `json:"window,omitempty"`
	Len             int    `json:"len,omitempty"`
	Bandwidth       int64  `json:"bandwidth,omitempty"`
	FQRate          int64  `json:"fqrate,omitempty"`
	PacingTimer     int    `json:"pacing_timer,omitempty"`
	Burst           int    `json:"burst,omitempty"`
	TOS             int    `json:"TOS,omitempty"`
	FlowLabel       int    `json:"flowlabel,omitempty"`
	Title           string `json:"title,omitempty"`
	ExtraData       string `json:"extra_data,omitempty"`
	Congestion      string `json:"congestion,omitempty"`
	CongestionUsed  string `json:"congestion_used,omitempty"`
	GetServerOutput bool   `json:"get_server_output,omitempty"`
	UDPCounters64   bool   `json:"udp_counters_64bit,omitempty"`
	RepeatingPayload bool  `json:"repeating_payload,omitempty"`
	Zerocopy        bool   `json:"zerocopy,omitempty"`
	DontFragment    bool   `json:"dont_fragment,omitempty"`
	ClientVersion   string `json:"client_version,omitempty"`
}

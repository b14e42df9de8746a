// Command iperf3go-apid exposes the bandwidth-test engine over HTTP,
// the same shape as the teacher's Network Test API: a gorilla/mux
// router, a RunRequest/ApiResponse JSON contract, and a jsonResponse
// helper (CoreTex-network-test-api/main.go). Extended per SPEC_FULL.md
// §1.7 with endpoints to drive the long-lived server role, which the
// teacher's API never exposed since it only ran the client side.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/coretex-labs/iperf3go/internal/metrics"
	"github.com/coretex-labs/iperf3go/internal/progress"
	"github.com/coretex-labs/iperf3go/internal/protocol"
	"github.com/coretex-labs/iperf3go/internal/protomsg"
)

const apiVersion = "1.0.0"

var log = logrus.WithField("component", "apid")

// ApiResponse is the envelope every handler writes, grounded on the
// teacher's ApiResponse (main.go:557).
type ApiResponse struct {
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func jsonResponse(w http.ResponseWriter, resp ApiResponse, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// RunRequest is the body of POST /v1/client/run, generalizing the
// teacher's RunRequest (main.go:545) to the full TestConfiguration.
type RunRequest struct {
	ServerHost    string `json:"server_host"`
	ServerPort    int    `json:"server_port"`
	Protocol      string `json:"protocol"`
	Duration      int    `json:"duration"`
	Bytes         int64  `json:"bytes"`
	Parallel      int    `json:"parallel"`
	Reverse       bool   `json:"reverse"`
	Bidirectional bool   `json:"bidirectional"`
	Bandwidth     int64  `json:"bandwidth"`
}

func (r RunRequest) toConfig() protomsg.TestConfiguration {
	proto := protomsg.ProtocolTCP
	if r.Protocol == "udp" || r.Protocol == "UDP" {
		proto = protomsg.ProtocolUDP
	}
	duration := r.Duration
	if duration == 0 && r.Bytes == 0 {
		duration = 10
	}
	parallel := r.Parallel
	if parallel == 0 {
		parallel = 1
	}
	return protomsg.TestConfiguration{
		ServerHost:        r.ServerHost,
		ServerPort:        r.ServerPort,
		Protocol:          proto,
		Duration:          time.Duration(duration) * time.Second,
		BytesToTransfer:   r.Bytes,
		NumStreams:        parallel,
		BandwidthLimit:    r.Bandwidth,
		Reverse:           r.Reverse,
		Bidirectional:     r.Bidirectional,
		ReportingInterval: time.Second,
		BufferLength:      131072,
		Timeout:           30 * time.Second,
	}
}

// api holds the process-wide state a handful of handlers share: the
// one long-lived server instance and the metrics registry it feeds.
type api struct {
	mu        sync.Mutex
	server    *protocol.Server
	srvStream *progress.Stream
	srvHandle *protocol.CancelHandle

	reg       *prometheus.Registry
	collector *metrics.ServerCollector
}

func newAPI() *api {
	reg := prometheus.NewRegistry()
	return &api{
		reg:       reg,
		collector: metrics.NewServerCollector(reg, "iperf3go_apid"),
	}
}

// clientRun drives one client test synchronously, per the teacher's
// iperfClientRun handler, blocking the request until the test finishes.
func (a *api) clientRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonResponse(w, ApiResponse{Status: "error", Error: err.Error()}, http.StatusBadRequest)
		return
	}

	cfg := req.toConfig()
	log.WithFields(logrus.Fields{
		"host": cfg.ServerHost, "port": cfg.ServerPort, "protocol": cfg.Protocol,
	}).Info("client run requested")

	stream, handle, err := protocol.NewEngine().RunClientTest(cfg)
	if err != nil {
		jsonResponse(w, ApiResponse{Status: "error", Error: err.Error()}, http.StatusInternalServerError)
		return
	}
	defer handle.Cancel()

	var result *protomsg.TestResult
	var failMsg string
	for ev := range stream.Events() {
		switch ev.Kind {
		case progress.Complete:
			result = ev.Result
		case progress.Error:
			failMsg = ev.Message
		case progress.Cancelled:
			failMsg = "cancelled"
		}
	}

	if failMsg != "" {
		jsonResponse(w, ApiResponse{Status: "error", Error: failMsg}, http.StatusInternalServerError)
		return
	}
	jsonResponse(w, ApiResponse{Status: "ok", Data: result}, http.StatusOK)
}

type serverStartRequest struct {
	BindAddress string `json:"bind_address"`
	Port        int    `json:"port"`
}

func (a *api) serverStart(w http.ResponseWriter, r *http.Request) {
	var req serverStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonResponse(w, ApiResponse{Status: "error", Error: err.Error()}, http.StatusBadRequest)
		return
	}
	if req.Port == 0 {
		req.Port = 5201
	}
	if req.BindAddress == "" {
		req.BindAddress = "0.0.0.0"
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		jsonResponse(w, ApiResponse{Status: "error", Error: "server already running"}, http.StatusConflict)
		return
	}

	srv := protocol.NewServer()
	stream, handle, err := srv.Start(req.BindAddress, req.Port)
	if err != nil {
		jsonResponse(w, ApiResponse{Status: "error", Error: err.Error()}, http.StatusInternalServerError)
		return
	}
	a.server, a.srvStream, a.srvHandle = srv, stream, handle
	go a.collector.Watch(stream, srv.Status, nil)

	jsonResponse(w, ApiResponse{Status: "ok", Data: srv.Status()}, http.StatusOK)
}

func (a *api) serverStop(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		jsonResponse(w, ApiResponse{Status: "error", Error: "server is not running"}, http.StatusConflict)
		return
	}
	a.srvHandle.Cancel()
	a.server, a.srvStream, a.srvHandle = nil, nil, nil
	jsonResponse(w, ApiResponse{Status: "ok"}, http.StatusOK)
}

func (a *api) serverStatus(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	srv := a.server
	a.mu.Unlock()

	if srv == nil {
		jsonResponse(w, ApiResponse{Status: "ok", Data: protomsg.ServerStatus{Running: false}}, http.StatusOK)
		return
	}
	jsonResponse(w, ApiResponse{Status: "ok", Data: srv.Status()}, http.StatusOK)
}

func main() {
	addr := flag.String("addr", ":8080", "address to listen on")
	flag.Parse()

	a := newAPI()
	r := mux.NewRouter()

	r.HandleFunc("/v1/client/run", a.clientRun).Methods("POST")
	r.HandleFunc("/v1/server/start", a.serverStart).Methods("POST")
	r.HandleFunc("/v1/server/stop", a.serverStop).Methods("POST")
	r.HandleFunc("/v1/server/status", a.serverStatus).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, ApiResponse{Status: "healthy", Data: map[string]string{"version": apiVersion}}, http.StatusOK)
	}).Methods("GET")

	log.WithField("addr", *addr).Info("iperf3go-apid listening")
	log.Fatal(http.ListenAndServe(*addr, r))
}

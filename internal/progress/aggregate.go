package progress

import (
	"time"

	"github.com/coretex-labs/iperf3go/internal/protomsg"
)

// QualityScorer computes TestResult.QualityScore from the accumulated
// intervals. It is an external collaborator per spec.md §3; Aggregate
// leaves QualityScore at the sentinel 0 when scorer is nil.
type QualityScorer interface {
	Score(intervals []protomsg.IntervalResult, cfg protomsg.TestConfiguration) int
}

// Aggregate builds a terminal TestResult from the list of interval
// samples and the input configuration, per spec.md §4.6.
func Aggregate(intervals []protomsg.IntervalResult, cfg protomsg.TestConfiguration, scorer QualityScorer) protomsg.TestResult {
	result := protomsg.TestResult{
		Host:          cfg.ServerHost,
		Port:          cfg.ServerPort,
		Timestamp:     time.Now(),
		Protocol:      cfg.Protocol,
		Reverse:       cfg.Reverse,
		Bidirectional: cfg.Bidirectional,
		Intervals:     intervals,
		IsSuccess:     true,
	}

	if len(intervals) == 0 {
		result.Duration = cfg.Duration
		return result
	}

	var totalBytes int64
	var sumBps, minBps, maxBps float64
	minStart := intervals[0].StartTime
	maxEnd := intervals[0].EndTime
	var totalRetransmits int
	hasTCP := false
	var jitterSum float64
	var packets, lost, ooo int
	hasUDP := false

	for i, iv := range intervals {
		totalBytes += iv.BytesTransferred
		sumBps += iv.BitsPerSecond
		if i == 0 || iv.BitsPerSecond < minBps {
			minBps = iv.BitsPerSecond
		}
		if i == 0 || iv.BitsPerSecond > maxBps {
			maxBps = iv.BitsPerSecond
		}
		if iv.StartTime < minStart {
			minStart = iv.StartTime
		}
		if iv.EndTime > maxEnd {
			maxEnd = iv.EndTime
		}
		if iv.TCP != nil {
			hasTCP = true
			totalRetransmits += iv.TCP.Retransmits
		}
		if iv.UDP != nil {
			hasUDP = true
			jitterSum += iv.UDP.Jitter
			packets += iv.UDP.Packets
			lost += iv.UDP.LostPackets
			ooo += iv.UDP.OutOfOrderPackets
		}
	}

	result.TotalBytes = totalBytes
	result.AvgBandwidth = sumBps / float64(len(intervals))
	result.MinBandwidth = minBps
	result.MaxBandwidth = maxBps
	result.Duration = time.Duration((maxEnd - minStart) * float64(time.Second))

	if hasTCP {
		result.TCP = &protomsg.TCPAggregate{TotalRetransmits: totalRetransmits}
	}
	if hasUDP {
		result.UDP = &protomsg.UDPAggregate{
			AvgJitter:       jitterSum / float64(len(intervals)),
			TotalPackets:    packets,
			TotalLostPackets: lost,
			TotalOutOfOrder: ooo,
		}
	}

	if scorer != nil {
		result.QualityScore = scorer.Score(intervals, cfg)
	}

	return result
}

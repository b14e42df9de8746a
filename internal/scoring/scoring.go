// Package scoring implements the external "quality score" collaborator
// referenced by spec.md §3/§4.6: a 0-100 summary derived from interval
// statistics. Not present in the teacher; grounded in spec.md's glossary
// entry for "Quality score".
package scoring

import (
	"math"

	"github.com/coretex-labs/iperf3go/internal/protomsg"
)

// Scorer derives a 0-100 quality score from bandwidth stability
// (coefficient of variation across intervals) and, for TCP, retransmit
// rate when available.
type Scorer struct{}

func New() *Scorer { return &Scorer{} }

// Score implements progress.QualityScorer.
func (s *Scorer) Score(intervals []protomsg.IntervalResult, _ protomsg.TestConfiguration) int {
	if len(intervals) == 0 {
		return 0
	}

	mean, stddev := bandwidthStats(intervals)
	stabilityScore := 100.0
	if mean > 0 {
		cv := stddev / mean
		stabilityScore = 100.0 * math.Exp(-3*cv)
	}

	retransmitPenalty := 0.0
	totalBytes, totalRetransmits, hasTCP := retransmitStats(intervals)
	if hasTCP && totalBytes > 0 {
		// Roughly: 1 retransmit per 100 packets (assuming ~1460B MSS)
		// caps the penalty at 40 points.
		packets := float64(totalBytes) / 1460.0
		if packets > 0 {
			rate := float64(totalRetransmits) / packets
			retransmitPenalty = math.Min(40, rate*4000)
		}
	}

	score := stabilityScore - retransmitPenalty
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(math.Round(score))
}

func bandwidthStats(intervals []protomsg.IntervalResult) (mean, stddev float64) {
	var sum float64
	for _, iv := range intervals {
		sum += iv.BitsPerSecond
	}
	mean = sum / float64(len(intervals))

	var variance float64
	for _, iv := range intervals {
		d := iv.BitsPerSecond - mean
		variance += d * d
	}
	variance /= float64(len(intervals))
	stddev = math.Sqrt(variance)
	return mean, stddev
}

func retransmitStats(intervals []protomsg.IntervalResult) (totalBytes int64, totalRetransmits int, hasTCP bool) {
	for _, iv := range intervals {
		totalBytes += iv.BytesTransferred
		if iv.TCP != nil {
			hasTCP = true
			totalRetransmits += iv.TCP.Retransmits
		}
	}
	return
}

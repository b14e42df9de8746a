package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coretex-labs/iperf3go/internal/protomsg"
)

func TestStreamEmitsTerminalLastAndClosesOnce(t *testing.T) {
	s := NewStream(4)
	s.Emit(Event{Kind: Idle})
	s.Emit(Event{Kind: Connecting, Host: "h", Port: 5201})
	s.Emit(Event{Kind: Complete, Result: &protomsg.TestResult{}})
	// A second terminal emit must not panic (double-close).
	require.NotPanics(t, func() {
		s.Emit(Event{Kind: Error, Message: "late"})
	})

	var kinds []EventKind
	for ev := range s.Events() {
		kinds = append(kinds, ev.Kind)
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, Complete, kinds[len(kinds)-1])
}

func TestStreamDropsOldestNonTerminalUnderBackpressure(t *testing.T) {
	s := NewStream(1)
	s.Emit(Event{Kind: Interval, ElapsedMs: 1})
	s.Emit(Event{Kind: Interval, ElapsedMs: 2})
	s.Emit(Event{Kind: Cancelled})

	var last Event
	for ev := range s.Events() {
		last = ev
	}
	assert.Equal(t, Cancelled, last.Kind)
}

func TestAggregateEmpty(t *testing.T) {
	cfg := protomsg.DefaultTestConfiguration()
	cfg.Duration = 3 * time.Second
	result := Aggregate(nil, cfg, nil)
	assert.Equal(t, cfg.Duration, result.Duration)
	assert.Equal(t, int64(0), result.TotalBytes)
}

func TestAggregateComputesMinMaxAvgAndDuration(t *testing.T) {
	intervals := []protomsg.IntervalResult{
		protomsg.NewIntervalResult(0, 0, 1, 1_000_000),
		protomsg.NewIntervalResult(0, 1, 2, 2_000_000),
		protomsg.NewIntervalResult(0, 2, 3, 500_000),
	}
	cfg := protomsg.DefaultTestConfiguration()
	result := Aggregate(intervals, cfg, nil)

	assert.Equal(t, int64(3_500_000), result.TotalBytes)
	assert.Equal(t, 3*time.Second, result.Duration)
	assert.True(t, result.MinBandwidth <= result.AvgBandwidth)
	assert.True(t, result.AvgBandwidth <= result.MaxBandwidth)
	assert.Equal(t, 0, result.QualityScore)
}

type stubScorer struct{ score int }

func (s stubScorer) Score(_ []protomsg.IntervalResult, _ protomsg.TestConfiguration) int {
	return s.score
}

func TestAggregateUsesScorerWhenProvided(t *testing.T) {
	intervals := []protomsg.IntervalResult{protomsg.NewIntervalResult(0, 0, 1, 1000)}
	cfg := protomsg.DefaultTestConfiguration()
	result := Aggregate(intervals, cfg, stubScorer{score: 87})
	assert.Equal(t, 87, result.QualityScore)
}

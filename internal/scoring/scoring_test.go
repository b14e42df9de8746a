package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/coretex-labs/iperf3go/internal/protomsg"
)

func TestScoreEmptyIsZero(t *testing.T) {
	s := New()
	assert.Equal(t, 0, s.Score(nil, protomsg.TestConfiguration{}))
}

func TestScoreStableBandwidthIsHigh(t *testing.T) {
	s := New()
	intervals := []protomsg.IntervalResult{
		protomsg.NewIntervalResult(0, 0, 1, 1_000_000),
		protomsg.NewIntervalResult(0, 1, 2, 1_000_000),
		protomsg.NewIntervalResult(0, 2, 3, 1_000_000),
	}
	score := s.Score(intervals, protomsg.TestConfiguration{})
	assert.GreaterOrEqual(t, score, 95)
}

func TestScoreVolatileBandwidthIsLower(t *testing.T) {
	s := New()
	stable := []protomsg.IntervalResult{
		protomsg.NewIntervalResult(0, 0, 1, 1_000_000),
		protomsg.NewIntervalResult(0, 1, 2, 1_000_000),
	}
	volatile := []protomsg.IntervalResult{
		protomsg.NewIntervalResult(0, 0, 1, 100_000),
		protomsg.NewIntervalResult(0, 1, 2, 2_000_000),
	}
	assert.Greater(t, s.Score(stable, protomsg.TestConfiguration{}), s.Score(volatile, protomsg.TestConfiguration{}))
}

func TestScoreBoundedTo100(t *testing.T) {
	s := New()
	intervals := []protomsg.IntervalResult{
		protomsg.NewIntervalResult(0, 0, 1, 1_000_000),
	}
	assert.LessOrEqual(t, s.Score(intervals, protomsg.TestConfiguration{}), 100)
}

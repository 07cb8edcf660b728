package timing

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	tt := NewTracker(0)
	for _, ms := range []int{1, 2, 3, 4} {
		tt.Record("cycle", time.Duration(ms)*time.Millisecond)
	}

	s := tt.Summarize("cycle")
	assert.Equal(t, 4, s.Count)
	assert.InDelta(t, 2.5, s.MeanMs, 1e-9)
	assert.InDelta(t, 1.2909944, s.StdMs, 1e-6)
	assert.InDelta(t, 4.0, s.MaxMs, 1e-9)
	assert.InDelta(t, 4.0, s.P95Ms, 1e-9)
	assert.Contains(t, tt.SummarizeAll(), "cycle")
}

func TestWindowKeepsMostRecent(t *testing.T) {
	tt := NewTracker(2)
	tt.Record("warp", time.Millisecond)
	tt.Record("warp", 2*time.Millisecond)
	tt.Record("warp", 3*time.Millisecond)

	assert.Equal(t, []time.Duration{2 * time.Millisecond, 3 * time.Millisecond}, tt.GetTimings("warp"))
}

func TestTimeRecordsFailures(t *testing.T) {
	tt := NewTracker(0)

	err := tt.Time("extract", func() error { return errors.New("fail") })
	assert.Error(t, err)
	assert.Len(t, tt.GetTimings("extract"), 1)
	assert.Nil(t, tt.GetTimings("contours"))
}

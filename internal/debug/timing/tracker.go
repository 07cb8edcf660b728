// Package timing records per-operation durations of detection cycles and
// summarises them.
package timing

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultWindow is the number of most recent samples kept per operation.
const DefaultWindow = 256

// Summary describes the retained samples of one operation, in milliseconds.
type Summary struct {
	Count  int
	MeanMs float64
	StdMs  float64
	P95Ms  float64
	MaxMs  float64
}

type Tracker struct {
	timings map[string][]time.Duration
	mu      sync.RWMutex
	window  int
}

func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		timings: make(map[string][]time.Duration),
		window:  window,
	}
}

// Time runs fn and records its duration under operation.
func (tt *Tracker) Time(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	tt.Record(operation, time.Since(start))
	return err
}

func (tt *Tracker) Record(operation string, d time.Duration) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	samples := append(tt.timings[operation], d)
	if len(samples) > tt.window {
		samples = samples[len(samples)-tt.window:]
	}
	tt.timings[operation] = samples
}

func (tt *Tracker) GetTimings(operation string) []time.Duration {
	tt.mu.RLock()
	defer tt.mu.RUnlock()

	timings := tt.timings[operation]
	if timings == nil {
		return nil
	}

	result := make([]time.Duration, len(timings))
	copy(result, timings)
	return result
}

func (tt *Tracker) Summarize(operation string) Summary {
	timings := tt.GetTimings(operation)
	if len(timings) == 0 {
		return Summary{}
	}

	ms := make([]float64, len(timings))
	for i, d := range timings {
		ms[i] = float64(d) / float64(time.Millisecond)
	}
	sort.Float64s(ms)

	mean, std := stat.MeanStdDev(ms, nil)
	if len(ms) < 2 {
		std = 0
	}

	return Summary{
		Count:  len(ms),
		MeanMs: mean,
		StdMs:  std,
		P95Ms:  stat.Quantile(0.95, stat.Empirical, ms, nil),
		MaxMs:  ms[len(ms)-1],
	}
}

// SummarizeAll returns a summary for every operation with samples.
func (tt *Tracker) SummarizeAll() map[string]Summary {
	tt.mu.RLock()
	ops := make([]string, 0, len(tt.timings))
	for op := range tt.timings {
		ops = append(ops, op)
	}
	tt.mu.RUnlock()

	result := make(map[string]Summary, len(ops))
	for _, op := range ops {
		result[op] = tt.Summarize(op)
	}
	return result
}

package chain

import (
	"context"
	"errors"
	"testing"

	"doc-rectifier/internal/config"
	"doc-rectifier/internal/debug/timing"
	"doc-rectifier/internal/opencv/memory"
	"doc-rectifier/internal/opencv/safe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type recordStep struct {
	name    string
	enabled bool
	seen    *[]string
	fail    error
	closed  bool
}

func (r *recordStep) Name() string { return r.name }
func (r *recordStep) ShouldExecute(config.Config) bool { return r.enabled }

func (r *recordStep) OutputShape(*safe.Mat, config.Config) (int, int, gocv.MatType) {
	return 2, 2, gocv.MatTypeCV8UC1
}

func (r *recordStep) Apply(_ context.Context, in, out *safe.Mat, _ config.Config) error {
	if in == out {
		return errors.New("aliased buffers")
	}
	*r.seen = append(*r.seen, r.name)
	if r.fail != nil {
		return r.fail
	}
	if out.Rows() != 2 || out.Cols() != 2 {
		return errors.New("output not sized before Apply")
	}
	return nil
}

func (r *recordStep) Close() error {
	r.closed = true
	return nil
}

func TestChainAlternatesBuffersAndSkipsDisabled(t *testing.T) {
	arena := memory.NewArena(nil, nil)
	defer arena.Release()

	var seen []string
	timer := timing.NewTracker(0)
	steps := []ProcessingStep{
		&recordStep{name: "one", enabled: true, seen: &seen},
		&recordStep{name: "skipped", enabled: false, seen: &seen},
		&recordStep{name: "two", enabled: true, seen: &seen},
		&recordStep{name: "three", enabled: true, seen: &seen},
	}
	pc, err := NewProcessingChain(arena, "pre", timer, steps...)
	require.NoError(t, err)

	input, err := safe.NewMat(2, 2, gocv.MatTypeCV8UC1)
	require.NoError(t, err)
	defer input.Close()

	out, err := pc.Execute(context.Background(), input, config.Default())
	require.NoError(t, err)

	assert.Equal(t, []string{"one", "two", "three"}, seen)
	assert.Same(t, pc.bufs[0], out)
	assert.Len(t, timer.GetTimings("two"), 1)
	assert.Equal(t, []string{"one", "skipped", "two", "three"}, pc.GetStepNames())

	require.NoError(t, pc.Close())
	assert.True(t, steps[0].(*recordStep).closed)

	stats := arena.Stats()
	assert.Equal(t, int64(2), stats.Allocations, "one allocation per buffer")
	assert.Equal(t, int64(1), stats.Reuses)
}

// shrinkStep halves its input on every call.
type shrinkStep struct{ name string }

func (s shrinkStep) Name() string { return s.name }
func (s shrinkStep) ShouldExecute(config.Config) bool { return true }

func (s shrinkStep) OutputShape(in *safe.Mat, _ config.Config) (int, int, gocv.MatType) {
	return in.Rows() / 2, in.Cols() / 2, gocv.MatTypeCV8UC1
}

func (s shrinkStep) Apply(_ context.Context, in, out *safe.Mat, _ config.Config) error {
	return nil
}

func TestChainReusesBuffersAcrossFrameSizes(t *testing.T) {
	arena := memory.NewArena(nil, nil)
	defer arena.Release()

	pc, err := NewProcessingChain(arena, "pre", nil, shrinkStep{"a"}, shrinkStep{"b"})
	require.NoError(t, err)

	large, err := safe.NewMat(40, 40, gocv.MatTypeCV8UC1)
	require.NoError(t, err)
	defer large.Close()
	small, err := safe.NewMat(20, 20, gocv.MatTypeCV8UC1)
	require.NoError(t, err)
	defer small.Close()

	_, err = pc.Execute(context.Background(), large, config.Default())
	require.NoError(t, err)
	allocations := arena.Stats().Allocations

	for i := 0; i < 3; i++ {
		out, err := pc.Execute(context.Background(), small, config.Default())
		require.NoError(t, err)
		assert.Equal(t, 5, out.Rows())

		_, err = pc.Execute(context.Background(), large, config.Default())
		require.NoError(t, err)
	}
	assert.Equal(t, allocations, arena.Stats().Allocations)
}

func TestChainReturnsInputWhenNothingRuns(t *testing.T) {
	arena := memory.NewArena(nil, nil)
	defer arena.Release()

	var seen []string
	pc, err := NewProcessingChain(arena, "pre", nil, &recordStep{name: "off", seen: &seen})
	require.NoError(t, err)

	input := safe.NewEmptyMat(nil, "in")
	defer input.Close()

	out, err := pc.Execute(context.Background(), input, config.Default())
	require.NoError(t, err)
	assert.Same(t, input, out)
}

func TestChainStopsOnErrorAndCancellation(t *testing.T) {
	arena := memory.NewArena(nil, nil)
	defer arena.Release()

	var seen []string
	boom := errors.New("boom")
	pc, err := NewProcessingChain(arena, "pre", nil,
		&recordStep{name: "bad", enabled: true, seen: &seen, fail: boom},
		&recordStep{name: "never", enabled: true, seen: &seen},
	)
	require.NoError(t, err)

	input := safe.NewEmptyMat(nil, "in")
	defer input.Close()

	_, err = pc.Execute(context.Background(), input, config.Default())
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, []string{"bad"}, seen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pc.Execute(ctx, input, config.Default())
	assert.True(t, errors.Is(err, context.Canceled))
}

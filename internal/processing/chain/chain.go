// Package chain runs an ordered list of processing steps over two
// alternating scratch matrices.
package chain

import (
	"context"
	"fmt"
	"io"
	"time"

	"doc-rectifier/internal/config"
	"doc-rectifier/internal/debug/timing"
	"doc-rectifier/internal/opencv/memory"
	"doc-rectifier/internal/opencv/safe"

	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

// ProcessingStep reads in and writes out. The two are always distinct.
// OutputShape tells the chain how to size out before Apply runs.
type ProcessingStep interface {
	Apply(ctx context.Context, in, out *safe.Mat, cfg config.Config) error
	OutputShape(in *safe.Mat, cfg config.Config) (rows, cols int, matType gocv.MatType)
	Name() string
	ShouldExecute(cfg config.Config) bool
}

type ProcessingChain struct {
	steps []ProcessingStep
	arena *memory.Arena
	tags  [2]string
	bufs  [2]*safe.Mat
	timer *timing.Tracker
}

// NewProcessingChain takes its two scratch buffers from arena under the
// given tag prefix. timer may be nil.
func NewProcessingChain(arena *memory.Arena, tag string, timer *timing.Tracker, steps ...ProcessingStep) (*ProcessingChain, error) {
	tags := [2]string{tag + "_a", tag + "_b"}
	a, err := arena.Get(tags[0])
	if err != nil {
		return nil, err
	}
	b, err := arena.Get(tags[1])
	if err != nil {
		return nil, err
	}

	return &ProcessingChain{
		steps: steps,
		arena: arena,
		tags:  tags,
		bufs:  [2]*safe.Mat{a, b},
		timer: timer,
	}, nil
}

// Execute runs every enabled step and returns the matrix holding the final
// result: input itself when no step ran, otherwise one of the chain's
// buffers, valid until the next Execute.
func (pc *ProcessingChain) Execute(ctx context.Context, input *safe.Mat, cfg config.Config) (*safe.Mat, error) {
	current := input
	next := 0

	for _, step := range pc.steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !step.ShouldExecute(cfg) {
			continue
		}

		rows, cols, matType := step.OutputShape(current, cfg)
		out, err := pc.arena.Sized(pc.tags[next], rows, cols, matType)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step.Name(), err)
		}

		start := time.Now()
		if err := step.Apply(ctx, current, out, cfg); err != nil {
			return nil, fmt.Errorf("step %s failed: %w", step.Name(), err)
		}
		if pc.timer != nil {
			pc.timer.Record(step.Name(), time.Since(start))
		}

		current = out
		next = 1 - next
	}

	return current, nil
}

func (pc *ProcessingChain) GetStepNames() []string {
	names := make([]string, len(pc.steps))
	for i, step := range pc.steps {
		names[i] = step.Name()
	}
	return names
}

// Close releases step-owned resources. The scratch buffers belong to the
// arena.
func (pc *ProcessingChain) Close() error {
	var err error
	for _, step := range pc.steps {
		if c, ok := step.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}

package filters

import (
	"context"
	"fmt"
	"image"
	"sync"

	"doc-rectifier/internal/config"
	"doc-rectifier/internal/opencv/memory"
	"doc-rectifier/internal/opencv/safe"

	"gocv.io/x/gocv"
)

// ellipseKernel caches the structuring element between frames.
type ellipseKernel struct {
	mu     sync.Mutex
	size   int
	kernel gocv.Mat
	valid  bool
}

func (e *ellipseKernel) get(size int) gocv.Mat {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.valid && e.size == size {
		return e.kernel
	}
	if e.valid {
		e.kernel.Close()
	}
	e.kernel = gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(size, size))
	e.size = size
	e.valid = true
	return e.kernel
}

func (e *ellipseKernel) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.valid {
		return nil
	}
	e.valid = false
	return e.kernel.Close()
}

// DilateFilter thickens edges so broken document outlines close up.
type DilateFilter struct {
	kernel ellipseKernel
}

func NewDilateFilter() *DilateFilter {
	return &DilateFilter{}
}

func (d *DilateFilter) Name() string {
	return "dilate"
}

func (d *DilateFilter) ShouldExecute(cfg config.Config) bool {
	return cfg.KernelSize > 0
}

func (d *DilateFilter) OutputShape(in *safe.Mat, _ config.Config) (int, int, gocv.MatType) {
	return sameShape(in)
}

func (d *DilateFilter) Apply(ctx context.Context, in, out *safe.Mat, cfg config.Config) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := safe.ValidateMatForOperation(in, "Dilate"); err != nil {
		return err
	}

	if err := gocv.Dilate(in.GetMat(), out.Ptr(), d.kernel.get(cfg.KernelSize)); err != nil {
		return fmt.Errorf("dilate failed: %w", err)
	}
	return nil
}

func (d *DilateFilter) Close() error {
	return d.kernel.Close()
}

// Background labels written by GrabCut.
const (
	gcBackground         = 0
	gcProbableBackground = 2
)

// GrabCut keeps a Gaussian mixture of 5 components with 13 parameters each
// per model.
const gcModelSize = 5 * 13

// BackgroundRemovalFilter closes small gaps in the frame, then runs GrabCut
// seeded with a rectangle inset by cfg.GrabCutMargin and blacks out every
// pixel labelled background or probable background. It is slow and meant
// for still frames. Its label mask and colour models live in arena.
type BackgroundRemovalFilter struct {
	kernel ellipseKernel
	arena  *memory.Arena
}

func NewBackgroundRemovalFilter(arena *memory.Arena) *BackgroundRemovalFilter {
	return &BackgroundRemovalFilter{arena: arena}
}

func (b *BackgroundRemovalFilter) Name() string {
	return "background_removal"
}

func (b *BackgroundRemovalFilter) ShouldExecute(cfg config.Config) bool {
	return cfg.ApplyBackgroundRemoval
}

func (b *BackgroundRemovalFilter) OutputShape(in *safe.Mat, _ config.Config) (int, int, gocv.MatType) {
	return sameShape(in)
}

func (b *BackgroundRemovalFilter) Apply(ctx context.Context, in, out *safe.Mat, cfg config.Config) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if err := safe.ValidateMatForOperation(in, "GrabCut"); err != nil {
		return err
	}
	if in.Channels() != 3 {
		return fmt.Errorf("background removal requires a 3 channel frame, got %d", in.Channels())
	}

	if err := gocv.MorphologyExWithParams(in.GetMat(), out.Ptr(), gocv.MorphClose,
		b.kernel.get(cfg.KernelSize), cfg.CloseIterations, gocv.BorderConstant); err != nil {
		return fmt.Errorf("morphological close failed: %w", err)
	}

	rows, cols := out.Rows(), out.Cols()
	m := cfg.GrabCutMargin
	rect := image.Rect(m, m, cols-m, rows-m)
	if rect.Dx() <= 0 || rect.Dy() <= 0 {
		return nil
	}

	mask, err := b.arena.Sized("grabcut_mask", rows, cols, gocv.MatTypeCV8UC1)
	if err != nil {
		return err
	}
	bgdModel, err := b.arena.Sized("grabcut_bgd", 1, gcModelSize, gocv.MatTypeCV64FC1)
	if err != nil {
		return err
	}
	fgdModel, err := b.arena.Sized("grabcut_fgd", 1, gcModelSize, gocv.MatTypeCV64FC1)
	if err != nil {
		return err
	}

	if err := gocv.GrabCut(out.GetMat(), mask.Ptr(), rect, bgdModel.Ptr(), fgdModel.Ptr(),
		cfg.GrabCutIterations, gocv.GCInitWithRect); err != nil {
		return fmt.Errorf("grabcut failed: %w", err)
	}

	if err := checkContext(ctx); err != nil {
		return err
	}

	labels, err := mask.Bytes()
	if err != nil {
		return fmt.Errorf("failed to read grabcut mask: %w", err)
	}
	pix, err := out.Bytes()
	if err != nil {
		return fmt.Errorf("failed to access frame: %w", err)
	}

	for i, label := range labels {
		if label == gcBackground || label == gcProbableBackground {
			pix[3*i], pix[3*i+1], pix[3*i+2] = 0, 0, 0
		}
	}
	return nil
}

func (b *BackgroundRemovalFilter) Close() error {
	return b.kernel.Close()
}

// Package detector finds a document-shaped quadrilateral in a foreground mask
// or camera frame and optionally rectifies it.
//
// A Detector runs one cycle at a time. A call that arrives while a cycle is
// in flight is dropped: it returns the last good contour immediately and
// touches no scratch. Scratch matrices are allocated by Initialize, reused by
// every cycle and freed by Release.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"doc-rectifier/internal/config"
	"doc-rectifier/internal/debug/memtracker"
	"doc-rectifier/internal/debug/timing"
	"doc-rectifier/internal/geometry"
	"doc-rectifier/internal/logger"
	"doc-rectifier/internal/models"
	"doc-rectifier/internal/opencv/conversion"
	"doc-rectifier/internal/opencv/memory"
	"doc-rectifier/internal/opencv/safe"
	"doc-rectifier/internal/processing/chain"
	"doc-rectifier/internal/processing/contour"
	"doc-rectifier/internal/processing/edges"
	"doc-rectifier/internal/processing/filters"
	"doc-rectifier/internal/processing/rectify"

	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

const component = "Detector"

type cycleState int

const (
	stateIdle cycleState = iota
	stateBusy
)

type lifecycle int

const (
	lifeNew lifecycle = iota
	lifeReady
	lifeReleased
)

// Stats is a snapshot of detector activity.
type Stats struct {
	Cycles    int64
	Dropped   int64
	Found     int64
	NotFound  int64
	Errors    int64
	Cancelled int64
	Arena     memory.Stats
	Timings   map[string]timing.Summary
}

type Option func(*Detector)

func WithLogger(log logger.Logger) Option {
	return func(d *Detector) { d.log = log }
}

// WithEdgeExtractor replaces the extractor chosen by config for the mask
// entry points.
func WithEdgeExtractor(ex edges.Extractor) Option {
	return func(d *Detector) {
		d.extractor = ex
		d.injectedExtractor = true
	}
}

func WithTimer(t *timing.Tracker) Option {
	return func(d *Detector) { d.timer = t }
}

func WithMemTracker(mt *memtracker.Tracker) Option {
	return func(d *Detector) { d.memTracker = mt }
}

type Detector struct {
	cfg        config.Config
	log        logger.Logger
	timer      *timing.Tracker
	memTracker *memtracker.Tracker

	mu             sync.Mutex
	state          cycleState
	life           lifecycle
	pendingRelease bool
	current        []geometry.Point
	stats          Stats

	extractor         edges.Extractor
	injectedExtractor bool

	arena  *memory.Arena
	finder *contour.Finder
	frames *chain.ProcessingChain

	maskMat       *safe.Mat
	frameMat      *safe.Mat
	warpedMat     *safe.Mat
	homographyMat *safe.Mat
	outputMat     *safe.Mat
	rgbaMat       *safe.Mat
}

func New(cfg config.Config, opts ...Option) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}

	d := &Detector{cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = logger.Nop()
	}
	if d.timer == nil {
		d.timer = timing.NewTracker(0)
	}
	return d, nil
}

func (d *Detector) Config() config.Config {
	return d.cfg
}

// Initialize allocates the scratch every cycle reuses. Calling it on a ready
// detector is a no-op.
func (d *Detector) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.life {
	case lifeReady:
		return nil
	case lifeReleased:
		return models.ErrReleased
	}

	var tracker safe.MemoryTracker
	if d.memTracker != nil {
		tracker = d.memTracker
	}
	arena := memory.NewArena(tracker, d.log)

	if err := d.allocate(arena); err != nil {
		releaseErr := arena.Release()
		return multierr.Append(fmt.Errorf("failed to initialize detector: %w", err), releaseErr)
	}

	d.arena = arena
	d.life = lifeReady
	d.log.Info(component, "initialized", map[string]interface{}{
		"edge_strategy":          d.extractorName(),
		"background_removal":     d.cfg.ApplyBackgroundRemoval,
		"perspective_correction": d.cfg.ApplyPerspectiveRectification,
		"frame_steps":            d.frames.GetStepNames(),
	})
	return nil
}

func (d *Detector) allocate(arena *memory.Arena) error {
	var err error
	if d.maskMat, err = arena.Get("mask"); err != nil {
		return err
	}
	if d.frameMat, err = arena.Get("frame"); err != nil {
		return err
	}
	if d.warpedMat, err = arena.Get("warped"); err != nil {
		return err
	}
	if d.homographyMat, err = arena.Get("homography"); err != nil {
		return err
	}
	if d.outputMat, err = arena.Get("output"); err != nil {
		return err
	}
	if d.rgbaMat, err = arena.Get("rgba"); err != nil {
		return err
	}

	hierarchy, err := arena.Get("hierarchy")
	if err != nil {
		return err
	}
	d.finder = contour.NewFinder(hierarchy)

	d.frames, err = chain.NewProcessingChain(arena, "preprocess", d.timer,
		filters.NewResizeFilter(),
		filters.NewBackgroundRemovalFilter(arena),
		filters.NewGrayscaleConverter(),
		filters.NewGaussianFilter(),
		filters.NewCannyFilter(),
		filters.NewDilateFilter(),
	)
	if err != nil {
		return err
	}

	if !d.injectedExtractor {
		if d.extractor, err = edges.New(d.cfg); err != nil {
			return err
		}
	}
	return nil
}

// Release frees all scratch exactly once. If a cycle is in flight the
// scratch is freed when it finishes.
func (d *Detector) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.life == lifeReleased {
		return nil
	}
	wasReady := d.life == lifeReady
	d.life = lifeReleased

	if !wasReady {
		return nil
	}
	if d.state == stateBusy {
		d.pendingRelease = true
		return nil
	}
	return d.releaseLocked()
}

func (d *Detector) releaseLocked() error {
	var err error
	if d.frames != nil {
		err = multierr.Append(err, d.frames.Close())
	}
	if c, ok := d.extractor.(io.Closer); ok && !d.injectedExtractor {
		err = multierr.Append(err, c.Close())
	}
	if d.arena != nil {
		err = multierr.Append(err, d.arena.Release())
	}

	d.current = nil
	d.log.Info(component, "released", map[string]interface{}{"cycles": d.stats.Cycles})
	return err
}

// Current returns a copy of the last good contour.
func (d *Detector) Current() []geometry.Point {
	d.mu.Lock()
	defer d.mu.Unlock()

	return copyPoints(d.current)
}

func (d *Detector) Stats() Stats {
	d.mu.Lock()
	s := d.stats
	if d.arena != nil {
		s.Arena = d.arena.Stats()
	}
	d.mu.Unlock()

	s.Timings = d.timer.SummarizeAll()
	return s
}

// begin moves Idle to Busy. When the detector is already busy it returns a
// dropped result instead.
func (d *Detector) begin() (models.Result, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.life {
	case lifeNew:
		return models.Result{}, false, models.ErrNotInitialized
	case lifeReleased:
		return models.Result{}, false, models.ErrReleased
	}

	if d.state == stateBusy {
		d.stats.Dropped++
		d.log.Debug(component, "dropped frame", map[string]interface{}{"dropped": d.stats.Dropped})
		return models.Result{Status: models.StatusDropped, Corners: copyPoints(d.current)}, false, nil
	}

	d.state = stateBusy
	d.stats.Cycles++
	return models.Result{}, true, nil
}

// finish returns to Idle and records the outcome. On error or cancellation
// the last good contour is kept.
func (d *Detector) finish(res *models.Result, err error, start time.Time) {
	d.timer.Record("cycle", time.Since(start))

	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case IsCancelled(err):
		d.stats.Cancelled++
	case err != nil && !errors.Is(err, models.ErrDegenerateQuad):
		d.stats.Errors++
	case res.Status == models.StatusFound:
		d.stats.Found++
		d.current = copyPoints(res.Corners)
	default:
		d.stats.NotFound++
		d.current = nil
	}
	if errors.Is(err, models.ErrDegenerateQuad) {
		d.stats.Errors++
	}

	d.state = stateIdle
	if d.pendingRelease {
		d.pendingRelease = false
		if relErr := d.releaseLocked(); relErr != nil {
			d.log.Error(component, relErr, nil)
		}
	}
}

// IsCancelled reports whether err came from a cancelled or expired context
// rather than from the frame itself.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// DetectMask searches a foreground mask and returns corners in mask
// coordinates.
func (d *Detector) DetectMask(buf models.SampleBuffer) (models.Result, error) {
	return d.detectMask(buf, false)
}

// DetectMaskDebug is DetectMask that also returns the edge map the contour
// search ran on.
func (d *Detector) DetectMaskDebug(buf models.SampleBuffer) (models.Result, error) {
	return d.detectMask(buf, true)
}

func (d *Detector) detectMask(buf models.SampleBuffer, debug bool) (res models.Result, err error) {
	res, ok, err := d.begin()
	if !ok {
		return res, err
	}
	start := time.Now()
	defer func() { d.finish(&res, err, start) }()

	if err = buf.Validate(); err != nil {
		return models.Result{}, err
	}
	res.FrameSize = image.Pt(buf.Width, buf.Height)

	if d.maskMat, err = d.arena.Sized("mask", buf.Height, buf.Width, gocv.MatTypeCV8UC1); err != nil {
		return models.Result{}, err
	}
	if err = d.prepareMask(buf); err != nil {
		return models.Result{}, err
	}

	if debug {
		em, convErr := conversion.MatrixToEdgeMap(d.maskMat)
		if convErr != nil {
			err = convErr
			return models.Result{}, err
		}
		res.EdgeMap = &em
	}

	var best contour.Candidate
	var found bool
	err = d.timer.Time("contours", func() error {
		var findErr error
		best, found, findErr = d.finder.FindQuad(d.maskMat, d.cfg.MaskMinArea())
		return findErr
	})
	if err != nil {
		return models.Result{}, err
	}

	d.report(&res, best, found, 1, 1)
	return res, nil
}

// prepareMask fills the mask scratch with either the binarized buffer or the
// extractor's edges.
func (d *Detector) prepareMask(buf models.SampleBuffer) error {
	if d.extractor == nil {
		return conversion.ToMatrix(buf, d.maskMat)
	}

	var em models.EdgeMap
	err := d.timer.Time("extract", func() error {
		var exErr error
		em, exErr = d.extractor.ExtractEdges(buf)
		return exErr
	})
	if err != nil {
		return fmt.Errorf("%s edge extraction failed: %w", d.extractor.Name(), err)
	}
	return conversion.EdgeMapToMatrix(em, d.maskMat)
}

// DetectFrame runs the camera pipeline on frame. Corners are reported in
// frame coordinates. With perspective rectification enabled the result also
// carries the rectified document.
func (d *Detector) DetectFrame(ctx context.Context, frame *image.RGBA) (res models.Result, err error) {
	if err := ctx.Err(); err != nil {
		return models.Result{}, err
	}
	if frame == nil {
		return models.Result{}, fmt.Errorf("%w: nil frame", models.ErrInvalidDimensions)
	}

	res, ok, err := d.begin()
	if !ok {
		return res, err
	}
	start := time.Now()
	defer func() { d.finish(&res, err, start) }()

	bounds := frame.Bounds()
	if d.frameMat, err = d.arena.Sized("frame", bounds.Dy(), bounds.Dx(), gocv.MatTypeCV8UC3); err != nil {
		return models.Result{}, err
	}
	if err = conversion.RGBAToBGR(frame, d.frameMat); err != nil {
		return models.Result{}, err
	}
	res.FrameSize = d.frameMat.Size()

	edgesMat, err := d.frames.Execute(ctx, d.frameMat, d.cfg)
	if err != nil {
		return models.Result{}, err
	}

	var best contour.Candidate
	var found bool
	err = d.timer.Time("contours", func() error {
		var findErr error
		best, found, findErr = d.finder.FindQuad(edgesMat, d.cfg.FrameMinArea())
		return findErr
	})
	if err != nil {
		return models.Result{}, err
	}

	sx := float64(res.FrameSize.X) / float64(edgesMat.Cols())
	sy := float64(res.FrameSize.Y) / float64(edgesMat.Rows())
	d.report(&res, best, found, sx, sy)

	if !found || !d.cfg.ApplyPerspectiveRectification {
		return res, nil
	}

	err = d.timer.Time("warp", func() error {
		var warpErr error
		res.Rectified, warpErr = d.rectify(res.Corners, res.FrameSize)
		return warpErr
	})
	if err != nil {
		d.log.Warning(component, "rectification failed", map[string]interface{}{"error": err.Error()})
		return res, err
	}
	return res, nil
}

func (d *Detector) rectify(corners []geometry.Point, frameSize image.Point) (*image.RGBA, error) {
	oc, ok := geometry.OrderSlice(corners)
	if !ok {
		return nil, fmt.Errorf("%w: %d corners", models.ErrDegenerateQuad, len(corners))
	}

	t, err := rectify.ComputeTransform(oc)
	if err != nil {
		return nil, err
	}

	if d.warpedMat, err = d.arena.Sized("warped", t.Size.Y, t.Size.X, gocv.MatTypeCV8UC3); err != nil {
		return nil, err
	}
	if d.homographyMat, err = d.arena.Sized("homography", 3, 3, gocv.MatTypeCV64FC1); err != nil {
		return nil, err
	}
	if err := rectify.Warp(d.frameMat, t, d.homographyMat, d.warpedMat); err != nil {
		return nil, err
	}

	out := d.warpedMat
	if d.cfg.ResizeOutput {
		if d.outputMat, err = d.arena.Sized("output", frameSize.Y, frameSize.X, gocv.MatTypeCV8UC3); err != nil {
			return nil, err
		}
		if err := gocv.Resize(d.warpedMat.GetMat(), d.outputMat.Ptr(), frameSize, 0, 0, gocv.InterpolationLinear); err != nil {
			return nil, fmt.Errorf("failed to resize rectified document: %w", err)
		}
		out = d.outputMat
	}

	if d.rgbaMat, err = d.arena.Sized("rgba", out.Rows(), out.Cols(), gocv.MatTypeCV8UC4); err != nil {
		return nil, err
	}
	return conversion.BGRToRGBA(out, d.rgbaMat)
}

func (d *Detector) report(res *models.Result, best contour.Candidate, found bool, sx, sy float64) {
	if !found {
		res.Status = models.StatusNotFound
		d.log.Debug(component, "no document found", nil)
		return
	}

	corners := make([]geometry.Point, len(best.Vertices))
	for i, p := range best.Vertices {
		corners[i] = geometry.Pt(p.X*sx, p.Y*sy)
	}
	res.Status = models.StatusFound
	res.Corners = corners

	d.log.Debug(component, "document found", map[string]interface{}{
		"area":    best.Area,
		"corners": geometry.ToImagePoints(corners),
	})
}

func (d *Detector) extractorName() string {
	if d.extractor == nil {
		return string(config.EdgeNone)
	}
	return d.extractor.Name()
}

func copyPoints(pts []geometry.Point) []geometry.Point {
	if len(pts) == 0 {
		return nil
	}
	out := make([]geometry.Point, len(pts))
	copy(out, pts)
	return out
}

package detector

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"doc-rectifier/internal/config"
	"doc-rectifier/internal/debug/memtracker"
	"doc-rectifier/internal/geometry"
	"doc-rectifier/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func squareMask(w, h, x0, y0, side int) models.SampleBuffer {
	conf := make([]float32, w*h)
	for y := y0; y < y0+side; y++ {
		for x := x0; x < x0+side; x++ {
			conf[y*w+x] = 0.9
		}
	}
	return models.NewConfidenceBuffer(conf, w, h)
}

// gateExtractor binarizes its input and, when armed, blocks until released.
type gateExtractor struct {
	mu      sync.Mutex
	calls   int
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func newGateExtractor() *gateExtractor {
	return &gateExtractor{entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gateExtractor) Name() string { return "gate" }

func (g *gateExtractor) ExtractEdges(buf models.SampleBuffer) (models.EdgeMap, error) {
	g.mu.Lock()
	g.calls++
	armed := g.armed
	g.mu.Unlock()

	if armed {
		g.entered <- struct{}{}
		<-g.release
	}

	em := models.NewEdgeMap(buf.Width, buf.Height)
	for y := 0; y < buf.Height; y++ {
		for x := 0; x < buf.Width; x++ {
			em.Set(x, y, models.Binarize(buf.Confidence(x, y)))
		}
	}
	return em, nil
}

func (g *gateExtractor) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gateExtractor) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newDetector(t *testing.T, cfg config.Config, opts ...Option) *Detector {
	t.Helper()

	d, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, d.Initialize())
	t.Cleanup(func() { assert.NoError(t, d.Release()) })
	return d
}

func TestDetectMaskTenByTen(t *testing.T) {
	d := newDetector(t, config.Default())

	res, err := d.DetectMask(squareMask(10, 10, 2, 2, 6))
	require.NoError(t, err)
	require.Equal(t, models.StatusFound, res.Status)

	oc, ok := res.Ordered()
	require.True(t, ok)
	assert.Equal(t, geometry.Pt(2, 2), oc.TopLeft)
	assert.Equal(t, geometry.Pt(7, 2), oc.TopRight)
	assert.Equal(t, geometry.Pt(7, 7), oc.BottomRight)
	assert.Equal(t, geometry.Pt(2, 7), oc.BottomLeft)
	assert.Len(t, d.Current(), 4)
}

func TestDetectMaskEmptyClearsCurrent(t *testing.T) {
	d := newDetector(t, config.Default())

	_, err := d.DetectMask(squareMask(10, 10, 2, 2, 6))
	require.NoError(t, err)
	require.NotEmpty(t, d.Current())

	res, err := d.DetectMask(models.NewConfidenceBuffer(make([]float32, 100), 10, 10))
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotFound, res.Status)
	assert.Empty(t, res.Corners)
	assert.Empty(t, d.Current())

	stats := d.Stats()
	assert.Equal(t, int64(2), stats.Cycles)
	assert.Equal(t, int64(1), stats.Found)
	assert.Equal(t, int64(1), stats.NotFound)
}

func TestDetectMaskSobelCenteredSquare(t *testing.T) {
	cfg := config.Default()
	cfg.EdgeStrategy = config.EdgeSobel
	d := newDetector(t, cfg)

	res, err := d.DetectMaskDebug(squareMask(200, 200, 50, 50, 100))
	require.NoError(t, err)
	require.Equal(t, models.StatusFound, res.Status)
	require.NotNil(t, res.EdgeMap)
	assert.Greater(t, res.EdgeMap.Count(), 0)
	assert.InEpsilon(t, 100.0*100.0, geometry.PolygonArea(res.Corners), 0.05)
}

func TestDetectMaskAreaGate(t *testing.T) {
	cfg := config.Default()
	k := 0.5
	cfg.MinAreaFraction = &k
	d := newDetector(t, cfg)

	res, err := d.DetectMask(squareMask(40, 40, 5, 5, 10))
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotFound, res.Status)
}

func TestDroppedFrameReturnsPreviousContour(t *testing.T) {
	gate := newGateExtractor()
	d := newDetector(t, config.Default(), WithEdgeExtractor(gate))

	first, err := d.DetectMask(squareMask(20, 20, 4, 4, 10))
	require.NoError(t, err)
	require.Equal(t, models.StatusFound, first.Status)

	gate.arm()
	done := make(chan models.Result, 1)
	go func() {
		res, err := d.DetectMask(squareMask(20, 20, 1, 1, 15))
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle never started")
	}

	dropped, err := d.DetectMask(models.NewConfidenceBuffer(make([]float32, 400), 20, 20))
	require.NoError(t, err)
	assert.Equal(t, models.StatusDropped, dropped.Status)
	assert.ElementsMatch(t, first.Corners, dropped.Corners)
	assert.Equal(t, 2, gate.callCount(), "dropped cycle must not run extraction")

	close(gate.release)
	second := <-done
	assert.Equal(t, models.StatusFound, second.Status)
	assert.Equal(t, int64(1), d.Stats().Dropped)

	oc, ok := second.Ordered()
	require.True(t, ok)
	assert.Equal(t, geometry.Pt(1, 1), oc.TopLeft)
}

func TestInvalidBufferLeavesDetectorUsable(t *testing.T) {
	d := newDetector(t, config.Default())

	_, err := d.DetectMask(models.SampleBuffer{Width: 10, Height: 10, Stride: 5})
	assert.True(t, errors.Is(err, models.ErrInvalidDimensions))

	res, err := d.DetectMask(squareMask(10, 10, 2, 2, 6))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFound, res.Status)
	assert.Equal(t, int64(1), d.Stats().Errors)
}

func TestLifecycle(t *testing.T) {
	mt := memtracker.NewTracker(nil)
	d, err := New(config.Default(), WithMemTracker(mt))
	require.NoError(t, err)

	_, err = d.DetectMask(squareMask(10, 10, 2, 2, 6))
	assert.True(t, errors.Is(err, models.ErrNotInitialized))

	require.NoError(t, d.Initialize())
	require.NoError(t, d.Initialize())
	_, err = d.DetectMask(squareMask(10, 10, 2, 2, 6))
	require.NoError(t, err)
	assert.Positive(t, mt.GetStats().AllocationCount)

	require.NoError(t, d.Release())
	require.NoError(t, d.Release())
	assert.Zero(t, mt.GetStats().CurrentlyActive)

	_, err = d.DetectMask(squareMask(10, 10, 2, 2, 6))
	assert.True(t, errors.Is(err, models.ErrReleased))
	assert.True(t, errors.Is(d.Initialize(), models.ErrReleased))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.EdgeStrategy = "nope"
	_, err := New(cfg)
	assert.Error(t, err)
}

func documentFrame(w, h int, doc image.Rectangle) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.RGBA{R: 30, G: 40, B: 35, A: 255}
			if image.Pt(x, y).In(doc) {
				c = color.RGBA{R: 240, G: 238, B: 230, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func assertNear(t *testing.T, want, got geometry.Point, tol float64) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, tol, "x of %v", want)
	assert.InDelta(t, want.Y, got.Y, tol, "y of %v", want)
}

func TestDetectFrameCornersInFrameCoordinates(t *testing.T) {
	d := newDetector(t, config.Default())

	res, err := d.DetectFrame(context.Background(), documentFrame(400, 400, image.Rect(80, 80, 320, 320)))
	require.NoError(t, err)
	require.Equal(t, models.StatusFound, res.Status)
	assert.Equal(t, image.Pt(400, 400), res.FrameSize)
	assert.Nil(t, res.Rectified)

	oc, ok := res.Ordered()
	require.True(t, ok)
	assertNear(t, geometry.Pt(80, 80), oc.TopLeft, 10)
	assertNear(t, geometry.Pt(320, 80), oc.TopRight, 10)
	assertNear(t, geometry.Pt(320, 320), oc.BottomRight, 10)
	assertNear(t, geometry.Pt(80, 320), oc.BottomLeft, 10)
}

func TestDetectFrameRectifies(t *testing.T) {
	cfg := config.Default()
	cfg.ApplyPerspectiveRectification = true
	d := newDetector(t, cfg)

	res, err := d.DetectFrame(context.Background(), documentFrame(400, 300, image.Rect(60, 50, 340, 250)))
	require.NoError(t, err)
	require.Equal(t, models.StatusFound, res.Status)
	require.NotNil(t, res.Rectified)

	b := res.Rectified.Bounds()
	assert.InDelta(t, 280, b.Dx(), 16)
	assert.InDelta(t, 200, b.Dy(), 16)
	center := res.Rectified.RGBAAt(b.Dx()/2, b.Dy()/2)
	assert.Greater(t, center.R, uint8(200))
}

func TestDetectFrameResizeOutput(t *testing.T) {
	cfg := config.Default()
	cfg.ApplyPerspectiveRectification = true
	cfg.ResizeOutput = true
	d := newDetector(t, cfg)

	res, err := d.DetectFrame(context.Background(), documentFrame(320, 240, image.Rect(40, 30, 280, 210)))
	require.NoError(t, err)
	require.NotNil(t, res.Rectified)
	assert.Equal(t, image.Rect(0, 0, 320, 240), res.Rectified.Bounds())
}

func TestDetectFrameSmallDocumentBelowGate(t *testing.T) {
	d := newDetector(t, config.Default())

	res, err := d.DetectFrame(context.Background(), documentFrame(400, 400, image.Rect(150, 150, 210, 210)))
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotFound, res.Status)
}

func TestDetectFrameCancelledContext(t *testing.T) {
	d := newDetector(t, config.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.DetectFrame(ctx, documentFrame(100, 100, image.Rect(10, 10, 90, 90)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, d.Stats().Cycles)
}

func TestReleaseDuringCycleIsDeferred(t *testing.T) {
	mt := memtracker.NewTracker(nil)
	gate := newGateExtractor()
	d, err := New(config.Default(), WithEdgeExtractor(gate), WithMemTracker(mt))
	require.NoError(t, err)
	require.NoError(t, d.Initialize())

	_, err = d.DetectMask(squareMask(20, 20, 4, 4, 10))
	require.NoError(t, err)

	gate.arm()
	type outcome struct {
		res models.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := d.DetectMask(squareMask(20, 20, 2, 2, 12))
		done <- outcome{res, err}
	}()

	select {
	case <-gate.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle never started")
	}

	require.NoError(t, d.Release())
	assert.Positive(t, mt.GetStats().CurrentlyActive, "scratch held until the cycle ends")

	close(gate.release)
	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle never finished")
	}
	require.NoError(t, got.err)
	assert.Equal(t, models.StatusFound, got.res.Status)
	assert.Len(t, got.res.Corners, 4)

	assert.Zero(t, mt.GetStats().CurrentlyActive)
	assert.True(t, d.Stats().Arena.Released)

	_, err = d.DetectMask(squareMask(20, 20, 4, 4, 10))
	assert.ErrorIs(t, err, models.ErrReleased)
	assert.NoError(t, d.Release())
}

func TestMaskScratchReusedAcrossSizes(t *testing.T) {
	d := newDetector(t, config.Default())

	_, err := d.DetectMask(squareMask(20, 20, 4, 4, 10))
	require.NoError(t, err)
	allocations := d.Stats().Arena.Allocations
	require.Positive(t, allocations)

	for i := 0; i < 3; i++ {
		res, err := d.DetectMask(squareMask(10, 10, 2, 2, 6))
		require.NoError(t, err)
		assert.Equal(t, models.StatusFound, res.Status)

		res, err = d.DetectMask(squareMask(20, 20, 4, 4, 10))
		require.NoError(t, err)
		assert.Equal(t, models.StatusFound, res.Status)
	}

	stats := d.Stats().Arena
	assert.Equal(t, allocations, stats.Allocations, "shrinking and regrowing within capacity must not allocate")
	assert.GreaterOrEqual(t, stats.Reuses, int64(6))
}

func TestFrameScratchReusedAcrossCycles(t *testing.T) {
	cfg := config.Default()
	cfg.ApplyPerspectiveRectification = true
	d := newDetector(t, cfg)

	frame := documentFrame(320, 240, image.Rect(40, 30, 280, 210))
	_, err := d.DetectFrame(context.Background(), frame)
	require.NoError(t, err)
	allocations := d.Stats().Arena.Allocations

	res, err := d.DetectFrame(context.Background(), frame)
	require.NoError(t, err)
	require.NotNil(t, res.Rectified)
	assert.Equal(t, allocations, d.Stats().Arena.Allocations)
}

// cancelAfter reports cancellation once Err has been consulted n times.
type cancelAfter struct {
	context.Context
	n int32
}

func (c *cancelAfter) Err() error {
	if atomic.AddInt32(&c.n, -1) < 0 {
		return context.Canceled
	}
	return nil
}

func TestCancelledCycleIsNotAnError(t *testing.T) {
	d := newDetector(t, config.Default())
	frame := documentFrame(200, 200, image.Rect(40, 40, 160, 160))

	res, err := d.DetectFrame(context.Background(), frame)
	require.NoError(t, err)
	require.Equal(t, models.StatusFound, res.Status)

	_, err = d.DetectFrame(&cancelAfter{Context: context.Background(), n: 1}, frame)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCancelled(err))

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Cancelled)
	assert.Zero(t, stats.Errors)
	assert.Len(t, d.Current(), 4, "cancellation keeps the last good contour")
}

// Package safe wraps gocv matrices with a validity flag, an optional
// allocation tracker and idempotent Close, so long-lived detector scratch can
// be released exactly once no matter how many paths reach it.
package safe

import (
	"fmt"
	"image"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

// MemoryTracker interface to avoid import cycles
type MemoryTracker interface {
	TrackAllocation(id uint64, size int64, tag string)
	TrackDeallocation(id uint64, tag string)
}

// Mat keeps the largest storage it has been sized to. After Ensure, mat is a
// header over the front of backing; OpenCV may still replace it with storage
// of its own when a destination has a different shape.
type Mat struct {
	mat        gocv.Mat
	backing    gocv.Mat
	capacity   int
	isValid    int32
	mu         sync.RWMutex
	id         uint64
	memTracker MemoryTracker
	tag        string
}

var nextMatID uint64

func NewMat(rows, cols int, matType gocv.MatType) (*Mat, error) {
	return NewMatWithTracker(rows, cols, matType, nil, "")
}

func NewMatWithTracker(rows, cols int, matType gocv.MatType, memTracker MemoryTracker, tag string) (*Mat, error) {
	if err := ValidateDimensions(cols, rows, "NewMat"); err != nil {
		return nil, err
	}

	mat := gocv.NewMatWithSize(rows, cols, matType)
	if mat.Empty() {
		mat.Close()
		return nil, fmt.Errorf("failed to create Mat with size %dx%d", cols, rows)
	}

	return wrap(mat, memTracker, tag), nil
}

// NewEmptyMat holds an unallocated matrix that OpenCV sizes on first write.
func NewEmptyMat(memTracker MemoryTracker, tag string) *Mat {
	return wrap(gocv.NewMat(), memTracker, tag)
}

func wrap(mat gocv.Mat, memTracker MemoryTracker, tag string) *Mat {
	sm := &Mat{
		mat:        mat,
		backing:    gocv.NewMat(),
		isValid:    1,
		id:         atomic.AddUint64(&nextMatID, 1),
		memTracker: memTracker,
		tag:        tag,
	}
	sm.trackAlloc()

	// Set finalizer for cleanup if Close() is not called
	runtime.SetFinalizer(sm, (*Mat).finalize)
	return sm
}

func (sm *Mat) trackAlloc() {
	if sm.memTracker != nil {
		sm.memTracker.TrackAllocation(sm.id, sm.trackedBytes(), sm.tag)
	}
}

func (sm *Mat) trackedBytes() int64 {
	if sm.capacity > 0 {
		return int64(sm.capacity)
	}
	return matBytes(sm.mat)
}

func (sm *Mat) trackFree() {
	if sm.memTracker != nil {
		sm.memTracker.TrackDeallocation(sm.id, sm.tag)
	}
}

func (sm *Mat) IsValid() bool {
	return atomic.LoadInt32(&sm.isValid) == 1
}

func (sm *Mat) Empty() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.IsValid() {
		return true
	}

	return sm.mat.Empty()
}

func (sm *Mat) Rows() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.IsValid() {
		return 0
	}

	return sm.mat.Rows()
}

func (sm *Mat) Cols() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.IsValid() {
		return 0
	}

	return sm.mat.Cols()
}

// Size returns (cols, rows).
func (sm *Mat) Size() image.Point {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.IsValid() {
		return image.Point{}
	}

	return image.Pt(sm.mat.Cols(), sm.mat.Rows())
}

func (sm *Mat) Channels() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.IsValid() {
		return 0
	}

	return sm.mat.Channels()
}

func (sm *Mat) Type() gocv.MatType {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.IsValid() {
		return gocv.MatTypeCV8UC1
	}

	return sm.mat.Type()
}

func (sm *Mat) Tag() string {
	return sm.tag
}

func (sm *Mat) ID() uint64 {
	return sm.id
}

// Ensure makes the matrix rows x cols of matType. Storage only grows: a
// shape that fits the largest one seen so far reuses it. It reports whether
// new storage was allocated.
func (sm *Mat) Ensure(rows, cols int, matType gocv.MatType) (bool, error) {
	if err := ValidateDimensions(cols, rows, "Ensure"); err != nil {
		return false, err
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.IsValid() {
		return false, fmt.Errorf("Mat %q is released", sm.tag)
	}

	if !sm.mat.Empty() && sm.mat.Rows() == rows && sm.mat.Cols() == cols && sm.mat.Type() == matType {
		return false, nil
	}

	need := rows * cols * ElemSize(matType)
	grew := need > sm.capacity
	if grew {
		replacement := gocv.NewMatWithSize(1, need, gocv.MatTypeCV8UC1)
		if replacement.Empty() {
			replacement.Close()
			return false, fmt.Errorf("failed to create Mat with size %dx%d", cols, rows)
		}
		sm.trackFree()
		sm.backing.Close()
		sm.backing = replacement
		sm.capacity = need
	}

	storage, err := sm.backing.DataPtrUint8()
	if err != nil {
		return false, fmt.Errorf("failed to access storage of %q: %w", sm.tag, err)
	}
	view, err := gocv.NewMatFromBytes(rows, cols, matType, storage[:need])
	if err != nil {
		return false, fmt.Errorf("failed to view storage of %q: %w", sm.tag, err)
	}

	sm.mat.Close()
	sm.mat = view
	if grew {
		sm.trackAlloc()
	}
	return grew, nil
}

// Capacity is the size in bytes of the storage kept for reuse.
func (sm *Mat) Capacity() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.capacity
}

// Bytes exposes the matrix storage. The slice aliases OpenCV memory and is
// only valid until the next reallocation or Close.
func (sm *Mat) Bytes() ([]uint8, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.IsValid() {
		return nil, fmt.Errorf("Mat %q is released", sm.tag)
	}

	if !sm.mat.IsContinuous() {
		return nil, fmt.Errorf("Mat %q is not continuous", sm.tag)
	}

	return sm.mat.DataPtrUint8()
}

func (sm *Mat) CopyTo(dst *Mat) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if !sm.IsValid() {
		return fmt.Errorf("source Mat is invalid")
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()

	if !dst.IsValid() {
		return fmt.Errorf("destination Mat is invalid")
	}

	if sm.mat.Empty() {
		return fmt.Errorf("source Mat is empty")
	}

	if err := sm.mat.CopyTo(&dst.mat); err != nil {
		return fmt.Errorf("copy of %q failed: %w", sm.tag, err)
	}
	return nil
}

// Ptr returns the underlying matrix for use as a gocv destination. Callers
// must not Close it and must not retain it past the owner's Close.
func (sm *Mat) Ptr() *gocv.Mat {
	return &sm.mat
}

func (sm *Mat) GetMat() gocv.Mat {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return sm.mat
}

// Close releases the OpenCV memory once; later calls are no-ops.
func (sm *Mat) Close() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&sm.isValid, 1, 0) {
		return nil
	}

	sm.trackFree()
	err := multierr.Append(sm.mat.Close(), sm.backing.Close())

	// Clear finalizer since we're cleaning up manually
	runtime.SetFinalizer(sm, nil)
	return err
}

// finalize is called by Go's garbage collector as last resort cleanup
func (sm *Mat) finalize() {
	if atomic.LoadInt32(&sm.isValid) == 1 {
		sm.Close()
	}
}

func matBytes(m gocv.Mat) int64 {
	if m.Empty() {
		return 0
	}
	return int64(m.Rows() * m.Cols() * ElemSize(m.Type()))
}

// ElemSize is the size in bytes of one element of matType.
func ElemSize(matType gocv.MatType) int {
	channels := int(matType)>>3 + 1
	switch int(matType) & 7 {
	case 0, 1:
		return channels
	case 2, 3, 7:
		return 2 * channels
	case 4, 5:
		return 4 * channels
	default:
		return 8 * channels
	}
}

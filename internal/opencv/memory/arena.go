// Package memory owns the long-lived scratch matrices of a detector. Each
// matrix is addressed by tag, grows to the largest shape requested and is
// reused across cycles until the arena is released.
package memory

import (
	"fmt"
	"sync"

	"doc-rectifier/internal/logger"
	"doc-rectifier/internal/opencv/safe"

	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

type Stats struct {
	ActiveMats  int
	Allocations int64
	Reuses      int64
	Released    bool
}

type Arena struct {
	mu       sync.Mutex
	mats     map[string]*safe.Mat
	order    []string
	tracker  safe.MemoryTracker
	log      logger.Logger
	stats    Stats
	released bool
}

func NewArena(tracker safe.MemoryTracker, log logger.Logger) *Arena {
	if log == nil {
		log = logger.Nop()
	}
	return &Arena{
		mats:    make(map[string]*safe.Mat),
		tracker: tracker,
		log:     log,
	}
}

// Get returns the matrix for tag, creating an empty one on first use. OpenCV
// sizes empty matrices when they are used as a destination.
func (a *Arena) Get(tag string) (*safe.Mat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.getLocked(tag)
}

func (a *Arena) getLocked(tag string) (*safe.Mat, error) {
	if a.released {
		return nil, fmt.Errorf("arena released, cannot provide %q", tag)
	}

	if m, ok := a.mats[tag]; ok {
		return m, nil
	}

	m := safe.NewEmptyMat(a.tracker, tag)
	a.mats[tag] = m
	a.order = append(a.order, tag)
	a.stats.ActiveMats++
	return m, nil
}

// Sized returns the matrix for tag shaped rows x cols of matType. Contents
// are undefined after a reallocation.
func (a *Arena) Sized(tag string, rows, cols int, matType gocv.MatType) (*safe.Mat, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m, err := a.getLocked(tag)
	if err != nil {
		return nil, err
	}

	grew, err := m.Ensure(rows, cols, matType)
	if err != nil {
		return nil, fmt.Errorf("failed to size scratch %q: %w", tag, err)
	}

	if grew {
		a.stats.Allocations++
		a.log.Debug("Arena", "allocated scratch", map[string]interface{}{
			"tag":  tag,
			"rows": rows,
			"cols": cols,
		})
	} else {
		a.stats.Reuses++
	}
	return m, nil
}

func (a *Arena) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.stats
	s.Released = a.released
	return s
}

// Release closes every matrix in reverse creation order. Calling it again is
// a no-op.
func (a *Arena) Release() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.released {
		return nil
	}
	a.released = true

	var err error
	for i := len(a.order) - 1; i >= 0; i-- {
		tag := a.order[i]
		if closeErr := a.mats[tag].Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close %q: %w", tag, closeErr))
		}
		delete(a.mats, tag)
	}

	a.log.Debug("Arena", "released scratch", map[string]interface{}{"mats": len(a.order)})
	a.order = nil
	a.stats.ActiveMats = 0
	return err
}

// Package memtracker records OpenCV matrix allocations made through safe.Mat
// so leaks of detector scratch show up in stats and tests.
package memtracker

import (
	"sync"
	"sync/atomic"
	"time"

	"doc-rectifier/internal/logger"
)

type AllocationInfo struct {
	ID          uint64
	Size        int64
	Tag         string
	AllocatedAt time.Time
}

type MemoryStats struct {
	TotalAllocated   int64
	TotalDeallocated int64
	CurrentlyActive  int64
	AllocationCount  int64
	// LeakCount counts deallocations of matrices the tracker never saw.
	LeakCount int64
}

type Tracker struct {
	allocations  map[uint64]AllocationInfo
	mu           sync.RWMutex
	log          logger.Logger
	totalAlloc   int64
	totalDealloc int64
	allocCount   int64
	leakCount    int64
}

func NewTracker(log logger.Logger) *Tracker {
	if log == nil {
		log = logger.Nop()
	}
	return &Tracker{
		allocations: make(map[uint64]AllocationInfo),
		log:         log,
	}
}

func (mt *Tracker) TrackAllocation(id uint64, size int64, tag string) {
	atomic.AddInt64(&mt.totalAlloc, size)
	atomic.AddInt64(&mt.allocCount, 1)

	mt.mu.Lock()
	mt.allocations[id] = AllocationInfo{
		ID:          id,
		Size:        size,
		Tag:         tag,
		AllocatedAt: time.Now(),
	}
	mt.mu.Unlock()
}

func (mt *Tracker) TrackDeallocation(id uint64, tag string) {
	mt.mu.Lock()
	info, exists := mt.allocations[id]
	if exists {
		delete(mt.allocations, id)
		atomic.AddInt64(&mt.totalDealloc, info.Size)
	} else {
		atomic.AddInt64(&mt.leakCount, 1)
	}
	mt.mu.Unlock()

	if !exists {
		mt.log.Warning("MemTracker", "untracked deallocation", map[string]interface{}{
			"id":  id,
			"tag": tag,
		})
	}
}

func (mt *Tracker) GetStats() MemoryStats {
	mt.mu.RLock()
	currentlyActive := int64(len(mt.allocations))
	mt.mu.RUnlock()

	return MemoryStats{
		TotalAllocated:   atomic.LoadInt64(&mt.totalAlloc),
		TotalDeallocated: atomic.LoadInt64(&mt.totalDealloc),
		CurrentlyActive:  currentlyActive,
		AllocationCount:  atomic.LoadInt64(&mt.allocCount),
		LeakCount:        atomic.LoadInt64(&mt.leakCount),
	}
}

// DetectLeaks lists live allocations older than olderThan.
func (mt *Tracker) DetectLeaks(olderThan time.Duration) []AllocationInfo {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	threshold := time.Now().Add(-olderThan)
	var leaks []AllocationInfo

	for _, info := range mt.allocations {
		if info.AllocatedAt.Before(threshold) {
			leaks = append(leaks, info)
		}
	}

	return leaks
}

func (mt *Tracker) ActiveByTag() map[string]int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	result := make(map[string]int)
	for _, info := range mt.allocations {
		result[info.Tag]++
	}
	return result
}

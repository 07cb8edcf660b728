package main

import (
	"sync"

	"doc-rectifier/internal/debug/eventbus"
	"doc-rectifier/internal/logger"
)

// progress logs running outcome counts every `every` frames.
type progress struct {
	log    logger.Logger
	every  int
	mu     sync.Mutex
	counts map[eventbus.EventType]int
	total  int
}

func newProgress(log logger.Logger, every int) *progress {
	return &progress{log: log, every: every, counts: make(map[eventbus.EventType]int)}
}

func (p *progress) GetID() string { return "progress" }

func (p *progress) Handle(event eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counts[event.Type]++
	p.total++

	if event.Type == eventbus.FrameFound {
		p.log.Debug("Progress", "document found", map[string]interface{}{
			"frame":   event.Name,
			"corners": event.Corners,
		})
	}

	if p.every > 0 && p.total%p.every == 0 {
		p.log.Info("Progress", "frames processed", map[string]interface{}{
			"frames":    p.total,
			"found":     p.counts[eventbus.FrameFound],
			"not_found": p.counts[eventbus.FrameNotFound],
			"dropped":   p.counts[eventbus.FrameDropped],
			"failed":    p.counts[eventbus.FrameFailed],
		})
	}
}

func (p *progress) subscribe(bus *eventbus.Bus) {
	for _, t := range []eventbus.EventType{
		eventbus.FrameFound, eventbus.FrameNotFound, eventbus.FrameDropped, eventbus.FrameFailed,
	} {
		bus.Subscribe(t, p)
	}
}

func (p *progress) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

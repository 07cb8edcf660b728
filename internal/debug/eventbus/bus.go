// Package eventbus fans detection outcomes out to observers without blocking
// the detection loop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"doc-rectifier/internal/geometry"
	"doc-rectifier/internal/models"
)

type EventType string

const (
	FrameFound    EventType = "frame_found"
	FrameNotFound EventType = "frame_not_found"
	FrameDropped  EventType = "frame_dropped"
	FrameFailed   EventType = "frame_failed"
)

type Event struct {
	Type      EventType
	Timestamp time.Time
	Frame     int
	Name      string
	Corners   []geometry.Point
	Err       error
}

// TypeOf maps a cycle outcome to its event type.
func TypeOf(status models.Status, err error) EventType {
	switch {
	case status == models.StatusDropped:
		return FrameDropped
	case err != nil:
		return FrameFailed
	case status == models.StatusFound:
		return FrameFound
	}
	return FrameNotFound
}

type EventHandler interface {
	Handle(event Event)
	GetID() string
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc struct {
	ID string
	Fn func(Event)
}

func (h HandlerFunc) Handle(event Event) { h.Fn(event) }
func (h HandlerFunc) GetID() string { return h.ID }

type Bus struct {
	subscribers map[EventType][]EventHandler
	mu          sync.RWMutex
	buffer      chan Event
	done        chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	dropped     int64
	panics      map[string]int
}

func NewBus(bufferSize int) *Bus {
	bus := &Bus{
		subscribers: make(map[EventType][]EventHandler),
		buffer:      make(chan Event, bufferSize),
		done:        make(chan struct{}),
		panics:      make(map[string]int),
	}

	bus.startWorker()
	return bus
}

// Publish never blocks. Events published to a full buffer or after Shutdown
// are counted and discarded.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	select {
	case <-b.done:
		atomic.AddInt64(&b.dropped, 1)
		return
	default:
	}

	select {
	case b.buffer <- event:
	default:
		atomic.AddInt64(&b.dropped, 1)
	}
}

func (b *Bus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Dropped returns the number of events discarded by Publish.
func (b *Bus) Dropped() int64 {
	return atomic.LoadInt64(&b.dropped)
}

// Panics returns, per handler ID, how many events the handler panicked on.
func (b *Bus) Panics() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.panics))
	for id, n := range b.panics {
		out[id] = n
	}
	return out
}

// Shutdown delivers buffered events and stops the worker.
func (b *Bus) Shutdown() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		close(b.done)
		close(b.buffer)
		b.mu.Unlock()
	})
	b.wg.Wait()
	return nil
}

func (b *Bus) startWorker() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()

		for event := range b.buffer {
			b.dispatchEvent(event)
		}
	}()
}

func (b *Bus) dispatchEvent(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, len(b.subscribers[event.Type]))
	copy(handlers, b.subscribers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			// A panicking handler must not stop delivery to the rest.
			defer func() {
				if recover() != nil {
					b.mu.Lock()
					b.panics[handler.GetID()]++
					b.mu.Unlock()
				}
			}()
			handler.Handle(event)
		}()
	}
}

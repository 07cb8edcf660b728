package eventbus

import (
	"errors"
	"sync"
	"testing"

	"doc-rectifier/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handler(id string) HandlerFunc {
	return HandlerFunc{ID: id, Fn: func(e Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	}}
}

func TestBusDeliversInOrderBeforeShutdown(t *testing.T) {
	bus := NewBus(16)
	rec := &recorder{}
	bus.Subscribe(FrameFound, rec.handler("found"))

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: FrameFound, Frame: i})
	}
	bus.Publish(Event{Type: FrameDropped, Frame: 99})
	require.NoError(t, bus.Shutdown())

	require.Len(t, rec.events, 5)
	for i, e := range rec.events {
		assert.Equal(t, i, e.Frame)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestBusPublishAfterShutdownIsDropped(t *testing.T) {
	bus := NewBus(1)
	require.NoError(t, bus.Shutdown())
	require.NoError(t, bus.Shutdown())

	bus.Publish(Event{Type: FrameFound})
	assert.Equal(t, int64(1), bus.Dropped())
}

func TestBusSurvivesPanickingHandler(t *testing.T) {
	bus := NewBus(4)
	rec := &recorder{}
	bus.Subscribe(FrameFailed, HandlerFunc{ID: "bad", Fn: func(Event) { panic("boom") }})
	bus.Subscribe(FrameFailed, rec.handler("good"))

	bus.Publish(Event{Type: FrameFailed, Err: errors.New("x")})
	require.NoError(t, bus.Shutdown())
	assert.Len(t, rec.events, 1)
	assert.Equal(t, map[string]int{"bad": 1}, bus.Panics())
}

func TestTypeOf(t *testing.T) {
	assert.Equal(t, FrameDropped, TypeOf(models.StatusDropped, nil))
	assert.Equal(t, FrameFailed, TypeOf(models.StatusFound, errors.New("warp")))
	assert.Equal(t, FrameFound, TypeOf(models.StatusFound, nil))
	assert.Equal(t, FrameNotFound, TypeOf(models.StatusNotFound, nil))
}

// Package pipeline feeds frames or masks from files and video into a
// detector and writes what it finds.
package pipeline

import (
	"context"
	"image"

	"doc-rectifier/internal/debug/eventbus"
	"doc-rectifier/internal/models"
)

// Frame is one unit of input. Exactly one of Image and Mask is set.
type Frame struct {
	Index int
	Name  string
	Image *image.RGBA
	Mask  *models.SampleBuffer
}

// FrameSource yields frames until it returns io.EOF.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// ResultSink receives the outcome of every completed cycle.
type ResultSink interface {
	Write(frame Frame, res models.Result) error
}

// EventPublisher is satisfied by eventbus.Bus.
type EventPublisher interface {
	Publish(event eventbus.Event)
}

// Detector is the subset of detector.Detector the pipeline drives.
type Detector interface {
	DetectFrame(ctx context.Context, frame *image.RGBA) (models.Result, error)
	DetectMask(buf models.SampleBuffer) (models.Result, error)
	DetectMaskDebug(buf models.SampleBuffer) (models.Result, error)
}

// Logger is satisfied by logger.Logger.
type Logger interface {
	Debug(component string, message string, fields map[string]interface{})
	Info(component string, message string, fields map[string]interface{})
	Warning(component string, message string, fields map[string]interface{})
	Error(component string, err error, fields map[string]interface{})
}

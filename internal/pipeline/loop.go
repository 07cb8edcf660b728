package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"doc-rectifier/internal/debug/eventbus"
	"doc-rectifier/internal/models"
)

const loopComponent = "Loop"

type LoopOptions struct {
	// Live dispatches every frame without waiting for the previous cycle, so
	// frames that arrive while the detector is busy are dropped.
	Live bool
	// Debug requests edge maps for mask input.
	Debug bool
	// FrameInterval paces the source in live mode.
	FrameInterval time.Duration
	// Events, when set, receives one event per processed frame.
	Events EventPublisher
}

// Summary counts frame outcomes. Cancelled frames were cut short by
// shutdown and are not errors.
type Summary struct {
	Frames    int
	Found     int
	NotFound  int
	Dropped   int
	Errors    int
	Cancelled int
}

type Loop struct {
	detector Detector
	source   FrameSource
	sink     ResultSink
	log      Logger
	opts     LoopOptions

	mu      sync.Mutex
	summary Summary
	started bool
	done    chan struct{}
}

func NewLoop(detector Detector, source FrameSource, sink ResultSink, log Logger, opts LoopOptions) *Loop {
	return &Loop{
		detector: detector,
		source:   source,
		sink:     sink,
		log:      log,
		opts:     opts,
		done:     make(chan struct{}),
	}
}

// Run pulls frames until the source is exhausted or ctx is done, then waits
// for in-flight cycles. A Loop runs once.
func (l *Loop) Run(ctx context.Context) (Summary, error) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return Summary{}, errors.New("loop already ran")
	}
	l.started = true
	l.mu.Unlock()
	defer close(l.done)

	var wg sync.WaitGroup
	var ticker *time.Ticker
	if l.opts.Live && l.opts.FrameInterval > 0 {
		ticker = time.NewTicker(l.opts.FrameInterval)
		defer ticker.Stop()
	}

	var runErr error
	for {
		frame, err := l.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			runErr = ctxErr
			break
		}
		if err != nil {
			l.log.Error(loopComponent, err, nil)
			l.count(func(s *Summary) { s.Errors++ })
			continue
		}

		l.count(func(s *Summary) { s.Frames++ })

		if !l.opts.Live {
			l.process(ctx, frame)
			continue
		}

		wg.Add(1)
		go func(f Frame) {
			defer wg.Done()
			l.process(ctx, f)
		}(frame)

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-ctx.Done():
			}
		}
	}

	wg.Wait()

	l.mu.Lock()
	summary := l.summary
	l.mu.Unlock()

	l.log.Info(loopComponent, "run complete", map[string]interface{}{
		"frames":    summary.Frames,
		"found":     summary.Found,
		"not_found": summary.NotFound,
		"dropped":   summary.Dropped,
		"errors":    summary.Errors,
		"cancelled": summary.Cancelled,
	})
	return summary, runErr
}

// Wait blocks until Run has stopped reading the source and every in-flight
// cycle has finished. It returns at once if Run never started.
func (l *Loop) Wait() error {
	l.mu.Lock()
	started := l.started
	l.mu.Unlock()

	if started {
		<-l.done
	}
	return nil
}

func (l *Loop) process(ctx context.Context, frame Frame) {
	var (
		res models.Result
		err error
	)

	switch {
	case frame.Mask != nil && l.opts.Debug:
		res, err = l.detector.DetectMaskDebug(*frame.Mask)
	case frame.Mask != nil:
		res, err = l.detector.DetectMask(*frame.Mask)
	case frame.Image != nil:
		res, err = l.detector.DetectFrame(ctx, frame.Image)
	default:
		return
	}

	if isCancelled(err) {
		l.log.Debug(loopComponent, "frame cancelled", map[string]interface{}{"frame": frame.Name})
		l.count(func(s *Summary) { s.Cancelled++ })
		return
	}

	l.publish(frame, res, err)

	if err != nil {
		l.log.Error(loopComponent, err, map[string]interface{}{"frame": frame.Name})
		l.count(func(s *Summary) { s.Errors++ })
		if res.Status != models.StatusFound {
			return
		}
	}

	switch res.Status {
	case models.StatusDropped:
		l.count(func(s *Summary) { s.Dropped++ })
		return
	case models.StatusFound:
		l.count(func(s *Summary) { s.Found++ })
	default:
		l.count(func(s *Summary) { s.NotFound++ })
	}

	if l.sink == nil {
		return
	}
	if err := l.sink.Write(frame, res); err != nil {
		l.log.Error(loopComponent, err, map[string]interface{}{"frame": frame.Name})
		l.count(func(s *Summary) { s.Errors++ })
	}
}

func (l *Loop) publish(frame Frame, res models.Result, err error) {
	if l.opts.Events == nil {
		return
	}
	l.opts.Events.Publish(eventbus.Event{
		Type:    eventbus.TypeOf(res.Status, err),
		Frame:   frame.Index,
		Name:    frame.Name,
		Corners: res.Corners,
		Err:     err,
	})
}

func (l *Loop) count(update func(*Summary)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	update(&l.summary)
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

package pipeline

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"

	"doc-rectifier/internal/opencv/conversion"
	"doc-rectifier/internal/opencv/safe"

	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

// VideoSource reads frames from a video file or, when given a bare integer,
// a capture device. Close waits for a Read in progress; Next after Close
// reports io.EOF.
type VideoSource struct {
	name    string
	mu      sync.Mutex
	closed  bool
	capture *gocv.VideoCapture
	buf     *safe.Mat
	rgba    *safe.Mat
	next    int
}

func OpenVideoSource(device string) (*VideoSource, error) {
	var target interface{} = device
	if id, err := strconv.Atoi(device); err == nil {
		target = id
	}

	capture, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("failed to open video %s: %w", device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video %s could not be opened", device)
	}

	return &VideoSource{
		name:    device,
		capture: capture,
		buf:     safe.NewEmptyMat(nil, "video_frame"),
		rgba:    safe.NewEmptyMat(nil, "video_rgba"),
	}, nil
}

func (v *VideoSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return Frame{}, io.EOF
	}
	if ok := v.capture.Read(v.buf.Ptr()); !ok || v.buf.Empty() {
		return Frame{}, io.EOF
	}

	rgba, err := conversion.BGRToRGBA(v.buf, v.rgba)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to convert frame %d: %w", v.next, err)
	}

	frame := Frame{Index: v.next, Name: fmt.Sprintf("frame_%06d", v.next), Image: rgba}
	v.next++
	return frame, nil
}

func (v *VideoSource) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	err := v.capture.Close()
	err = multierr.Append(err, v.buf.Close())
	return multierr.Append(err, v.rgba.Close())
}

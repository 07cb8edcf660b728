package pipeline

import (
	"encoding/json"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"doc-rectifier/internal/geometry"
	"doc-rectifier/internal/models"
	"doc-rectifier/internal/opencv/conversion"

	"github.com/disintegration/imaging"
)

// CornersFile is the name of the JSON lines file FileSink appends to.
const CornersFile = "corners.jsonl"

type CornerRecord struct {
	Frame   int          `json:"frame"`
	Name    string       `json:"name"`
	Status  string       `json:"status"`
	Width   int          `json:"width"`
	Height  int          `json:"height"`
	Corners [][2]float64 `json:"corners,omitempty"`
}

// NewCornerRecord lists corners as TL, TR, BR, BL when four are present.
func NewCornerRecord(frame Frame, res models.Result) CornerRecord {
	rec := CornerRecord{
		Frame:  frame.Index,
		Name:   frame.Name,
		Status: res.Status.String(),
		Width:  res.FrameSize.X,
		Height: res.FrameSize.Y,
	}

	pts := res.Corners
	if oc, ok := res.Ordered(); ok {
		pts = oc.Slice()
	}
	for _, p := range pts {
		rec.Corners = append(rec.Corners, [2]float64{p.X, p.Y})
	}
	return rec
}

// FileSink writes rectified images and edge maps as PNG files and every
// result as one line of CornersFile.
type FileSink struct {
	dir    string
	log    Logger
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	images int
}

func NewFileSink(dir string, log Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, CornersFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open corners file: %w", err)
	}

	return &FileSink{dir: dir, log: log, file: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Write(frame Frame, res models.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if res.Rectified != nil {
		if err := s.saveImage(frame.Name+"_rectified.png", res.Rectified); err != nil {
			return err
		}
	}

	if res.EdgeMap != nil {
		if err := s.saveImage(frame.Name+"_edges.png", conversion.EdgeMapToImage(*res.EdgeMap)); err != nil {
			return err
		}
	}

	if err := s.enc.Encode(NewCornerRecord(frame, res)); err != nil {
		return fmt.Errorf("failed to write corners for %s: %w", frame.Name, err)
	}
	return nil
}

func (s *FileSink) saveImage(name string, img image.Image) error {
	path := filepath.Join(s.dir, name)
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	s.images++

	s.log.Debug("FileSink", "image saved", map[string]interface{}{
		"path":   path,
		"width":  img.Bounds().Dx(),
		"height": img.Bounds().Dy(),
	})
	return nil
}

// Images returns the number of image files written so far.
func (s *FileSink) Images() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (r CornerRecord) Points() []geometry.Point {
	pts := make([]geometry.Point, len(r.Corners))
	for i, c := range r.Corners {
		pts[i] = geometry.Pt(c[0], c[1])
	}
	return pts
}

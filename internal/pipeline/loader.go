package pipeline

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"doc-rectifier/internal/opencv/conversion"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".gif":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

func IsImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// LoadRGBA decodes an image file, applying EXIF orientation.
func LoadRGBA(path string) (*image.RGBA, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba, nil
	}

	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

// LoadGray decodes an image file as a single channel mask.
func LoadGray(path string) (*image.Gray, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if gray, ok := img.(*image.Gray); ok {
		return gray, nil
	}

	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray, nil
}

// ListImages returns path itself when it is a file, otherwise the image files
// directly inside it sorted by name.
func ListImages(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", path, err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() && IsImagePath(e.Name()) {
			paths = append(paths, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// FileSource reads a fixed list of image files, either as frames or, when
// masks is set, as grayscale foreground masks.
type FileSource struct {
	paths []string
	masks bool
	next  int
}

func NewFileSource(paths []string, masks bool) *FileSource {
	return &FileSource{paths: paths, masks: masks}
}

func (s *FileSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.next >= len(s.paths) {
		return Frame{}, io.EOF
	}

	path := s.paths[s.next]
	frame := Frame{Index: s.next, Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}
	s.next++

	if s.masks {
		gray, err := LoadGray(path)
		if err != nil {
			return Frame{}, err
		}
		buf := conversion.GrayToSampleBuffer(gray)
		frame.Mask = &buf
		return frame, nil
	}

	rgba, err := LoadRGBA(path)
	if err != nil {
		return Frame{}, err
	}
	frame.Image = rgba
	return frame, nil
}

func (s *FileSource) Close() error {
	return nil
}

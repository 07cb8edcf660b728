// Package edges turns a sample buffer into a binary edge map.
package edges

import (
	"fmt"

	"doc-rectifier/internal/config"
	"doc-rectifier/internal/models"
)

// Extractor is implemented by every edge source the detector can run ahead
// of the contour search. Implementations may keep scratch between calls but
// never retain the input buffer.
type Extractor interface {
	Name() string
	ExtractEdges(buf models.SampleBuffer) (models.EdgeMap, error)
}

// New builds the extractor named by cfg.EdgeStrategy. It returns nil for
// EdgeNone.
func New(cfg config.Config) (Extractor, error) {
	switch cfg.EdgeStrategy {
	case config.EdgeNone, "":
		return nil, nil
	case config.EdgeSobel:
		return NewSobel(), nil
	case config.EdgeCanny:
		return NewCanny(cfg.CannyLow, cfg.CannyHigh, cfg.BlurSize), nil
	default:
		return nil, fmt.Errorf("unknown edge strategy %q", cfg.EdgeStrategy)
	}
}

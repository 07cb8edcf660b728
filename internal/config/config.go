// Package config holds the detector settings and the ways they are loaded:
// built-in defaults, a YAML file, an option map, and the environment.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

type EdgeStrategy string

const (
	EdgeNone  EdgeStrategy = "none"
	EdgeSobel EdgeStrategy = "sobel"
	EdgeCanny EdgeStrategy = "canny"
)

const (
	DefaultMaskMinArea  = 0.0
	DefaultFrameMinArea = 0.25
)

type Config struct {
	ApplyBackgroundRemoval        bool `mapstructure:"apply_background_removal"`
	ApplyPerspectiveRectification bool `mapstructure:"apply_perspective_rectification"`

	// MinAreaFraction overrides the per-entry-point default when set.
	MinAreaFraction *float64 `mapstructure:"min_area_fraction"`

	// EdgeStrategy is the extractor run on masks before the contour search.
	EdgeStrategy EdgeStrategy `mapstructure:"edge_strategy"`

	ProcessingScale   float64 `mapstructure:"processing_scale"`
	BlurSize          int     `mapstructure:"blur_size"`
	CannyLow          float32 `mapstructure:"canny_low"`
	CannyHigh         float32 `mapstructure:"canny_high"`
	KernelSize        int     `mapstructure:"kernel_size"`
	CloseIterations   int     `mapstructure:"close_iterations"`
	GrabCutIterations int     `mapstructure:"grabcut_iterations"`
	GrabCutMargin     int     `mapstructure:"grabcut_margin"`
	ResizeOutput      bool    `mapstructure:"resize_output"`

	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
}

func Default() Config {
	return Config{
		EdgeStrategy:      EdgeNone,
		ProcessingScale:   0.5,
		BlurSize:          5,
		CannyLow:          75,
		CannyHigh:         200,
		KernelSize:        5,
		CloseIterations:   3,
		GrabCutIterations: 5,
		GrabCutMargin:     20,
		LogLevel:          "info",
	}
}

// FromMap decodes an option map on top of the defaults.
func FromMap(options map[string]interface{}) (Config, error) {
	cfg := Default()
	if err := cfg.Merge(options); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Merge overwrites the fields named in options. Unknown keys are an error.
func (c *Config) Merge(options map[string]interface{}) error {
	if len(options) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           c,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return fmt.Errorf("failed to create config decoder: %w", err)
	}

	if err := decoder.Decode(options); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	return nil
}

// LoadFile merges a YAML document into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var options map[string]interface{}
	if err := yaml.Unmarshal(data, &options); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return c.Merge(options)
}

// ApplyEnv lets LOG_LEVEL and DEBUG override the configured log level.
func (c *Config) ApplyEnv() {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = strings.ToLower(level)
		return
	}
	if os.Getenv("DEBUG") != "" {
		c.LogLevel = "debug"
	}
}

func (c Config) Validate() error {
	switch c.EdgeStrategy {
	case EdgeNone, EdgeSobel, EdgeCanny:
	default:
		return fmt.Errorf("unknown edge_strategy %q", c.EdgeStrategy)
	}

	if c.MinAreaFraction != nil && (*c.MinAreaFraction < 0 || *c.MinAreaFraction > 1) {
		return fmt.Errorf("min_area_fraction must be within [0, 1], got %v", *c.MinAreaFraction)
	}
	if c.ProcessingScale <= 0 || c.ProcessingScale > 1 {
		return fmt.Errorf("processing_scale must be within (0, 1], got %v", c.ProcessingScale)
	}
	if c.BlurSize <= 0 || c.BlurSize%2 == 0 {
		return fmt.Errorf("blur_size must be a positive odd number, got %d", c.BlurSize)
	}
	if c.KernelSize <= 0 {
		return fmt.Errorf("kernel_size must be positive, got %d", c.KernelSize)
	}
	if c.CannyLow < 0 || c.CannyHigh < c.CannyLow {
		return fmt.Errorf("invalid canny thresholds %v/%v", c.CannyLow, c.CannyHigh)
	}
	if c.CloseIterations < 0 || c.GrabCutIterations <= 0 || c.GrabCutMargin < 0 {
		return fmt.Errorf("invalid background removal settings: close=%d grabcut=%d margin=%d",
			c.CloseIterations, c.GrabCutIterations, c.GrabCutMargin)
	}
	return nil
}

// MaskMinArea is the area gate for the mask entry points.
func (c Config) MaskMinArea() float64 {
	if c.MinAreaFraction != nil {
		return *c.MinAreaFraction
	}
	return DefaultMaskMinArea
}

// FrameMinArea is the area gate for the frame entry point.
func (c Config) FrameMinArea() float64 {
	if c.MinAreaFraction != nil {
		return *c.MinAreaFraction
	}
	return DefaultFrameMinArea
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"doc-rectifier/internal/config"
	"doc-rectifier/internal/debug/eventbus"
	"doc-rectifier/internal/debug/memtracker"
	"doc-rectifier/internal/debug/timing"
	"doc-rectifier/internal/detector"
	"doc-rectifier/internal/logger"
	"doc-rectifier/internal/pipeline"
	"doc-rectifier/internal/shutdown"

	"go.uber.org/multierr"
)

const (
	AppName    = "doc-rectifier"
	AppVersion = "1.0.0"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".avi":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
}

type options struct {
	input      string
	video      string
	masks      bool
	out        string
	configPath string
	debug      bool
	live       bool
	interval   time.Duration
	progress   int
	overrides  map[string]interface{}
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet(AppName, flag.ContinueOnError)

	var opts options
	fs.StringVar(&opts.input, "input", "", "image file, directory of images, or video file")
	fs.StringVar(&opts.video, "video", "", "capture device index or video path")
	fs.BoolVar(&opts.masks, "mask", false, "treat input images as grayscale foreground masks")
	fs.StringVar(&opts.out, "out", "out", "output directory")
	fs.StringVar(&opts.configPath, "config", "", "YAML config file")
	fs.BoolVar(&opts.debug, "debug", false, "write edge maps for mask input")
	fs.BoolVar(&opts.live, "live", false, "drop frames that arrive while a cycle is running")
	fs.DurationVar(&opts.interval, "interval", 0, "frame interval in live mode")
	fs.IntVar(&opts.progress, "progress", 100, "log progress every n frames, 0 to disable")

	// Config keys. Only flags given on the command line override the file.
	fs.Bool("background-removal", false, "run GrabCut background removal on frames")
	fs.Bool("rectify", false, "warp the detected document to a flat image")
	fs.Float64("min-area", 0, "minimum quad area as a fraction of the input")
	fs.String("edges", string(config.EdgeNone), "mask edge extractor: none, sobel or canny")
	fs.Float64("scale", 0.5, "frame processing scale")
	fs.Bool("resize-output", false, "resize rectified output to the frame size")
	fs.String("log-level", "", "debug, info, warning or error")
	fs.Bool("log-json", false, "log JSON instead of console output")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	keys := map[string]string{
		"background-removal": "apply_background_removal",
		"rectify":            "apply_perspective_rectification",
		"min-area":           "min_area_fraction",
		"edges":              "edge_strategy",
		"scale":              "processing_scale",
		"resize-output":      "resize_output",
		"log-level":          "log_level",
		"log-json":           "log_json",
	}
	opts.overrides = make(map[string]interface{})
	fs.Visit(func(f *flag.Flag) {
		if key, ok := keys[f.Name]; ok {
			opts.overrides[key] = f.Value.(flag.Getter).Get()
		}
	})

	if opts.input == "" && opts.video == "" {
		return opts, errors.New("one of -input or -video is required")
	}
	return opts, nil
}

func loadConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		if err := cfg.LoadFile(opts.configPath); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Merge(opts.overrides); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func openSource(opts options) (pipeline.FrameSource, bool, error) {
	device := opts.video
	if device == "" && videoExtensions[strings.ToLower(filepath.Ext(opts.input))] {
		device = opts.input
	}
	if device != "" {
		src, err := pipeline.OpenVideoSource(device)
		return src, true, err
	}

	paths, err := pipeline.ListImages(opts.input)
	if err != nil {
		return nil, false, err
	}
	if len(paths) == 0 {
		return nil, false, fmt.Errorf("no images found in %s", opts.input)
	}
	return pipeline.NewFileSource(paths, opts.masks), false, nil
}

func run(args []string) (err error) {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	log := logger.New(cfg.LogLevel, cfg.LogJSON)
	log.Info("Main", "starting", map[string]interface{}{
		"version":    AppVersion,
		"input":      opts.input,
		"video":      opts.video,
		"masks":      opts.masks,
		"out":        opts.out,
		"edges":      string(cfg.EdgeStrategy),
		"rectify":    cfg.ApplyPerspectiveRectification,
		"background": cfg.ApplyBackgroundRemoval,
	})

	mem := memtracker.NewTracker(log)
	timer := timing.NewTracker(timing.DefaultWindow)

	det, err := detector.New(cfg,
		detector.WithLogger(log),
		detector.WithTimer(timer),
		detector.WithMemTracker(mem),
	)
	if err != nil {
		return err
	}
	if err := det.Initialize(); err != nil {
		return err
	}

	mgr := shutdown.NewManager(log)
	mgr.Register("detector", shutdown.Func(det.Release))
	defer func() {
		err = multierr.Append(err, mgr.Shutdown())
		reportLeaks(log, mem)
	}()
	mgr.Listen()

	src, isVideo, err := openSource(opts)
	if err != nil {
		return err
	}
	mgr.Register("source", shutdown.Func(src.Close))

	sink, err := pipeline.NewFileSink(opts.out, log)
	if err != nil {
		return err
	}
	mgr.Register("sink", shutdown.Func(sink.Close))

	bus := eventbus.NewBus(64)
	newProgress(log, opts.progress).subscribe(bus)
	mgr.Register("events", shutdown.Func(func() error {
		if err := bus.Shutdown(); err != nil {
			return err
		}
		reportEvents(log, bus)
		return nil
	}))

	loop := pipeline.NewLoop(det, src, sink, log, pipeline.LoopOptions{
		Live:          opts.live || isVideo,
		Debug:         opts.debug,
		FrameInterval: opts.interval,
		Events:        bus,
	})
	// Registered last so shutdown waits for the loop before closing the
	// source it reads from.
	mgr.Register("loop", shutdown.Func(loop.Wait))

	summary, runErr := loop.Run(mgr.Context())
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	reportStats(log, det.Stats(), sink.Images())
	if summary.Errors > 0 {
		runErr = multierr.Append(runErr, fmt.Errorf("%d frames failed", summary.Errors))
	}
	return runErr
}

func reportStats(log logger.Logger, stats detector.Stats, images int) {
	log.Info("Main", "detector stats", map[string]interface{}{
		"cycles":      stats.Cycles,
		"found":       stats.Found,
		"not_found":   stats.NotFound,
		"dropped":     stats.Dropped,
		"errors":      stats.Errors,
		"cancelled":   stats.Cancelled,
		"images":      images,
		"arena_mats":  stats.Arena.ActiveMats,
		"arena_alloc": stats.Arena.Allocations,
		"arena_reuse": stats.Arena.Reuses,
	})

	for op, s := range stats.Timings {
		log.Debug("Main", "timing", map[string]interface{}{
			"operation": op,
			"count":     s.Count,
			"mean_ms":   s.MeanMs,
			"std_ms":    s.StdMs,
			"p95_ms":    s.P95Ms,
			"max_ms":    s.MaxMs,
		})
	}
}

func reportEvents(log logger.Logger, bus *eventbus.Bus) {
	dropped, panics := bus.Dropped(), bus.Panics()
	if dropped == 0 && len(panics) == 0 {
		return
	}
	log.Warning("Main", "progress events lost", map[string]interface{}{
		"dropped": dropped,
		"panics":  panics,
	})
}

// reportLeaks logs every matrix still tracked after shutdown and returns how
// many there were.
func reportLeaks(log logger.Logger, mem *memtracker.Tracker) int {
	leaks := mem.DetectLeaks(0)
	if len(leaks) == 0 {
		return 0
	}

	log.Warning("Main", "matrices still allocated at exit", map[string]interface{}{
		"active": len(leaks),
		"by_tag": mem.ActiveByTag(),
	})
	for _, leak := range leaks {
		log.Debug("Main", "leaked matrix", map[string]interface{}{
			"id":    leak.ID,
			"tag":   leak.Tag,
			"bytes": leak.Size,
			"age":   time.Since(leak.AllocatedAt).String(),
		})
	}
	return len(leaks)
}

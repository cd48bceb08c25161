package keyframes

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"stepforge/internal/imagehash"
	"stepforge/internal/logging"
	"stepforge/internal/media/ffprobe"
	"stepforge/internal/services"
)

const fallbackFPS = 30.0

// Options controls sampling and selection.
type Options struct {
	SampleFPS         float64
	DiffThreshold     float64
	MinIntervalFrames int
	MaxFrames         int
	JPEGQuality       int
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{SampleFPS: 2, DiffThreshold: 5, MinIntervalFrames: 30, MaxFrames: 100, JPEGQuality: 2}
}

// Candidate is one kept frame written to the output directory.
type Candidate struct {
	FrameNumber int    `json:"frame_number"`
	TimestampMs int64  `json:"timestamp"`
	Filename    string `json:"filename"`
	DiffScore   int    `json:"diff_score"`
}

// Result describes a finished extraction.
type Result struct {
	Frames    []Candidate
	NativeFPS float64
	SampleFPS float64
	Samples   int
}

// CommandRunner executes ffmpeg and returns combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Extractor runs the sampling pipeline.
type Extractor struct {
	opts    Options
	ffmpeg  string
	ffprobe string
	run     CommandRunner
	probe   ffprobe.Runner
	logger  *slog.Logger
}

// NewExtractor builds an extractor using the given binaries.
func NewExtractor(opts Options, ffmpegBinary, ffprobeBinary string, logger *slog.Logger) *Extractor {
	if strings.TrimSpace(ffmpegBinary) == "" {
		ffmpegBinary = "ffmpeg"
	}
	return &Extractor{
		opts:    opts,
		ffmpeg:  ffmpegBinary,
		ffprobe: ffprobeBinary,
		run:     runCombined,
		logger:  logging.NewComponentLogger(logger, "keyframes"),
	}
}

// WithRunners swaps the ffmpeg and ffprobe executors (used in tests).
func (e *Extractor) WithRunners(run CommandRunner, probe ffprobe.Runner) {
	if run != nil {
		e.run = run
	}
	if probe != nil {
		e.probe = probe
	}
}

// Extract samples videoPath and writes kept frames to outputDir as
// frame_%06d.jpg, numbered by native frame index. Intermediate samples live in
// a private directory under outputDir that is removed before returning.
func (e *Extractor) Extract(ctx context.Context, videoPath, outputDir string) (*Result, error) {
	probe, err := ffprobe.InspectWith(ctx, e.probe, e.ffprobe, videoPath)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "extraction", "probe video", "", err)
	}
	if _, ok := probe.VideoStream(); !ok {
		return nil, services.Wrap(services.ErrValidation, "extraction", "probe video", "no video stream", nil)
	}
	nativeFPS := probe.FrameRate()
	if nativeFPS <= 0 {
		nativeFPS = fallbackFPS
	}
	sampleFPS := e.opts.SampleFPS
	if sampleFPS <= 0 || sampleFPS > nativeFPS {
		sampleFPS = nativeFPS
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	sampleDir, err := os.MkdirTemp(outputDir, ".samples-*")
	if err != nil {
		return nil, fmt.Errorf("create sample dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(sampleDir); err != nil {
			e.logger.Warn("failed to remove sample directory",
				logging.String(logging.FieldEventType, "sample_cleanup_failed"),
				logging.String("dir", sampleDir),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "remove the directory manually"),
				logging.String(logging.FieldImpact, "disk space is not reclaimed"))
		}
	}()

	e.logger.Info("sampling video",
		logging.String("video", filepath.Base(videoPath)),
		logging.Float64("native_fps", nativeFPS),
		logging.Float64("sample_fps", sampleFPS))

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin", "-i", videoPath}
	if sampleFPS < nativeFPS {
		args = append(args, "-vf", "fps="+strconv.FormatFloat(sampleFPS, 'f', -1, 64))
	}
	quality := e.opts.JPEGQuality
	if quality <= 0 {
		quality = 2
	}
	args = append(args, "-qscale:v", strconv.Itoa(quality), "-vsync", "0", "-y", filepath.Join(sampleDir, "sample_%06d.jpg"))
	if output, err := e.run(ctx, e.ffmpeg, args...); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "extraction", "sample frames", strings.TrimSpace(string(output)), err)
	}

	samples, err := collectSamples(sampleDir)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, services.Wrap(services.ErrValidation, "extraction", "sample frames", "ffmpeg produced no frames", nil)
	}

	frames, err := e.selectFrames(ctx, samples, nativeFPS/sampleFPS, nativeFPS, outputDir)
	if err != nil {
		return nil, err
	}
	e.logger.Info("keyframes selected",
		logging.Int("samples", len(samples)),
		logging.Int("kept", len(frames)))
	return &Result{Frames: frames, NativeFPS: nativeFPS, SampleFPS: sampleFPS, Samples: len(samples)}, nil
}

func (e *Extractor) selectFrames(ctx context.Context, samples []string, step, nativeFPS float64, outputDir string) ([]Candidate, error) {
	var (
		kept     []Candidate
		prev     *image.Gray
		lastKept int
	)
	for idx, path := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frameNumber := int(math.Round(float64(idx) * step))
		if prev != nil && frameNumber-lastKept < e.opts.MinIntervalFrames {
			continue
		}
		img, err := imagehash.DecodeFile(path)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "extraction", "decode sample", filepath.Base(path), err)
		}
		gray := toGray(img)
		score := 0.0
		if prev != nil {
			score, err = DiffScore(prev, gray)
			if err != nil {
				return nil, services.Wrap(services.ErrValidation, "extraction", "score sample", filepath.Base(path), err)
			}
			if score < e.opts.DiffThreshold {
				continue
			}
		}
		name := fmt.Sprintf("frame_%06d.jpg", frameNumber)
		if err := os.Rename(path, filepath.Join(outputDir, name)); err != nil {
			return nil, fmt.Errorf("move keyframe: %w", err)
		}
		kept = append(kept, Candidate{
			FrameNumber: frameNumber,
			TimestampMs: int64(float64(frameNumber) / nativeFPS * 1000),
			Filename:    name,
			DiffScore:   int(score),
		})
		prev = gray
		lastKept = frameNumber
		if e.opts.MaxFrames > 0 && len(kept) >= e.opts.MaxFrames {
			e.logger.Info("keyframe limit reached", logging.Int("max_frames", e.opts.MaxFrames))
			break
		}
	}
	return kept, nil
}

// DiffScore returns the mean absolute difference of two equally sized
// grayscale images scaled to 0-100.
func DiffScore(a, b *image.Gray) (float64, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return 0, errors.New("frame size changed mid-video")
	}
	w, h := ab.Dx(), ab.Dy()
	if w == 0 || h == 0 {
		return 0, nil
	}
	var total uint64
	for y := 0; y < h; y++ {
		rowA := a.Pix[(y)*a.Stride : (y)*a.Stride+w]
		rowB := b.Pix[(y)*b.Stride : (y)*b.Stride+w]
		for x := 0; x < w; x++ {
			d := int(rowA[x]) - int(rowB[x])
			if d < 0 {
				d = -d
			}
			total += uint64(d)
		}
	}
	mean := float64(total) / float64(w*h)
	return mean / 255 * 100, nil
}

func toGray(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			gray.SetGray(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
		}
	}
	return gray
}

func collectSamples(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read sample dir: %w", err)
	}
	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jpg") {
			continue
		}
		paths = append(paths, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func runCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	return cmd.CombinedOutput()
}

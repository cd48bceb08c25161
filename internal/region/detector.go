package region

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"stepforge/internal/imagehash"
	"stepforge/internal/logging"
)

// Backend names accepted by NewDetector.
const (
	BackendFFmpeg = "ffmpeg"
	BackendNative = "native"
)

// Options tunes the changed-region policy.
type Options struct {
	MinWidthRatio          float64
	MinHeightRatio         float64
	SkipNearFullFrameRatio float64
	CropThreshold          int
}

// DefaultOptions returns the stock thresholds.
func DefaultOptions() Options {
	return Options{
		MinWidthRatio:          0.01,
		MinHeightRatio:         0.01,
		SkipNearFullFrameRatio: 0.95,
		CropThreshold:          24,
	}
}

// CommandRunner executes an external tool and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Detector finds the bounding box of pixels that changed between two frames.
// Detection is advisory: every failure maps to a nil region.
type Detector struct {
	opts    Options
	backend string
	ffmpeg  string
	runner  CommandRunner
	logger  *slog.Logger
}

// NewDetector builds a detector for the given backend. An empty backend selects ffmpeg.
func NewDetector(opts Options, backend, ffmpegBinary string, logger *slog.Logger) *Detector {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "" {
		backend = BackendFFmpeg
	}
	if strings.TrimSpace(ffmpegBinary) == "" {
		ffmpegBinary = "ffmpeg"
	}
	return &Detector{
		opts:    opts,
		backend: backend,
		ffmpeg:  ffmpegBinary,
		runner:  runCombined,
		logger:  logging.NewComponentLogger(logger, "region"),
	}
}

// WithCommandRunner swaps the ffmpeg executor (used in tests).
func (d *Detector) WithCommandRunner(runner CommandRunner) {
	if runner != nil {
		d.runner = runner
	}
}

// Detect returns the changed region of next relative to prev, or nil when the
// change is noise, covers nearly the whole frame, or cannot be computed.
func (d *Detector) Detect(ctx context.Context, prevPath, nextPath string) *imagehash.NormalizedRect {
	if d == nil {
		return nil
	}
	var (
		box    image.Rectangle
		width  int
		height int
		err    error
	)
	switch d.backend {
	case BackendNative:
		box, width, height, err = d.detectNative(prevPath, nextPath)
	default:
		box, width, height, err = d.detectFFmpeg(ctx, prevPath, nextPath)
	}
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, d.logger), "changed-region detection failed", "region_detect_failed",
			logging.String("backend", d.backend),
			logging.Error(err),
			logging.String(logging.FieldImpact, "step will not highlight a changed region"),
			logging.String(logging.FieldErrorHint, "verify ffmpeg is installed and both frames are readable"),
		)
		return nil
	}
	return Classify(box, width, height, d.opts)
}

// Classify applies the size policy to a pixel bounding box.
func Classify(box image.Rectangle, width, height int, opts Options) *imagehash.NormalizedRect {
	if width <= 0 || height <= 0 || box.Empty() {
		return nil
	}
	wr := float64(box.Dx()) / float64(width)
	hr := float64(box.Dy()) / float64(height)
	if wr >= opts.SkipNearFullFrameRatio || hr >= opts.SkipNearFullFrameRatio {
		return nil
	}
	if wr < opts.MinWidthRatio || hr < opts.MinHeightRatio {
		return nil
	}
	rect := imagehash.FromPixels(box.Min.X, box.Min.Y, box.Dx(), box.Dy(), width, height)
	return &rect
}

// detectFFmpeg scales the next frame onto the previous one, so the crop
// report is in the previous frame's pixel space.
func (d *Detector) detectFFmpeg(ctx context.Context, prevPath, nextPath string) (image.Rectangle, int, int, error) {
	width, height, err := imagehash.FileDimensions(prevPath)
	if err != nil {
		return image.Rectangle{}, 0, 0, err
	}
	filter := fmt.Sprintf(
		"[1:v][0:v]scale2ref[next][prev];[prev][next]blend=all_mode=difference,format=gray,cropdetect=limit=%d:round=2:reset=0:skip=0",
		d.opts.CropThreshold,
	)
	args := []string{
		"-hide_banner",
		"-nostats",
		"-loglevel", "info",
		"-i", prevPath,
		"-i", nextPath,
		"-filter_complex", filter,
		"-frames:v", "1",
		"-f", "null",
		"-",
	}
	output, err := d.runner(ctx, d.ffmpeg, args...)
	if err != nil {
		return image.Rectangle{}, 0, 0, fmt.Errorf("ffmpeg difference: %w", err)
	}
	box, err := ParseCropDetect(string(output))
	if err != nil {
		return image.Rectangle{}, 0, 0, err
	}
	return box.Intersect(image.Rect(0, 0, width, height)), width, height, nil
}

var cropPattern = regexp.MustCompile(`crop=(-?\d+):(-?\d+):(-?\d+):(-?\d+)`)

// ParseCropDetect extracts the last crop=w:h:x:y report from ffmpeg output.
// A non-positive width or height means nothing exceeded the threshold and
// yields an empty rectangle.
func ParseCropDetect(output string) (image.Rectangle, error) {
	matches := cropPattern.FindAllStringSubmatch(output, -1)
	if len(matches) == 0 {
		return image.Rectangle{}, errors.New("cropdetect: no crop report in ffmpeg output")
	}
	last := matches[len(matches)-1]
	vals := make([]int, 4)
	for i := range vals {
		v, err := strconv.Atoi(last[i+1])
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("cropdetect: %w", err)
		}
		vals[i] = v
	}
	w, h, x, y := vals[0], vals[1], vals[2], vals[3]
	if w <= 0 || h <= 0 {
		return image.Rectangle{}, nil
	}
	return image.Rect(x, y, x+w, y+h), nil
}

func (d *Detector) detectNative(prevPath, nextPath string) (image.Rectangle, int, int, error) {
	prev, err := imagehash.DecodeFile(prevPath)
	if err != nil {
		return image.Rectangle{}, 0, 0, err
	}
	next, err := imagehash.DecodeFile(nextPath)
	if err != nil {
		return image.Rectangle{}, 0, 0, err
	}
	box, err := DiffBounds(prev, next, d.opts.CropThreshold)
	if err != nil {
		return image.Rectangle{}, 0, 0, err
	}
	b := prev.Bounds()
	return box, b.Dx(), b.Dy(), nil
}

// DiffBounds returns the tightest box, in coordinates relative to the image
// origin, of pixels whose luminance differs by more than threshold.
func DiffBounds(a, b image.Image, threshold int) (image.Rectangle, error) {
	ab, bb := a.Bounds(), b.Bounds()
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		return image.Rectangle{}, fmt.Errorf("frame size mismatch: %dx%d vs %dx%d", ab.Dx(), ab.Dy(), bb.Dx(), bb.Dy())
	}
	minX, minY := ab.Dx(), ab.Dy()
	maxX, maxY := -1, -1
	for y := 0; y < ab.Dy(); y++ {
		for x := 0; x < ab.Dx(); x++ {
			la := color.GrayModel.Convert(a.At(ab.Min.X+x, ab.Min.Y+y)).(color.Gray).Y
			lb := color.GrayModel.Convert(b.At(bb.Min.X+x, bb.Min.Y+y)).(color.Gray).Y
			delta := int(la) - int(lb)
			if delta < 0 {
				delta = -delta
			}
			if delta <= threshold {
				continue
			}
			if x < minX {
				minX = x
			}
			if y < minY {
				minY = y
			}
			if x > maxX {
				maxX = x
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < 0 {
		return image.Rectangle{}, nil
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), nil
}

func runCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

package extraction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"stepforge/internal/config"
	"stepforge/internal/dedup"
	"stepforge/internal/deps"
	"stepforge/internal/keyframes"
	"stepforge/internal/logging"
	"stepforge/internal/objectstore"
	"stepforge/internal/queue"
	"stepforge/internal/region"
	"stepforge/internal/services"
	"stepforge/internal/stage"
)

const (
	stageName     = "extraction"
	progressStart = 0
	progressEnd   = 50
)

// FrameStore is the slice of the relational store the stage writes to.
type FrameStore interface {
	stage.ProgressStore
	DeleteFramesByProject(ctx context.Context, projectID int64) (int64, error)
	CreateFrames(ctx context.Context, projectID int64, frames []queue.Frame) ([]queue.Frame, error)
}

// Sampler extracts candidate keyframes from a video into outputDir.
type Sampler interface {
	Extract(ctx context.Context, videoPath, outputDir string) (*keyframes.Result, error)
}

// SamplerFactory builds a sampler for per-project options.
type SamplerFactory func(opts keyframes.Options) Sampler

// Stage implements stage.Handler for frame extraction.
type Stage struct {
	cfg        *config.Config
	store      FrameStore
	docs       objectstore.Store
	newSampler SamplerFactory
	regions    dedup.RegionDetector
	tempRoot   string
	logger     *slog.Logger
}

// Option customizes a Stage.
type Option func(*Stage)

// WithSamplerFactory replaces the ffmpeg-backed sampler (used in tests).
func WithSamplerFactory(factory SamplerFactory) Option {
	return func(s *Stage) {
		if factory != nil {
			s.newSampler = factory
		}
	}
}

// WithRegionDetector replaces the configured changed-region detector.
func WithRegionDetector(detector dedup.RegionDetector) Option {
	return func(s *Stage) { s.regions = detector }
}

// WithTempRoot sets the parent directory for per-run work directories.
func WithTempRoot(dir string) Option {
	return func(s *Stage) {
		if strings.TrimSpace(dir) != "" {
			s.tempRoot = dir
		}
	}
}

// New builds the extraction stage.
func New(cfg *config.Config, store FrameStore, docs objectstore.Store, logger *slog.Logger, opts ...Option) *Stage {
	logger = logging.NewComponentLogger(logger, stageName)
	s := &Stage{
		cfg:      cfg,
		store:    store,
		docs:     docs,
		tempRoot: os.TempDir(),
		logger:   logger,
		regions: region.NewDetector(region.Options{
			MinWidthRatio:          cfg.Region.MinWidthRatio,
			MinHeightRatio:         cfg.Region.MinHeightRatio,
			SkipNearFullFrameRatio: cfg.Region.SkipNearFullFrameRatio,
			CropThreshold:          cfg.Region.CropThreshold,
		}, cfg.Region.Backend, cfg.FFmpegBinary(), logger),
	}
	s.newSampler = func(opts keyframes.Options) Sampler {
		return keyframes.NewExtractor(opts, cfg.FFmpegBinary(), cfg.FFprobeBinary(), logger)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prepare checks that the source video exists and that there is room for
// sampled frames.
func (s *Stage) Prepare(ctx context.Context, project *queue.Project) error {
	info, err := os.Stat(project.SourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return services.Wrap(services.ErrValidation, stageName, "open source", "source video not found", err)
		}
		return services.Wrap(services.ErrValidation, stageName, "open source", "", err)
	}
	if info.IsDir() {
		return services.Wrap(services.ErrValidation, stageName, "open source", "source path is a directory", nil)
	}
	if err := deps.CheckFreeSpace(s.tempRoot, s.cfg.Extraction.MinFreeGiB); err != nil {
		return services.Wrap(services.ErrValidation, stageName, "preflight", "insufficient disk space", err)
	}
	return nil
}

// Execute samples, deduplicates, uploads, and persists frames.
func (s *Stage) Execute(ctx context.Context, project *queue.Project) error {
	logger := logging.WithContext(ctx, s.logger)
	progress := stage.NewProgress(s.store, project.ID, stageName, progressStart, progressEnd, s.logger)

	workDir, err := os.MkdirTemp(s.tempRoot, "stepforge-frames-*")
	if err != nil {
		return services.Wrap(services.ErrExternalTool, stageName, "create work dir", "", err)
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logging.WarnWithContext(logger, "failed to remove frame work directory", "frame_cleanup_failed",
				logging.String("dir", workDir),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "remove the directory manually"),
				logging.String(logging.FieldImpact, "disk space is not reclaimed"))
		}
	}()

	progress.Report(ctx, 0, "Sampling frames")
	result, err := s.newSampler(s.samplerOptions(project)).Extract(ctx, project.SourcePath, workDir)
	if err != nil {
		return err
	}
	progress.Report(ctx, 0.4, fmt.Sprintf("%d candidate frames", len(result.Frames)))

	threshold := s.cfg.Dedup.HammingThreshold
	if project.DedupThreshold != nil {
		threshold = *project.DedupThreshold
	}
	resolve := func(name string) string { return filepath.Join(workDir, filepath.Base(name)) }
	kept, err := dedup.New(threshold, resolve, s.regions, s.logger).Run(ctx, toDedupCandidates(result.Frames))
	if err != nil {
		return err
	}
	if len(kept) == 0 {
		return services.Wrap(services.ErrValidation, stageName, "dedup", "no frames survived extraction", nil)
	}
	progress.Report(ctx, 0.6, fmt.Sprintf("%d frames after dedup", len(kept)))

	if _, err := s.store.DeleteFramesByProject(ctx, project.ID); err != nil {
		return services.Wrap(services.ErrTransient, stageName, "clear frames", "", err)
	}

	frames := make([]queue.Frame, 0, len(kept))
	for i, k := range kept {
		data, err := os.ReadFile(k.Path)
		if err != nil {
			return services.Wrap(services.ErrValidation, stageName, "read frame", k.Filename, err)
		}
		key := objectstore.FrameKey(project.ID, k.Filename)
		ref, err := s.docs.Put(ctx, key, data, objectstore.ContentTypeFor(key))
		if err != nil {
			return services.Wrap(services.ErrTransient, stageName, "upload frame", k.Filename, err)
		}
		frames = append(frames, queue.Frame{
			FrameNumber:   int64(k.FrameNumber),
			TimestampMs:   k.TimestampMs,
			ImageRef:      ref,
			DiffScore:     float64(k.DiffScore),
			SortOrder:     i,
			Hash:          k.Hash.Hex(),
			ChangedRegion: k.ChangedRegion,
		})
		progress.Report(ctx, 0.6+0.35*float64(i+1)/float64(len(kept)), fmt.Sprintf("Uploaded frame %d/%d", i+1, len(kept)))
	}

	if _, err := s.store.CreateFrames(ctx, project.ID, frames); err != nil {
		return services.Wrap(services.ErrTransient, stageName, "persist frames", "", err)
	}
	progress.Report(ctx, 1, fmt.Sprintf("%d frames ready", len(frames)))
	logger.Info("frames extracted",
		logging.String(logging.FieldEventType, "extraction_complete"),
		logging.Int("candidates", len(result.Frames)),
		logging.Int("kept", len(frames)),
		logging.Int("threshold", threshold))
	return nil
}

// HealthCheck reports whether ffmpeg and ffprobe are on PATH.
func (s *Stage) HealthCheck(context.Context) stage.Health {
	statuses := deps.CheckBinaries(deps.Requirements(s.cfg)[:2])
	tools := make([]string, 0, len(statuses))
	for _, st := range statuses {
		tools = append(tools, st.Command)
	}
	return stage.RequireTools(stageName, tools, deps.Missing(statuses))
}

func (s *Stage) samplerOptions(project *queue.Project) keyframes.Options {
	opts := keyframes.Options{
		SampleFPS:         s.cfg.Extraction.SampleFPS,
		DiffThreshold:     s.cfg.Extraction.DiffThreshold,
		MinIntervalFrames: s.cfg.Extraction.MinIntervalFrames,
		MaxFrames:         s.cfg.Extraction.MaxFrames,
		JPEGQuality:       s.cfg.Extraction.JPEGQuality,
	}
	if project.MaxFrames != nil && *project.MaxFrames > 0 {
		opts.MaxFrames = *project.MaxFrames
	}
	return opts
}

func toDedupCandidates(frames []keyframes.Candidate) []dedup.Candidate {
	out := make([]dedup.Candidate, len(frames))
	for i, f := range frames {
		out[i] = dedup.Candidate{
			Filename:    f.Filename,
			TimestampMs: f.TimestampMs,
			FrameNumber: f.FrameNumber,
			DiffScore:   f.DiffScore,
		}
	}
	return out
}

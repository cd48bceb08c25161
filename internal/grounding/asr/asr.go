package asr

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"stepforge/internal/config"
	"stepforge/internal/language"
	"stepforge/internal/logging"
	"stepforge/internal/media/ffprobe"
	"stepforge/internal/pipelinecache"
	"stepforge/internal/services"
	"stepforge/internal/services/whisperx"
)

const stageName = "transcription"

// Transcriber turns the audio track of a video into a transcript.
type Transcriber interface {
	Name() string
	Transcribe(ctx context.Context, videoPath string) (Transcript, error)
}

// CommandRunner executes an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// recognizer is the provider-specific half of a transcription.
type recognizer interface {
	model() string
	recognize(ctx context.Context, audioPath, workDir string) ([]Segment, error)
}

// Option customizes the adapter.
type Option func(*options)

type options struct {
	run        CommandRunner
	probe      ffprobe.Runner
	httpClient *http.Client
	tempRoot   string
}

// WithCommandRunner replaces ffmpeg and uvx execution.
func WithCommandRunner(run CommandRunner) Option {
	return func(o *options) { o.run = run }
}

// WithProbeRunner replaces ffprobe execution.
func WithProbeRunner(probe ffprobe.Runner) Option {
	return func(o *options) { o.probe = probe }
}

// WithHTTPClient overrides the client used by remote providers.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithTempRoot sets the parent directory for per-run temp directories.
func WithTempRoot(dir string) Option {
	return func(o *options) { o.tempRoot = dir }
}

// Disabled is the "none" provider.
type Disabled struct{}

// Name reports the provider identifier.
func (Disabled) Name() string { return config.ProviderNone }

// Transcribe returns an empty transcript flagged as disabled.
func (Disabled) Transcribe(context.Context, string) (Transcript, error) {
	return Transcript{Provider: config.ProviderNone, Segments: []Segment{}, Disabled: true}, nil
}

// Service probes, extracts audio, and hands it to a recognizer.
type Service struct {
	provider string
	language string
	ffmpeg   string
	ffprobe  string
	opts     options
	backend  recognizer
	logger   *slog.Logger
}

// New returns the transcriber selected by cfg.ASR.Provider.
func New(cfg *config.Config, cache *pipelinecache.Store, logger *slog.Logger, opts ...Option) (Transcriber, error) {
	o := options{run: execRunner}
	for _, opt := range opts {
		opt(&o)
	}
	if o.run == nil {
		o.run = execRunner
	}
	if o.httpClient == nil {
		timeout := time.Duration(cfg.ASR.TimeoutSeconds) * time.Second
		o.httpClient = &http.Client{Timeout: timeout}
	}
	logger = logging.NewComponentLogger(logger, "asr")

	svc := &Service{
		provider: strings.ToLower(strings.TrimSpace(cfg.ASR.Provider)),
		language: language.ToISO2(cfg.ASR.Language),
		ffmpeg:   cfg.FFmpegBinary(),
		ffprobe:  cfg.FFprobeBinary(),
		opts:     o,
		logger:   logger,
	}
	switch svc.provider {
	case config.ProviderNone, "":
		return Disabled{}, nil
	case config.ProviderWhisperX:
		service := whisperx.NewService(whisperx.Config{
			Model:       cfg.ASR.Model,
			CUDAEnabled: cfg.ASR.CUDAEnabled,
			VADMethod:   cfg.ASR.VADMethod,
			HFToken:     os.Getenv("HF_TOKEN"),
		}).WithCommandRunner(whisperx.CommandRunner(o.run))
		svc.backend = &whisperxBackend{service: service, language: svc.language}
	case config.ProviderOpenAI:
		if strings.TrimSpace(cfg.ASR.APIKey) == "" {
			return nil, fmt.Errorf("%w: asr.api_key is required for provider openai", services.ErrConfiguration)
		}
		svc.backend = &openAIBackend{
			endpoint:      strings.TrimRight(cfg.ASR.BaseURL, "/") + "/audio/transcriptions",
			apiKey:        strings.TrimSpace(cfg.ASR.APIKey),
			modelName:     cfg.ASR.Model,
			language:      svc.language,
			promptVersion: cfg.ASR.PromptVersion,
			client:        o.httpClient,
			cache:         cache,
			logger:        logger,
		}
	default:
		return nil, fmt.Errorf("%w: unsupported asr provider %q", services.ErrConfiguration, cfg.ASR.Provider)
	}
	return svc, nil
}

// Name reports the provider identifier.
func (s *Service) Name() string { return s.provider }

// Transcribe extracts the first audio stream of videoPath and recognizes it.
func (s *Service) Transcribe(ctx context.Context, videoPath string) (Transcript, error) {
	out := Transcript{Provider: s.provider, Model: s.backend.model(), Language: s.language, Segments: []Segment{}}
	logger := logging.WithContext(ctx, s.logger)

	probe, err := ffprobe.InspectWith(ctx, s.opts.probe, s.ffprobe, videoPath)
	if err != nil {
		return out, services.Wrap(services.ErrExternalTool, stageName, "probe", "ffprobe failed", err)
	}
	if !probe.HasAudio() {
		out.Warnings = append(out.Warnings, "source video has no audio stream; transcript is empty")
		logging.WarnWithContext(logger, "no audio stream", "asr_no_audio",
			logging.String(logging.FieldErrorHint, "record with a microphone track to ground steps in narration"),
			logging.String(logging.FieldImpact, "steps are generated without transcript evidence"),
		)
		return out, nil
	}

	workDir, err := os.MkdirTemp(s.opts.tempRoot, "stepforge-asr-*")
	if err != nil {
		return out, services.Wrap(services.ErrExternalTool, stageName, "temp dir", "create work directory", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			logger.Debug("remove asr work dir failed", logging.Error(rmErr))
		}
	}()

	audioPath := filepath.Join(workDir, "audio.wav")
	if output, err := s.opts.run(ctx, s.ffmpeg, extractArgs(videoPath, audioPath)...); err != nil {
		return out, services.Wrap(services.ErrExternalTool, stageName, "extract audio",
			strings.TrimSpace(string(output)), err)
	}

	start := time.Now()
	segments, err := s.backend.recognize(ctx, audioPath, workDir)
	if err != nil {
		return out, err
	}
	out.Segments = spanUntimed(segments, secondsToMs(probe.DurationSeconds()))
	logger.Info("transcription complete",
		logging.String("provider", s.provider),
		logging.Int("segments", len(segments)),
		logging.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

// extractArgs builds the ffmpeg invocation for a mono 16 kHz WAV of the
// first audio stream.
func extractArgs(source, dest string) []string {
	return []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", source,
		"-map", "0:a:0",
		"-vn", "-sn", "-dn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		dest,
	}
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	return cmd.CombinedOutput()
}

type whisperxBackend struct {
	service  *whisperx.Service
	language string
}

func (b *whisperxBackend) model() string { return b.service.Model() }

func (b *whisperxBackend) recognize(ctx context.Context, audioPath, workDir string) ([]Segment, error) {
	result, err := b.service.TranscribeFile(ctx, audioPath, filepath.Join(workDir, "whisperx"), b.language)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, stageName, "whisperx", "", err)
	}
	segments := make([]Segment, 0, len(result.Segments))
	for _, seg := range result.Segments {
		segments = append(segments, Segment{
			StartMs:    secondsToMs(seg.Start),
			EndMs:      secondsToMs(seg.End),
			Text:       strings.TrimSpace(seg.Text),
			Confidence: seg.Confidence(),
		})
	}
	return segments, nil
}

// spanUntimed stretches a lone segment that carries no timing over
// [0, durationMs].
func spanUntimed(segments []Segment, durationMs int64) []Segment {
	if len(segments) == 1 && segments[0].StartMs == 0 && segments[0].EndMs == 0 && durationMs > 0 {
		segments[0].EndMs = durationMs
	}
	return segments
}

func secondsToMs(seconds float64) int64 {
	if seconds <= 0 {
		return 0
	}
	return int64(seconds*1000 + 0.5)
}

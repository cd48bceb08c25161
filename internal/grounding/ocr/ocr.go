package ocr

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"stepforge/internal/config"
	"stepforge/internal/imagehash"
	"stepforge/internal/logging"
	"stepforge/internal/pipelinecache"
	"stepforge/internal/services"
	"stepforge/internal/services/llm"
	"stepforge/internal/textutil"
)

//go:embed schema.json
var resultSchema []byte

const instruction = `You transcribe the text visible in a screenshot of a software application.
Report only text that is literally legible in the image, exactly as written. Never guess,
complete, translate, or correct text. When text is present but unreadable, do not include
it in lines; describe it in warnings instead (for example "partially obscured label near
the top toolbar"). For every line also report a region with the bounding box of that text
as fractions of the image width and height (x, y, w, h between 0 and 1). Set confidence to
how sure you are that the transcription is complete and exact.`

// Region is one piece of text with its location on screen.
type Region struct {
	Text string                   `json:"text"`
	Rect imagehash.NormalizedRect `json:"rect"`
}

// Result is the on-screen text of one frame.
type Result struct {
	Lines      []string `json:"lines"`
	Regions    []Region `json:"regions"`
	Warnings   []string `json:"warnings"`
	Confidence float64  `json:"confidence"`
	Disabled   bool     `json:"disabled,omitempty"`
}

// Text joins the lines with newlines.
func (r Result) Text() string {
	return strings.Join(r.Lines, "\n")
}

// Extractor reads the text shown in an image.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, image []byte, mimeType string) (Result, error)
}

// Disabled is the "none" provider.
type Disabled struct{}

// Name reports the provider identifier.
func (Disabled) Name() string { return config.ProviderNone }

// Extract returns an empty result flagged as disabled.
func (Disabled) Extract(context.Context, []byte, string) (Result, error) {
	return Result{Lines: []string{}, Regions: []Region{}, Warnings: []string{}, Disabled: true}, nil
}

// New returns the extractor selected by cfg.OCR.Provider.
func New(cfg *config.Config, gateway llm.Provider, cache *pipelinecache.Store, logger *slog.Logger) (Extractor, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.OCR.Provider)) {
	case config.ProviderNone:
		return Disabled{}, nil
	case config.ProviderLLM, "":
		if gateway == nil {
			return nil, fmt.Errorf("%w: ocr provider llm requires an inference gateway", services.ErrConfiguration)
		}
		return &LLMExtractor{
			gateway:       gateway,
			cache:         cache,
			promptVersion: cfg.OCR.PromptVersion,
			logger:        logging.NewComponentLogger(logger, "ocr"),
		}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported ocr provider %q", services.ErrConfiguration, cfg.OCR.Provider)
	}
}

// LLMExtractor reads text through a vision model.
type LLMExtractor struct {
	gateway       llm.Provider
	cache         *pipelinecache.Store
	promptVersion string
	logger        *slog.Logger
}

// Name reports the provider identifier.
func (e *LLMExtractor) Name() string { return config.ProviderLLM }

type cacheDescriptor struct {
	ImageSHA256   string `json:"image_sha256"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	PromptVersion string `json:"prompt_version"`
}

// wireResult is the schema-constrained model reply.
type wireResult struct {
	Lines   []string `json:"lines"`
	Regions []struct {
		Text string  `json:"text"`
		X    float64 `json:"x"`
		Y    float64 `json:"y"`
		W    float64 `json:"w"`
		H    float64 `json:"h"`
	} `json:"regions"`
	Warnings   []string `json:"warnings"`
	Confidence float64  `json:"confidence"`
}

// Extract returns the normalized text of image. Gateway and cache errors
// propagate unchanged.
func (e *LLMExtractor) Extract(ctx context.Context, image []byte, mimeType string) (Result, error) {
	if len(image) == 0 {
		return Result{}, services.Wrap(services.ErrValidation, "ocr", "extract", "empty image", nil)
	}
	desc := cacheDescriptor{
		ImageSHA256:   pipelinecache.HashBytes(image),
		Provider:      e.gateway.Name(),
		Model:         e.gateway.Model(),
		PromptVersion: e.promptVersion,
	}
	var cached Result
	hit, err := e.cache.Get(pipelinecache.NamespaceOCR, desc, &cached)
	if err != nil {
		return Result{}, err
	}
	if hit {
		return cached, nil
	}

	req := llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Parts: []llm.Part{llm.TextPart(instruction)}},
			{Role: llm.RoleUser, Parts: []llm.Part{
				llm.TextPart("Transcribe the visible text of this screenshot."),
				llm.ImagePart(image, mimeType),
			}},
		},
		ResponseSchema: &llm.ResponseSchema{Name: "ocr_result", Schema: resultSchema, Strict: true},
	}
	var wire wireResult
	if _, err := llm.CompleteJSON(ctx, e.gateway, req, &wire); err != nil {
		return Result{}, fmt.Errorf("ocr extract: %w", err)
	}
	result := normalize(wire)

	if err := e.cache.Put(pipelinecache.NamespaceOCR, desc, result); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, e.logger), "ocr cache write failed", "cache_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the next run repeats this OCR call"),
		)
	}
	return result, nil
}

func normalize(wire wireResult) Result {
	out := Result{
		Lines:      textutil.NormalizeLines(wire.Lines),
		Regions:    make([]Region, 0, len(wire.Regions)),
		Warnings:   textutil.NormalizeLines(wire.Warnings),
		Confidence: clampConfidence(wire.Confidence),
	}
	for _, region := range wire.Regions {
		text := textutil.NormalizeLine(region.Text)
		if text == "" {
			continue
		}
		rect := imagehash.NormalizedRect{X: region.X, Y: region.Y, W: region.W, H: region.H}
		out.Regions = append(out.Regions, Region{Text: text, Rect: rect.Clamp()})
	}
	return out
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

package ocr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"stepforge/internal/config"
	"stepforge/internal/logging"
	"stepforge/internal/pipelinecache"
	"stepforge/internal/services"
	"stepforge/internal/services/llm"
	"stepforge/internal/testsupport"
)

type fakeGateway struct {
	reply string
	err   error
	calls atomic.Int32
	last  llm.Request
}

func (f *fakeGateway) Name() string  { return "fake" }
func (f *fakeGateway) Model() string { return "vision-1" }
func (f *fakeGateway) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	f.calls.Add(1)
	f.last = req
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Choices: []llm.Choice{{Message: llm.ChoiceMessage{Content: f.reply}}}}, nil
}

func newExtractor(t *testing.T, gw llm.Provider, cache *pipelinecache.Store) Extractor {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.OCR.Provider = config.ProviderLLM
	ex, err := New(cfg, gw, cache, logging.NewNop())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	return ex
}

func TestExtractNormalizesAndClamps(t *testing.T) {
	gw := &fakeGateway{reply: `{
		"lines": ["  Café  Menu ", "", "Save"],
		"regions": [{"text": "Save", "x": 0.9, "y": -0.2, "w": 0.3, "h": 0.1}],
		"warnings": ["blurred tooltip"],
		"confidence": 1.4
	}`}
	ex := newExtractor(t, gw, nil)
	result, err := ex.Extract(context.Background(), []byte("jpeg"), "image/jpeg")
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if len(result.Lines) != 2 || result.Lines[0] != "Café Menu" {
		t.Fatalf("unexpected lines %q", result.Lines)
	}
	rect := result.Regions[0].Rect
	if !rect.Contained() || rect.Y != 0 || rect.X != 0.9 {
		t.Fatalf("expected clamped rect, got %+v", rect)
	}
	if result.Confidence != 1 {
		t.Fatalf("expected confidence clamped to 1, got %v", result.Confidence)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected warning to be kept, got %v", result.Warnings)
	}
	if gw.last.ResponseSchema == nil || !gw.last.ResponseSchema.Strict {
		t.Fatal("expected strict response schema on the request")
	}
	if parts := gw.last.Messages[1].Parts; len(parts) != 2 || parts[1].Kind != llm.PartImage {
		t.Fatalf("expected image part in user message, got %+v", parts)
	}
}

func TestExtractServesRepeatsFromCache(t *testing.T) {
	cache, err := pipelinecache.Open(t.TempDir(), true, logging.NewNop())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer cache.Close()
	gw := &fakeGateway{reply: `{"lines":["OK"],"regions":[],"warnings":[],"confidence":0.9}`}
	ex := newExtractor(t, gw, cache)

	for i := 0; i < 2; i++ {
		result, err := ex.Extract(context.Background(), []byte("same image"), "image/png")
		if err != nil {
			t.Fatalf("Extract #%d returned error: %v", i, err)
		}
		if len(result.Lines) != 1 || result.Lines[0] != "OK" {
			t.Fatalf("unexpected result %+v", result)
		}
	}
	if gw.calls.Load() != 1 {
		t.Fatalf("expected one gateway call, got %d", gw.calls.Load())
	}
	if _, err := ex.Extract(context.Background(), []byte("other image"), "image/png"); err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if gw.calls.Load() != 2 {
		t.Fatalf("expected a new call for a different image, got %d", gw.calls.Load())
	}
}

func TestExtractRecomputesCorruptCacheEntry(t *testing.T) {
	cache, err := pipelinecache.Open(t.TempDir(), true, logging.NewNop())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	defer cache.Close()
	gw := &fakeGateway{reply: `{"lines":["OK"],"regions":[],"warnings":[],"confidence":0.9}`}
	ex := newExtractor(t, gw, cache)
	ctx := context.Background()
	if _, err := ex.Extract(ctx, []byte("same image"), "image/png"); err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	entries, err := filepath.Glob(filepath.Join(cache.Root(), pipelinecache.NamespaceOCR, "*.json.zst"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one ocr entry, got %v (%v)", entries, err)
	}
	if err := os.WriteFile(entries[0], []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("corrupt entry: %v", err)
	}

	result, err := ex.Extract(ctx, []byte("same image"), "image/png")
	if err != nil {
		t.Fatalf("Extract after corruption returned error: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "OK" {
		t.Fatalf("unexpected result %+v", result)
	}
	if gw.calls.Load() != 2 {
		t.Fatalf("expected the corrupt entry to be recomputed, got %d calls", gw.calls.Load())
	}
}

func TestExtractPropagatesGatewayErrors(t *testing.T) {
	gw := &fakeGateway{err: services.ErrTransient}
	ex := newExtractor(t, gw, nil)
	if _, err := ex.Extract(context.Background(), []byte("img"), "image/png"); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}

	gw = &fakeGateway{reply: `{"lines":"not an array"}`}
	ex = newExtractor(t, gw, nil)
	if _, err := ex.Extract(context.Background(), []byte("img"), "image/png"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for schema mismatch, got %v", err)
	}
}

func TestDisabledAndUnknownProviders(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.OCR.Provider = config.ProviderNone
	ex, err := New(cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	result, err := ex.Extract(context.Background(), nil, "")
	if err != nil || !result.Disabled {
		t.Fatalf("expected disabled result, got %+v, %v", result, err)
	}

	cfg.OCR.Provider = "tesseract"
	if _, err := New(cfg, &fakeGateway{}, nil, nil); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

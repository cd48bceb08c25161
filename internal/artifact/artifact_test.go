package artifact_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"stepforge/internal/artifact"
	"stepforge/internal/imagehash"
	"stepforge/internal/objectstore"
	"stepforge/internal/queue"
	"stepforge/internal/services"
)

var testConfig = artifact.Config{
	ASRProvider:   "none",
	OCRProvider:   "llm",
	LLMProvider:   "openrouter",
	LLMModel:      "vision-1",
	PromptVersion: "v1",
}

func sampleArtifact() *artifact.Artifact {
	region := imagehash.NormalizedRect{X: 0.25, Y: 0.5, W: 0.5, H: 0.25}
	return artifact.New(7, testConfig, []artifact.Entry{
		{
			StepID: "b", SortOrder: 1, FrameID: 12, TStart: 2000, TEnd: 3500,
			RepresentativeFrames: []int64{12}, ChangedRegion: &region,
			OCRText: "Save", TranscriptSnippet: "now click save",
			Instruction: "Click Save.", ExpectedResult: "The file is saved.",
			Warnings: []string{}, Confidence: 0.8, Title: "Save the file",
			Operation: "click", Description: "Save button", Narration: "Click save.",
		},
		{
			StepID: "a", SortOrder: 0, FrameID: 11, TStart: 0, TEnd: 2000,
			RepresentativeFrames: []int64{11}, Warnings: []string{"label guessed"},
			Confidence: 0.4, Title: "Open the editor",
		},
	}, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
}

func TestNewSortsBySortOrder(t *testing.T) {
	a := sampleArtifact()
	if a.Steps[0].StepID != "a" || a.Steps[1].StepID != "b" {
		t.Fatalf("expected entries sorted by sort order, got %s, %s", a.Steps[0].StepID, a.Steps[1].StepID)
	}
	if a.Version != artifact.Version {
		t.Fatalf("expected version %d, got %d", artifact.Version, a.Version)
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	a := sampleArtifact()
	data, err := artifact.Encode(a)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	parsed, err := artifact.Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !reflect.DeepEqual(parsed, a) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", parsed, a)
	}
}

func TestValidateRejectsDuplicateSortOrder(t *testing.T) {
	a := sampleArtifact()
	a.Steps[1].SortOrder = 0
	if _, err := artifact.Encode(a); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"version":`,
		"missing steps":  `{"version":1,"project_id":7,"generated_at":"2026-03-01T12:00:00Z","config":{"asr_provider":"","ocr_provider":"","llm_provider":"","llm_model":"","prompt_version":""}}`,
		"unknown field":  `{"version":1,"project_id":7,"generated_at":"x","config":{"asr_provider":"","ocr_provider":"","llm_provider":"","llm_model":"","prompt_version":""},"steps":[],"extra":1}`,
		"future version": `{"version":9,"project_id":7,"generated_at":"2026-03-01T12:00:00Z","config":{"asr_provider":"","ocr_provider":"","llm_provider":"","llm_model":"","prompt_version":""},"steps":[]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := artifact.Parse([]byte(body)); !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestParseRejectsConfidenceOutOfRange(t *testing.T) {
	a := sampleArtifact()
	data, err := artifact.Encode(a)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	tampered := strings.Replace(string(data), `"confidence": 0.8`, `"confidence": 1.8`, 1)
	if _, err := artifact.Parse([]byte(tampered)); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPatchAudioRefTouchesOneEntry(t *testing.T) {
	a := sampleArtifact()
	before := a.Steps[0]
	if err := a.PatchAudioRef("b", "local://audio/b.mp3"); err != nil {
		t.Fatalf("PatchAudioRef: %v", err)
	}
	if a.Steps[1].AudioRef != "local://audio/b.mp3" {
		t.Fatalf("expected audio ref set, got %q", a.Steps[1].AudioRef)
	}
	if !reflect.DeepEqual(a.Steps[0], before) {
		t.Fatal("expected other entries untouched")
	}
	if err := a.PatchAudioRef("missing", "x"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReplaceEntryKeepsSortOrder(t *testing.T) {
	a := sampleArtifact()
	replacement := a.Steps[1]
	replacement.Title = "Save again"
	if err := a.ReplaceEntry(replacement); err != nil {
		t.Fatalf("ReplaceEntry: %v", err)
	}
	if a.Steps[1].Title != "Save again" {
		t.Fatalf("expected replaced title, got %q", a.Steps[1].Title)
	}
	replacement.SortOrder = 5
	if err := a.ReplaceEntry(replacement); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error moving entry, got %v", err)
	}
}

func legacyRows() ([]queue.Step, []queue.Frame) {
	frames := []queue.Frame{
		{ID: 21, ProjectID: 3, TimestampMs: 4000, SortOrder: 1},
		{ID: 20, ProjectID: 3, TimestampMs: 1000, SortOrder: 0},
	}
	steps := []queue.Step{
		{ID: 31, ProjectID: 3, FrameID: 21, SortOrder: 1, Title: "Confirm", Confidence: 0.9},
		{ID: 30, ProjectID: 3, FrameID: 20, SortOrder: 0, Title: "", Instruction: "Open the menu."},
	}
	return steps, frames
}

func TestFromLegacyRows(t *testing.T) {
	steps, frames := legacyRows()
	a, err := artifact.FromLegacyRows(3, steps, frames, testConfig, time.Now())
	if err != nil {
		t.Fatalf("FromLegacyRows: %v", err)
	}
	if len(a.Steps) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(a.Steps))
	}
	first, second := a.Steps[0], a.Steps[1]
	if first.TStart != 1000 || first.TEnd != 4000 {
		t.Fatalf("expected first window 1000-4000, got %d-%d", first.TStart, first.TEnd)
	}
	if second.TStart != 4000 || second.TEnd != 4000+artifact.DefaultLastStepMs {
		t.Fatalf("expected last window padded, got %d-%d", second.TStart, second.TEnd)
	}
	if first.Confidence != artifact.LegacyConfidence || second.Confidence != artifact.LegacyConfidence {
		t.Fatalf("expected legacy confidence, got %v %v", first.Confidence, second.Confidence)
	}
	if first.Title != "Step 1" || first.OCRText != "" || first.ChangedRegion != nil {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if first.LegacyStepID == nil || *first.LegacyStepID != 30 {
		t.Fatalf("expected legacy link to row 30, got %v", first.LegacyStepID)
	}
	again, _ := artifact.FromLegacyRows(3, steps, frames, testConfig, time.Now())
	if again.Steps[0].StepID != first.StepID {
		t.Fatal("expected stable step ids for legacy rows")
	}

	steps[0].FrameID = 99
	if _, err := artifact.FromLegacyRows(3, steps, frames, testConfig, time.Now()); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected unresolvable frame to fail, got %v", err)
	}
}

type fakeRows struct {
	steps  []queue.Step
	frames []queue.Frame
}

func (f fakeRows) ListSteps(context.Context, int64) ([]queue.Step, error)   { return f.steps, nil }
func (f fakeRows) ListFrames(context.Context, int64) ([]queue.Frame, error) { return f.frames, nil }

func TestLoadSynthesizesAndStoresLegacyArtifact(t *testing.T) {
	docs, err := objectstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()
	steps, frames := legacyRows()

	a, err := artifact.Load(ctx, docs, fakeRows{steps: steps, frames: frames}, 3, testConfig)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	stored, err := artifact.Fetch(ctx, docs, 3)
	if err != nil {
		t.Fatalf("expected artifact stored on first read: %v", err)
	}
	if stored.Steps[0].StepID != a.Steps[0].StepID {
		t.Fatal("stored artifact differs from returned one")
	}

	if _, err := artifact.Load(ctx, docs, fakeRows{frames: frames[:1]}, 3, testConfig); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected stored artifact with missing frame to fail validation, got %v", err)
	}
	if _, err := artifact.Load(ctx, docs, fakeRows{}, 4, testConfig); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found for empty project, got %v", err)
	}
}

package synthesis_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stepforge/internal/artifact"
	"stepforge/internal/config"
	"stepforge/internal/grounding/asr"
	"stepforge/internal/grounding/ocr"
	"stepforge/internal/logging"
	"stepforge/internal/objectstore"
	"stepforge/internal/pipelinecache"
	"stepforge/internal/queue"
	"stepforge/internal/runlog"
	"stepforge/internal/services"
	"stepforge/internal/services/llm"
	"stepforge/internal/synthesis"
	"stepforge/internal/testsupport"
)

// echoGateway answers with a step naming the image bytes it was shown.
type echoGateway struct {
	mu       sync.Mutex
	calls    atomic.Int32
	failOn   string
	label    string
	delays   map[string]time.Duration
	override string
}

func (g *echoGateway) Name() string  { return "fake" }
func (g *echoGateway) Model() string { return "vision-1" }

func (g *echoGateway) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	g.calls.Add(1)
	var image string
	for _, msg := range req.Messages {
		for _, part := range msg.Parts {
			if part.Kind == llm.PartImage {
				image = string(part.Data)
			}
		}
	}
	g.mu.Lock()
	delay := g.delays[image]
	failOn, label, override := g.failOn, g.label, g.override
	g.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if image == failOn {
		return llm.Response{}, fmt.Errorf("%w: gateway down", services.ErrExternalTool)
	}
	if label == "" {
		label = image
	}
	title := "Open " + image
	if override != "" {
		title = override
	}
	content := fmt.Sprintf(`{"title":%q,"operation":"click","description":"","narration":"Now open it.","instruction":"Click \"%s\"","expected_result":"The panel opens","warnings":[],"confidence":0.8}`, title, label)
	return llm.Response{Choices: []llm.Choice{{Message: llm.ChoiceMessage{Content: content}}}}, nil
}

// echoOCR reads the image bytes back as the only on-screen line.
type echoOCR struct{}

func (echoOCR) Name() string { return config.ProviderLLM }

func (echoOCR) Extract(_ context.Context, image []byte, _ string) (ocr.Result, error) {
	return ocr.Result{Lines: []string{string(image)}, Regions: []ocr.Region{}, Warnings: []string{}, Confidence: 0.6}, nil
}

type harness struct {
	cfg     *config.Config
	store   *queue.Store
	docs    *objectstore.Local
	project *queue.Project
	frames  []queue.Frame
}

func newHarness(t *testing.T, count int) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	docs, err := objectstore.NewLocal(cfg.Storage.LocalRoot)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	project := testsupport.NewProject(t, store, "demo", "/videos/demo.mp4")

	ctx := context.Background()
	frames := make([]queue.Frame, count)
	for i := range frames {
		name := fmt.Sprintf("frame_%06d.png", i*30)
		ref, err := docs.Put(ctx, objectstore.FrameKey(project.ID, name), []byte(fmt.Sprintf("frame-%d", i)), "image/png")
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		frames[i] = queue.Frame{FrameNumber: int64(i * 30), TimestampMs: int64(i) * 1000, ImageRef: ref, SortOrder: i}
	}
	created, err := store.CreateFrames(ctx, project.ID, frames)
	if err != nil {
		t.Fatalf("CreateFrames: %v", err)
	}
	return &harness{cfg: cfg, store: store, docs: docs, project: project, frames: created}
}

func (h *harness) orchestrator(gw llm.Provider, cache *pipelinecache.Store) *synthesis.Orchestrator {
	return synthesis.New(h.cfg, h.store, h.docs, echoOCR{}, gw, cache, logging.NewNop())
}

func TestRunProducesOrderedGroundedArtifact(t *testing.T) {
	h := newHarness(t, 3)
	gw := &echoGateway{delays: map[string]time.Duration{"frame-0": 30 * time.Millisecond}}
	transcript := asr.Transcript{Segments: []asr.Segment{{StartMs: 900, EndMs: 1100, Text: "open the second panel"}}}

	result, err := h.orchestrator(gw, nil).Run(context.Background(), h.project, transcript)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	steps := result.Artifact.Steps
	if len(steps) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(steps))
	}
	for i, entry := range steps {
		if entry.SortOrder != i || entry.FrameID != h.frames[i].ID {
			t.Fatalf("entry %d out of order: %+v", i, entry)
		}
		if entry.Title != fmt.Sprintf("Open frame-%d", i) {
			t.Fatalf("entry %d has title %q", i, entry.Title)
		}
		if math.Abs(entry.Confidence-0.7) > 1e-9 {
			t.Fatalf("expected averaged confidence 0.7, got %v", entry.Confidence)
		}
		if entry.LegacyStepID == nil {
			t.Fatalf("entry %d not linked to a row", i)
		}
	}
	if steps[0].TStart != 0 || steps[0].TEnd != 1000 || steps[2].TEnd != 2000+1500 {
		t.Fatalf("unexpected windows %+v %+v", steps[0], steps[2])
	}
	// Overlap is inclusive on both ends, so the segment touches frames 0 and 1.
	if steps[1].TranscriptSnippet != "open the second panel" || steps[2].TranscriptSnippet != "" {
		t.Fatalf("unexpected snippets %q %q", steps[1].TranscriptSnippet, steps[2].TranscriptSnippet)
	}

	rows, err := h.store.ListSteps(context.Background(), h.project.ID)
	if err != nil || len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d (%v)", len(rows), err)
	}
	stored, err := artifact.Fetch(context.Background(), h.docs, h.project.ID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(stored.Steps) != 3 || stored.Config.LLMModel != "vision-1" {
		t.Fatalf("unexpected stored artifact %+v", stored.Config)
	}
	project, _ := h.store.GetProject(context.Background(), h.project.ID)
	if project.ProgressPercent != 100 || project.ArtifactRef != result.ArtifactRef {
		t.Fatalf("unexpected project state %+v", project)
	}
}

func TestRunDegradesFailedFrameToPlaceholder(t *testing.T) {
	h := newHarness(t, 4)
	gw := &echoGateway{failOn: "frame-2"}
	log := runlog.New(h.project.ID, "run-1")
	ctx := runlog.WithLog(context.Background(), log)

	result, err := h.orchestrator(gw, nil).Run(ctx, h.project, asr.Transcript{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	steps := result.Artifact.Steps
	if len(steps) != 4 || result.Failed != 1 {
		t.Fatalf("expected 4 entries with 1 failure, got %d/%d", len(steps), result.Failed)
	}
	failed := steps[2]
	if failed.Title != "Step 3" || failed.Confidence != synthesis.PlaceholderConfidence {
		t.Fatalf("unexpected placeholder %+v", failed)
	}
	if len(failed.Warnings) != 1 || !strings.HasPrefix(failed.Warnings[0], "synthesis failed:") {
		t.Fatalf("expected failure warning, got %q", failed.Warnings)
	}
	for _, i := range []int{0, 1, 3} {
		if steps[i].Title != fmt.Sprintf("Open frame-%d", i) || len(steps[i].Warnings) != 0 {
			t.Fatalf("entry %d affected by failure: %+v", i, steps[i])
		}
	}

	counts := map[string]int{}
	for _, event := range log.Events() {
		counts[event]++
	}
	if counts[runlog.EventStepSucceeded] != 3 || counts[runlog.EventStepFailed] != 1 {
		t.Fatalf("unexpected run log events %v", counts)
	}
}

func TestRunFlagsUngroundedLabels(t *testing.T) {
	h := newHarness(t, 1)
	gw := &echoGateway{label: "Settings"}

	result, err := h.orchestrator(gw, nil).Run(context.Background(), h.project, asr.Transcript{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	entry := result.Artifact.Steps[0]
	if len(entry.Warnings) != 1 || !strings.Contains(entry.Warnings[0], `"Settings"`) {
		t.Fatalf("expected ungrounded label warning, got %q", entry.Warnings)
	}
	if math.Abs(entry.Confidence-0.7*0.75) > 1e-9 {
		t.Fatalf("expected lowered confidence, got %v", entry.Confidence)
	}
}

func TestRunServesRepeatedFramesFromCache(t *testing.T) {
	h := newHarness(t, 1)
	cache, err := pipelinecache.Open(t.TempDir(), false, logging.NewNop())
	if err != nil {
		t.Fatalf("Open cache: %v", err)
	}
	gw := &echoGateway{}
	orch := h.orchestrator(gw, cache)

	for range 2 {
		if _, err := orch.Run(context.Background(), h.project, asr.Transcript{}); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	if got := gw.calls.Load(); got != 1 {
		t.Fatalf("expected one gateway call, got %d", got)
	}
}

func TestRunRecomputesCorruptCacheEntries(t *testing.T) {
	h := newHarness(t, 1)
	cache, err := pipelinecache.Open(t.TempDir(), false, logging.NewNop())
	if err != nil {
		t.Fatalf("Open cache: %v", err)
	}
	gw := &echoGateway{}
	orch := h.orchestrator(gw, cache)
	ctx := context.Background()
	if _, err := orch.Run(ctx, h.project, asr.Transcript{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := filepath.Glob(filepath.Join(cache.Root(), pipelinecache.NamespaceSteps, "*.json"))
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one steps entry, got %v (%v)", entries, err)
	}
	if err := os.WriteFile(entries[0], []byte(`{"title":`), 0o644); err != nil {
		t.Fatalf("corrupt entry: %v", err)
	}

	result, err := orch.Run(ctx, h.project, asr.Transcript{})
	if err != nil {
		t.Fatalf("Run after corruption: %v", err)
	}
	if result.Failed != 0 || result.Artifact.Steps[0].Title != "Open frame-0" {
		t.Fatalf("expected recomputed step, got failed=%d %+v", result.Failed, result.Artifact.Steps[0])
	}
	if got := gw.calls.Load(); got != 2 {
		t.Fatalf("expected the corrupt entry to be recomputed, got %d gateway calls", got)
	}

	if _, err := orch.Run(ctx, h.project, asr.Transcript{}); err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if got := gw.calls.Load(); got != 2 {
		t.Fatalf("expected the rewritten entry to be served, got %d gateway calls", got)
	}
}

func TestRunStopsOnCancellation(t *testing.T) {
	h := newHarness(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.orchestrator(&echoGateway{}, nil).Run(ctx, h.project, asr.Transcript{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	rows, _ := h.store.ListSteps(context.Background(), h.project.ID)
	if len(rows) != 0 {
		t.Fatalf("expected no rows after cancellation, got %d", len(rows))
	}
}

func TestRegenerateTouchesOneStep(t *testing.T) {
	h := newHarness(t, 3)
	gw := &echoGateway{}
	orch := h.orchestrator(gw, nil)
	result, err := orch.Run(context.Background(), h.project, asr.Transcript{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	target := result.Artifact.Steps[1]

	gw.mu.Lock()
	gw.override = "Open the second panel"
	gw.mu.Unlock()
	entry, err := orch.Regenerate(context.Background(), h.project.ID, target.StepID, 0)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if entry.Title != "Open the second panel" || entry.StepID != target.StepID || entry.SortOrder != 1 {
		t.Fatalf("unexpected regenerated entry %+v", entry)
	}

	stored, err := artifact.Fetch(context.Background(), h.docs, h.project.ID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if stored.Steps[1].Title != "Open the second panel" {
		t.Fatalf("artifact not patched: %q", stored.Steps[1].Title)
	}
	if stored.Steps[0].Title != "Open frame-0" || stored.Steps[2].Title != "Open frame-2" {
		t.Fatalf("other entries changed: %q %q", stored.Steps[0].Title, stored.Steps[2].Title)
	}
	rows, _ := h.store.ListSteps(context.Background(), h.project.ID)
	if rows[1].Title != "Open the second panel" || rows[0].Title != "Open frame-0" {
		t.Fatalf("unexpected rows %q %q", rows[0].Title, rows[1].Title)
	}
}

func TestRegenerateFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, 2)
	gw := &echoGateway{}
	orch := h.orchestrator(gw, nil)
	result, err := orch.Run(context.Background(), h.project, asr.Transcript{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	before, _ := h.docs.Get(context.Background(), result.ArtifactRef)

	gw.mu.Lock()
	gw.failOn = "frame-0"
	gw.mu.Unlock()
	if _, err := orch.Regenerate(context.Background(), h.project.ID, result.Artifact.Steps[0].StepID, 0); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected gateway error, got %v", err)
	}
	after, _ := h.docs.Get(context.Background(), result.ArtifactRef)
	if !bytes.Equal(before, after) {
		t.Fatal("artifact changed after failed regeneration")
	}

	if _, err := orch.Regenerate(context.Background(), h.project.ID, "missing", 0); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAttachAudioPatchesOnlyAudio(t *testing.T) {
	h := newHarness(t, 2)
	orch := h.orchestrator(&echoGateway{}, nil)
	result, err := orch.Run(context.Background(), h.project, asr.Transcript{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	target := result.Artifact.Steps[1]
	if err := orch.AttachAudio(context.Background(), h.project.ID, target.StepID, "local://audio/2.mp3"); err != nil {
		t.Fatalf("AttachAudio: %v", err)
	}

	stored, err := artifact.Fetch(context.Background(), h.docs, h.project.ID)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if stored.Steps[1].AudioRef != "local://audio/2.mp3" || stored.Steps[1].Title != target.Title {
		t.Fatalf("unexpected patched entry %+v", stored.Steps[1])
	}
	if stored.Steps[0].AudioRef != "" {
		t.Fatal("audio attached to the wrong step")
	}
	row, _ := h.store.GetStep(context.Background(), *target.LegacyStepID)
	if row == nil || row.AudioRef != "local://audio/2.mp3" {
		t.Fatalf("row not patched: %+v", row)
	}
}

package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

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
	"stepforge/internal/stage"
	"stepforge/internal/textutil"
)

const (
	stageName = "synthesis"

	// PlaceholderConfidence marks an entry whose synthesis failed.
	PlaceholderConfidence = 0.2

	ungroundedPenalty = 0.75
	warningLimit      = 200
)

// Store is the slice of the relational store the orchestrator needs.
type Store interface {
	stage.ProgressStore
	ListFrames(ctx context.Context, projectID int64) ([]queue.Frame, error)
	ListSteps(ctx context.Context, projectID int64) ([]queue.Step, error)
	GetStep(ctx context.Context, id int64) (*queue.Step, error)
	CreateStep(ctx context.Context, step *queue.Step) error
	UpdateStep(ctx context.Context, step *queue.Step) error
	ReplaceSteps(ctx context.Context, projectID int64, steps []queue.Step) error
	SetArtifactRef(ctx context.Context, id int64, ref string) error
}

// Orchestrator synthesizes steps for a project's frames.
type Orchestrator struct {
	store         Store
	docs          objectstore.Store
	ocr           ocr.Extractor
	gateway       llm.Provider
	cache         *pipelinecache.Store
	workers       int
	progressStart float64
	progressEnd   float64
	lastFrameMs   int64
	promptVersion string
	asrProvider   string
	logger        *slog.Logger
	now           func() time.Time
}

// New builds an orchestrator. A nil extractor disables OCR evidence.
func New(cfg *config.Config, store Store, docs objectstore.Store, extractor ocr.Extractor, gateway llm.Provider, cache *pipelinecache.Store, logger *slog.Logger) *Orchestrator {
	if extractor == nil {
		extractor = ocr.Disabled{}
	}
	workers := cfg.Synthesis.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Orchestrator{
		store:         store,
		docs:          docs,
		ocr:           extractor,
		gateway:       gateway,
		cache:         cache,
		workers:       workers,
		progressStart: float64(cfg.Synthesis.ProgressStart),
		progressEnd:   float64(cfg.Synthesis.ProgressEnd),
		lastFrameMs:   int64(cfg.Synthesis.LastFrameDurationMs),
		promptVersion: cfg.LLM.PromptVersion,
		asrProvider:   cfg.ASR.Provider,
		logger:        logging.NewComponentLogger(logger, stageName),
		now:           time.Now,
	}
}

// ArtifactConfig describes the providers that produce this orchestrator's
// artifacts.
func (o *Orchestrator) ArtifactConfig() artifact.Config {
	return artifact.Config{
		ASRProvider:   o.asrProvider,
		OCRProvider:   o.ocr.Name(),
		LLMProvider:   o.gateway.Name(),
		LLMModel:      o.gateway.Model(),
		PromptVersion: o.promptVersion,
	}
}

// Result is the outcome of one synthesis run.
type Result struct {
	Artifact    *artifact.Artifact
	ArtifactRef string
	Failed      int
}

// Run synthesizes one entry per frame, then replaces the project's step rows
// and writes the artifact. Per-frame failures become placeholder entries;
// only cancellation and persistence errors fail the run.
func (o *Orchestrator) Run(ctx context.Context, project *queue.Project, transcript asr.Transcript) (*Result, error) {
	logger := logging.WithContext(ctx, o.logger)
	frames, err := o.store.ListFrames(ctx, project.ID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "list frames", "", err)
	}

	progress := stage.NewProgress(o.store, project.ID, stageName, o.progressStart, o.progressEnd, o.logger)
	progress.Report(ctx, 0, fmt.Sprintf("Synthesizing %d steps", len(frames)))

	entries := make([]artifact.Entry, len(frames))
	var (
		mu        sync.Mutex
		completed int
		failed    int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for idx := range frames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			base := o.baseEntry(frames, idx, transcript)
			entry, err := o.generate(gctx, frames[idx], base, transcript, false)
			if err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return err
				}
				entry = placeholder(base, idx, err)
				logging.WarnWithContext(logger, "step synthesis failed; placeholder used", "step_failed",
					logging.Int64(logging.FieldFrameID, frames[idx].ID),
					logging.Int("sort_order", frames[idx].SortOrder),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check the inference gateway and OCR provider"),
					logging.String(logging.FieldImpact, "step is a low-confidence placeholder"),
				)
				runlog.FromContext(ctx).Record(runlog.EventStepFailed, map[string]any{
					"frame_id":   frames[idx].ID,
					"sort_order": frames[idx].SortOrder,
					"error":      services.Truncate(services.UserMessage(err), warningLimit),
				})
			} else {
				runlog.FromContext(ctx).Record(runlog.EventStepSucceeded, map[string]any{
					"frame_id":   frames[idx].ID,
					"sort_order": frames[idx].SortOrder,
					"step_id":    entry.StepID,
					"confidence": entry.Confidence,
				})
			}
			entries[idx] = entry

			mu.Lock()
			completed++
			if err != nil {
				failed++
			}
			done := completed
			progress.Report(ctx, float64(done)/float64(len(frames)), fmt.Sprintf("Synthesized step %d of %d", done, len(frames)))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a, ref, err := o.persist(ctx, project.ID, entries)
	if err != nil {
		return nil, err
	}
	cacheStats := o.cache.Stats()
	logger.Info("synthesis complete",
		logging.String(logging.FieldEventType, "synthesis_complete"),
		logging.Int("steps", len(a.Steps)),
		logging.Int("placeholders", failed),
		logging.String("artifact_ref", ref),
		logging.Int64("cache_hits_total", cacheStats.Hits),
		logging.Int64("cache_misses_total", cacheStats.Misses))
	return &Result{Artifact: a, ArtifactRef: ref, Failed: failed}, nil
}

func (o *Orchestrator) persist(ctx context.Context, projectID int64, entries []artifact.Entry) (*artifact.Artifact, string, error) {
	final := stage.NewProgress(o.store, projectID, stageName, o.progressEnd, 100, o.logger)

	a := artifact.New(projectID, o.ArtifactConfig(), entries, o.now())
	if err := a.Validate(); err != nil {
		return nil, "", services.Wrap(services.ErrValidation, stageName, "assemble artifact", "", err)
	}

	rows := make([]queue.Step, len(a.Steps))
	for i, entry := range a.Steps {
		rows[i] = rowFromEntry(projectID, entry)
	}
	if err := o.store.ReplaceSteps(ctx, projectID, rows); err != nil {
		return nil, "", services.Wrap(services.ErrTransient, stageName, "replace steps", "", err)
	}
	for i := range a.Steps {
		rowID := rows[i].ID
		a.Steps[i].LegacyStepID = &rowID
	}
	final.Report(ctx, 0.5, "Saving steps artifact")

	ref, err := artifact.Save(ctx, o.docs, a)
	if err != nil {
		return nil, "", services.Wrap(services.ErrTransient, stageName, "save artifact", "", err)
	}
	if err := o.store.SetArtifactRef(ctx, projectID, ref); err != nil {
		return nil, "", services.Wrap(services.ErrTransient, stageName, "record artifact", "", err)
	}
	final.Report(ctx, 1, "Steps artifact saved")
	return a, ref, nil
}

// baseEntry carries the evidence that does not depend on any provider call.
func (o *Orchestrator) baseEntry(frames []queue.Frame, idx int, transcript asr.Transcript) artifact.Entry {
	frame := frames[idx]
	tStart, tEnd := artifact.FrameWindow(frames, idx, o.lastFrameMs)
	return artifact.Entry{
		StepID:               artifact.NewStepID(),
		SortOrder:            frame.SortOrder,
		FrameID:              frame.ID,
		TStart:               tStart,
		TEnd:                 tEnd,
		RepresentativeFrames: []int64{frame.ID},
		ChangedRegion:        frame.ChangedRegion,
		TranscriptSnippet:    transcript.Snippet(tStart, tEnd),
	}
}

type evidence struct {
	image    []byte
	mimeType string
	ocr      ocr.Result
	snippet  string
}

type stepDescriptor struct {
	ImageSHA256   string `json:"image_sha256"`
	OCRText       string `json:"ocr_text"`
	Transcript    string `json:"transcript"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	PromptVersion string `json:"prompt_version"`
}

// generate gathers OCR evidence for frame and asks the gateway for the step.
// fresh skips the cache read so a regeneration always reaches the model.
func (o *Orchestrator) generate(ctx context.Context, frame queue.Frame, base artifact.Entry, transcript asr.Transcript, fresh bool) (artifact.Entry, error) {
	image, err := o.docs.Get(ctx, frame.ImageRef)
	if err != nil {
		return artifact.Entry{}, fmt.Errorf("read frame image: %w", err)
	}
	ev := evidence{
		image:    image,
		mimeType: objectstore.ContentTypeFor(frame.ImageRef),
		snippet:  base.TranscriptSnippet,
	}
	ev.ocr, err = o.ocr.Extract(ctx, image, ev.mimeType)
	if err != nil {
		return artifact.Entry{}, err
	}

	reply, err := o.complete(ctx, ev, fresh)
	if err != nil {
		return artifact.Entry{}, err
	}
	return merge(base, ev.ocr, reply), nil
}

func (o *Orchestrator) complete(ctx context.Context, ev evidence, fresh bool) (stepReply, error) {
	desc := stepDescriptor{
		ImageSHA256:   pipelinecache.HashBytes(ev.image),
		OCRText:       ev.ocr.Text(),
		Transcript:    ev.snippet,
		Provider:      o.gateway.Name(),
		Model:         o.gateway.Model(),
		PromptVersion: o.promptVersion,
	}
	var reply stepReply
	if !fresh {
		hit, err := o.cache.Get(pipelinecache.NamespaceSteps, desc, &reply)
		if err != nil {
			return stepReply{}, err
		}
		if hit {
			return reply, nil
		}
	}

	if _, err := llm.CompleteJSON(ctx, o.gateway, buildRequest(ev), &reply); err != nil {
		return stepReply{}, fmt.Errorf("step synthesis: %w", err)
	}
	if err := o.cache.Put(pipelinecache.NamespaceSteps, desc, reply); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, o.logger), "step cache write failed", "cache_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the next run repeats this gateway call"),
		)
	}
	return reply, nil
}

// merge folds the model reply and the OCR evidence into base. Quoted labels
// that never appear in the on-screen text are flagged and lower confidence.
func merge(base artifact.Entry, text ocr.Result, reply stepReply) artifact.Entry {
	entry := base
	entry.Title = textutil.NormalizeLine(reply.Title)
	entry.Operation = textutil.NormalizeLine(reply.Operation)
	entry.Description = textutil.NormalizeLine(reply.Description)
	entry.Narration = textutil.NormalizeLine(reply.Narration)
	entry.Instruction = textutil.NormalizeLine(reply.Instruction)
	entry.ExpectedResult = textutil.NormalizeLine(reply.ExpectedResult)
	entry.OCRText = text.Text()

	warnings := make([]string, 0, len(text.Warnings)+len(reply.Warnings))
	seen := map[string]struct{}{}
	appendWarning := func(w string) {
		w = textutil.NormalizeLine(w)
		if w == "" {
			return
		}
		if _, dup := seen[w]; dup {
			return
		}
		seen[w] = struct{}{}
		warnings = append(warnings, w)
	}
	for _, w := range text.Warnings {
		appendWarning(w)
	}
	for _, w := range reply.Warnings {
		appendWarning(w)
	}

	confidence := clamp(reply.Confidence)
	if !text.Disabled {
		confidence = (confidence + clamp(text.Confidence)) / 2
		labels := textutil.QuotedLabels(entry.Instruction + " " + entry.ExpectedResult)
		if missing := textutil.MissingLabels(labels, text.Lines); len(missing) > 0 {
			for _, label := range missing {
				appendWarning(fmt.Sprintf("label %q not found in on-screen text", label))
			}
			confidence *= ungroundedPenalty
		}
	}
	entry.Warnings = warnings
	entry.Confidence = clamp(confidence)
	if entry.Title == "" {
		entry.Title = fmt.Sprintf("Step %d", entry.SortOrder+1)
	}
	return entry
}

func placeholder(base artifact.Entry, idx int, err error) artifact.Entry {
	entry := base
	entry.Title = fmt.Sprintf("Step %d", idx+1)
	entry.Warnings = []string{"synthesis failed: " + services.Truncate(services.UserMessage(err), warningLimit)}
	entry.Confidence = PlaceholderConfidence
	return entry
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func rowFromEntry(projectID int64, entry artifact.Entry) queue.Step {
	row := queue.Step{
		ProjectID:      projectID,
		FrameID:        entry.FrameID,
		SortOrder:      entry.SortOrder,
		Title:          entry.Title,
		Operation:      entry.Operation,
		Description:    entry.Description,
		Narration:      entry.Narration,
		Instruction:    entry.Instruction,
		ExpectedResult: entry.ExpectedResult,
		Warnings:       entry.Warnings,
		Confidence:     entry.Confidence,
		AudioRef:       entry.AudioRef,
	}
	if entry.LegacyStepID != nil {
		row.ID = *entry.LegacyStepID
	}
	return row
}

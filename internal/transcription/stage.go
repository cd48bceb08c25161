// Package transcription runs the speech-to-text adapter over a project's
// source video and stores the transcript document next to the steps artifact.
package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"stepforge/internal/grounding/asr"
	"stepforge/internal/logging"
	"stepforge/internal/objectstore"
	"stepforge/internal/queue"
	"stepforge/internal/runlog"
	"stepforge/internal/services"
	"stepforge/internal/stage"
)

const (
	stageName     = "transcription"
	progressStart = 50
	progressEnd   = 70
)

// Stage implements stage.Handler for transcription.
type Stage struct {
	transcriber asr.Transcriber
	store       stage.ProgressStore
	docs        objectstore.Store
	logger      *slog.Logger
}

// New builds the transcription stage.
func New(transcriber asr.Transcriber, store stage.ProgressStore, docs objectstore.Store, logger *slog.Logger) *Stage {
	if transcriber == nil {
		transcriber = asr.Disabled{}
	}
	return &Stage{
		transcriber: transcriber,
		store:       store,
		docs:        docs,
		logger:      logging.NewComponentLogger(logger, stageName),
	}
}

// Prepare has nothing to check; provider credentials are validated at startup.
func (s *Stage) Prepare(context.Context, *queue.Project) error { return nil }

// Execute transcribes the source video and stores the transcript document.
func (s *Stage) Execute(ctx context.Context, project *queue.Project) error {
	progress := stage.NewProgress(s.store, project.ID, stageName, progressStart, progressEnd, s.logger)
	progress.Report(ctx, 0, fmt.Sprintf("Transcribing audio (%s)", s.transcriber.Name()))

	transcript, err := s.transcriber.Transcribe(ctx, project.SourcePath)
	if err != nil {
		return err
	}
	if _, err := Save(ctx, s.docs, project.ID, transcript); err != nil {
		return services.Wrap(services.ErrTransient, stageName, "store transcript", "", err)
	}

	runlog.FromContext(ctx).Record(runlog.EventASRComplete, map[string]any{
		"provider": transcript.Provider,
		"model":    transcript.Model,
		"segments": len(transcript.Segments),
		"disabled": transcript.Disabled,
		"warnings": transcript.Warnings,
	})
	logging.WithContext(ctx, s.logger).Info("transcription complete",
		logging.String(logging.FieldEventType, "asr_complete"),
		logging.String("provider", transcript.Provider),
		logging.Int("segments", len(transcript.Segments)),
		logging.Bool("disabled", transcript.Disabled))
	progress.Report(ctx, 1, fmt.Sprintf("%d transcript segments", len(transcript.Segments)))
	return nil
}

// HealthCheck reports the configured provider.
func (s *Stage) HealthCheck(context.Context) stage.Health {
	return stage.Ready(stageName, "provider "+s.transcriber.Name())
}

// Save writes the transcript document of a project.
func Save(ctx context.Context, docs objectstore.Store, projectID int64, transcript asr.Transcript) (string, error) {
	if transcript.Segments == nil {
		transcript.Segments = []asr.Segment{}
	}
	data, err := json.MarshalIndent(transcript, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	return docs.Put(ctx, objectstore.TranscriptKey(projectID), data, "application/json")
}

// Load reads the transcript document of a project. A project without one
// gets an empty transcript.
func Load(ctx context.Context, docs objectstore.Store, projectID int64) (asr.Transcript, error) {
	data, err := docs.Get(ctx, objectstore.TranscriptKey(projectID))
	if errors.Is(err, services.ErrNotFound) {
		return asr.Transcript{Segments: []asr.Segment{}}, nil
	}
	if err != nil {
		return asr.Transcript{}, err
	}
	var transcript asr.Transcript
	if err := json.Unmarshal(data, &transcript); err != nil {
		return asr.Transcript{}, fmt.Errorf("%w: decode transcript: %w", services.ErrValidation, err)
	}
	return transcript, nil
}

package synthesis

import (
	"context"
	"log/slog"

	"stepforge/internal/logging"
	"stepforge/internal/objectstore"
	"stepforge/internal/queue"
	"stepforge/internal/stage"
	"stepforge/internal/transcription"
)

// Stage adapts the orchestrator to the workflow's stage.Handler.
type Stage struct {
	orchestrator *Orchestrator
	docs         objectstore.Store
	logger       *slog.Logger
}

// NewStage wraps orchestrator.
func NewStage(orchestrator *Orchestrator, docs objectstore.Store, logger *slog.Logger) *Stage {
	return &Stage{
		orchestrator: orchestrator,
		docs:         docs,
		logger:       logging.NewComponentLogger(logger, stageName),
	}
}

// Prepare is a no-op.
func (s *Stage) Prepare(context.Context, *queue.Project) error { return nil }

// Execute reads the stored transcript and runs the orchestrator.
func (s *Stage) Execute(ctx context.Context, project *queue.Project) error {
	transcript, err := transcription.Load(ctx, s.docs, project.ID)
	if err != nil {
		return err
	}
	result, err := s.orchestrator.Run(ctx, project, transcript)
	if err != nil {
		return err
	}
	project.ArtifactRef = result.ArtifactRef
	return nil
}

// HealthCheck reports the gateway in use.
func (s *Stage) HealthCheck(context.Context) stage.Health {
	gw := s.orchestrator.gateway
	if gw == nil {
		return stage.Blocked(stageName, "inference gateway not configured")
	}
	return stage.Ready(stageName, gw.Name()+"/"+gw.Model())
}

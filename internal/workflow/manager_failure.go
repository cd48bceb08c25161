package workflow

import (
	"context"
	"errors"
	"log/slog"

	"stepforge/internal/logging"
	"stepforge/internal/queue"
	"stepforge/internal/runlog"
	"stepforge/internal/services"
)

// finish persists the outcome of a run, writes its run log, and notifies the
// result callbacks.
func (m *Manager) finish(ctx context.Context, logger *slog.Logger, log *runlog.Log, result Result) {
	switch result.Status {
	case queue.StatusCompleted:
		log.Record(runlog.EventPipelineComplete, map[string]any{
			"artifact_ref": result.ArtifactRef,
			"duration_ms":  result.Duration.Milliseconds(),
		})
		if err := m.store.CompleteProject(ctx, result.ProjectID, result.ArtifactRef); err != nil {
			logger.Error("failed to persist project completion", logging.Error(err))
			m.setLastError(err)
		}
		logger.Info("pipeline completed",
			logging.String(logging.FieldEventType, "pipeline_complete"),
			logging.Duration("duration", result.Duration))

	case queue.StatusPending:
		log.Record(runlog.EventPipelineFailed, map[string]any{
			"stage":       result.Stage,
			"error":       "interrupted",
			"requeued":    true,
			"duration_ms": result.Duration.Milliseconds(),
		})
		if err := m.store.RequeueProject(ctx, result.ProjectID); err != nil {
			logger.Error("failed to requeue interrupted project", logging.Error(err))
		}
		logger.Info("pipeline interrupted; project requeued",
			logging.String(logging.FieldEventType, "pipeline_interrupted"),
			logging.String(logging.FieldStage, result.Stage))

	default:
		message := failureMessage(result)
		log.Record(runlog.EventPipelineFailed, map[string]any{
			"stage":       result.Stage,
			"error":       message,
			"duration_ms": result.Duration.Milliseconds(),
		})
		if err := m.store.UpdateProjectError(ctx, result.ProjectID, message); err != nil {
			logger.Error("failed to persist stage failure", logging.Error(err))
		}
		logging.ErrorWithContext(logger, "pipeline failed", "pipeline_failed",
			logging.String(logging.FieldStage, result.Stage),
			logging.String("error_message", message),
			logging.String(logging.FieldErrorHint, failureHint(result.Err)),
			logging.Error(result.Err),
		)
		m.setLastError(result.Err)
	}

	if ref, err := log.Write(ctx, m.docs); err != nil {
		logging.WarnWithContext(logger, "run log write failed", "runlog_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "this run has no audit log"),
		)
	} else {
		result.RunLogRef = ref
	}

	if project, err := m.store.GetProject(ctx, result.ProjectID); err == nil && project != nil {
		m.setLastProject(project)
	}
	m.mu.RLock()
	callbacks := m.callbacks
	m.mu.RUnlock()
	for _, fn := range callbacks {
		fn(result)
	}
}

func failureMessage(result Result) string {
	message := services.UserMessage(result.Err)
	if message == "" {
		message = "pipeline failed without error detail"
	}
	if result.Stage != "" {
		message = services.Truncate(result.Stage+": "+message, 300)
	}
	return message
}

func failureHint(err error) string {
	switch {
	case errors.Is(err, services.ErrConfiguration):
		return "fix the provider configuration and retry the project"
	case errors.Is(err, services.ErrExternalTool):
		return "check that ffmpeg and the configured providers are reachable"
	case errors.Is(err, services.ErrValidation):
		return "inspect the source video and the stored artifact"
	case errors.Is(err, services.ErrTimeout):
		return "retry later or raise the provider timeout"
	default:
		return "retry the project; see the run log for details"
	}
}

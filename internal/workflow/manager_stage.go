package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"stepforge/internal/logging"
	"stepforge/internal/queue"
	"stepforge/internal/runlog"
	"stepforge/internal/services"
)

func (m *Manager) processProject(ctx context.Context, workerLogger *slog.Logger, project *queue.Project) {
	started := time.Now()
	log := runlog.New(project.ID, project.RunID)
	ctx = withProjectContext(ctx, project, uuid.NewString())
	ctx = runlog.WithLog(ctx, log)
	logger := logging.WithContext(ctx, workerLogger)

	m.setActive(project.ID, string(project.Status))
	defer m.clearActive(project.ID)

	log.Record(runlog.EventPipelineStart, map[string]any{
		"title":       project.Title,
		"source_path": project.SourcePath,
	})
	logger.Info("pipeline started",
		logging.String(logging.FieldEventType, "pipeline_start"),
		logging.String("title", project.Title))

	hbCtx, hbCancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, project.ID)

	failedStage, err := m.runStages(ctx, logger, project)
	hbCancel()
	hbWG.Wait()

	result := Result{
		ProjectID:   project.ID,
		RunID:       project.RunID,
		Status:      queue.StatusCompleted,
		Stage:       failedStage,
		Err:         err,
		ArtifactRef: project.ArtifactRef,
		Duration:    time.Since(started),
	}
	if err != nil {
		result.Status = services.FailureStatus(err)
	}
	// Persisting the outcome must survive the shutdown that may have caused it.
	m.finish(context.WithoutCancel(ctx), logger, log, result)
}

// runStages executes every configured stage in order and returns the name of
// the stage that failed.
func (m *Manager) runStages(ctx context.Context, logger *slog.Logger, project *queue.Project) (string, error) {
	m.mu.RLock()
	stages := m.stages
	m.mu.RUnlock()

	for _, stg := range stages {
		if err := ctx.Err(); err != nil {
			return stg.name, err
		}
		stageCtx := services.WithStage(ctx, stg.name)
		stageLogger := logging.WithContext(stageCtx, logger)

		if project.Status != stg.status {
			if err := m.store.SetStatus(stageCtx, project.ID, stg.status, stg.label); err != nil {
				return stg.name, fmt.Errorf("persist %s transition: %w", stg.name, err)
			}
			project.Status = stg.status
			m.setActive(project.ID, string(stg.status))
		}

		stageStart := time.Now()
		stageLogger.Info("stage started",
			logging.String(logging.FieldEventType, "stage_start"),
			logging.String("processing_status", string(stg.status)))

		if err := stg.handler.Prepare(stageCtx, project); err != nil {
			return stg.name, err
		}
		if err := stg.handler.Execute(stageCtx, project); err != nil {
			return stg.name, err
		}

		stageLogger.Info("stage completed",
			logging.String(logging.FieldEventType, "stage_complete"),
			logging.Duration("stage_duration", time.Since(stageStart)))
	}
	return "", nil
}

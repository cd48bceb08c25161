package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"stepforge/internal/logging"
	"stepforge/internal/objectstore"
	"stepforge/internal/queue"
	"stepforge/internal/services"
	"stepforge/internal/stage"
)

// Start begins background processing. ctx bounds the lifetime of the pool.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.stages) == 0 {
		m.mu.Unlock()
		return errors.New("workflow stages not configured")
	}

	// No worker owns a processing project before the pool starts.
	if reset, err := m.store.ResetStuckProcessing(ctx); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("reset stuck projects: %w", err)
	} else if reset > 0 {
		m.logger.Info("requeued projects left processing by a previous run", logging.Int64("count", reset))
	}

	stages := slices.Clone(m.stages)
	runCtx, stopRuns := context.WithCancel(ctx)
	claimCtx, stopClaims := context.WithCancel(runCtx)
	m.stopRuns = stopRuns
	m.stopClaims = stopClaims
	m.running = true
	m.wg.Add(m.workers + 1)
	m.mu.Unlock()

	for _, h := range stage.Blocking(stageHealth(ctx, stages)) {
		logging.WarnWithContext(m.logger, "stage not ready", "stage_not_ready",
			logging.String(logging.FieldStage, h.Name),
			logging.String("health", h.String()),
			logging.String(logging.FieldImpact, "projects will fail at this stage until it is fixed"))
	}
	for i := range m.workers {
		go m.runWorker(claimCtx, runCtx, i+1)
	}
	go m.runReclaimer(claimCtx)
	m.logger.Info("workflow started",
		logging.Int("workers", m.workers),
		logging.Duration("poll_interval", m.pollInterval))
	return nil
}

// Stop interrupts in-flight runs, which return to pending, and waits for the
// workers to exit.
func (m *Manager) Stop() {
	stopClaims, stopRuns, ok := m.markStopped()
	if !ok {
		return
	}
	stopClaims()
	stopRuns()
	m.wg.Wait()
}

// Drain stops claiming new projects and waits for in-flight runs to finish.
// When ctx ends first the remaining runs are interrupted as in Stop.
func (m *Manager) Drain(ctx context.Context) {
	stopClaims, stopRuns, ok := m.markStopped()
	if !ok {
		return
	}
	stopClaims()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		stopRuns()
		<-done
	}
	stopRuns()
}

func (m *Manager) markStopped() (context.CancelFunc, context.CancelFunc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil, nil, false
	}
	stopClaims, stopRuns := m.stopClaims, m.stopRuns
	m.running = false
	m.stopClaims = nil
	m.stopRuns = nil
	return stopClaims, stopRuns, true
}

// Submit registers a new project and wakes an idle worker.
func (m *Manager) Submit(ctx context.Context, title, sourcePath string, overrides queue.Overrides) (*queue.Project, error) {
	project, err := m.store.CreateProject(ctx, title, sourcePath, overrides)
	if err != nil {
		return nil, err
	}
	m.logger.Info("project submitted",
		logging.Int64(logging.FieldProjectID, project.ID),
		logging.String(logging.FieldEventType, "project_submitted"),
		logging.String("title", project.Title))
	m.Wake()
	return project, nil
}

// Retry discards a project's previous results, applies overrides, and
// schedules it again. A project that is still processing is rejected with
// queue.ErrProjectBusy.
func (m *Manager) Retry(ctx context.Context, projectID int64, overrides queue.Overrides) (*queue.Project, error) {
	current, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: project %d", services.ErrNotFound, projectID)
	}
	if current.Status.IsProcessing() {
		return nil, queue.ErrProjectBusy
	}
	// Documents go first so a failed delete leaves the project retryable
	// instead of pending with a stale artifact.
	for _, key := range []string{objectstore.ArtifactKey(projectID), objectstore.TranscriptKey(projectID)} {
		if err := m.docs.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("discard %s: %w", key, err)
		}
	}
	project, err := m.store.ResetForRetry(ctx, projectID, overrides)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("%w: project %d", services.ErrNotFound, projectID)
	}
	m.logger.Info("project retry scheduled",
		logging.Int64(logging.FieldProjectID, projectID),
		logging.String(logging.FieldEventType, "project_retry"))
	m.Wake()
	return project, nil
}

// Wake nudges an idle worker to poll immediately.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) runWorker(claimCtx, runCtx context.Context, index int) {
	defer m.wg.Done()
	logger := m.workerLogger(index)

	for {
		if claimCtx.Err() != nil {
			return
		}
		project, err := m.store.ClaimNextPending(claimCtx, uuid.NewString())
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			m.handleClaimError(claimCtx, logger, err)
			continue
		}
		if project == nil {
			m.waitForWork(claimCtx)
			continue
		}
		m.processProject(runCtx, logger, project)
		// Another project may be waiting; look again before sleeping.
		m.Wake()
	}
}

func (m *Manager) runReclaimer(ctx context.Context) {
	defer m.wg.Done()
	interval := m.heartbeat.heartbeatInterval
	if interval <= 0 || m.heartbeat.heartbeatTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := m.heartbeat.ReclaimStale(ctx)
			if err != nil && ctx.Err() == nil {
				logging.WarnWithContext(m.logger, "reclaim stale processing failed; stuck projects may remain", "heartbeat_reclaim_failed",
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check queue database access"),
				)
				continue
			}
			if reclaimed > 0 {
				m.Wake()
			}
		}
	}
}

func (m *Manager) handleClaimError(ctx context.Context, logger *slog.Logger, err error) {
	m.setLastError(err)
	logging.ErrorWithContext(logger, "failed to claim next project", "queue_claim_failed",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check queue database access"),
	)
	select {
	case <-ctx.Done():
	case <-time.After(m.retryDelay):
	}
}

func (m *Manager) waitForWork(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-m.wake:
	case <-time.After(m.pollInterval):
	}
}

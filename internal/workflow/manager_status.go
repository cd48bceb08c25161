package workflow

import (
	"context"
	"maps"
	"slices"

	"stepforge/internal/logging"
	"stepforge/internal/queue"
	"stepforge/internal/stage"
)

// ActiveProject is a project a worker currently owns.
type ActiveProject struct {
	ProjectID int64  `json:"project_id"`
	Status    string `json:"status"`
}

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool
	Workers     int
	Active      []ActiveProject
	LastError   string
	LastProject *queue.Project
	QueueStats  map[queue.Status]int
	StageHealth map[string]stage.Health
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	running := m.running
	lastErr := m.lastErr
	lastProject := m.lastProject
	stages := slices.Clone(m.stages)
	active := make([]ActiveProject, 0, len(m.active))
	for _, id := range slices.Sorted(maps.Keys(m.active)) {
		active = append(active, ActiveProject{ProjectID: id, Status: m.active[id]})
	}
	m.mu.RUnlock()

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err))
	}

	health := stageHealth(ctx, stages)

	summary := StatusSummary{
		Running:     running,
		Workers:     m.workers,
		Active:      active,
		QueueStats:  stats,
		StageHealth: health,
	}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}
	if lastProject != nil {
		copy := *lastProject
		summary.LastProject = &copy
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastProject(project *queue.Project) {
	m.mu.Lock()
	if project != nil {
		copy := *project
		m.lastProject = &copy
	} else {
		m.lastProject = nil
	}
	m.mu.Unlock()
}

func (m *Manager) setActive(id int64, status string) {
	m.mu.Lock()
	m.active[id] = status
	m.mu.Unlock()
}

func (m *Manager) clearActive(id int64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func stageHealth(ctx context.Context, stages []pipelineStage) map[string]stage.Health {
	health := make(map[string]stage.Health, len(stages))
	for _, stg := range stages {
		health[stg.name] = stg.handler.HealthCheck(ctx)
	}
	return health
}

package api

import (
	"cmp"
	"slices"
	"time"

	"stepforge/internal/deps"
	"stepforge/internal/queue"
	"stepforge/internal/stage"
	"stepforge/internal/workflow"
)

// FromProject converts a queue record to its API representation.
func FromProject(p *queue.Project) Project {
	if p == nil {
		return Project{}
	}
	dto := Project{
		ID:         p.ID,
		Title:      p.Title,
		SourcePath: p.SourcePath,
		Status:     string(p.Status),
		Progress: ProjectProgress{
			Stage:   p.ProgressStage,
			Percent: p.ProgressPercent,
			Message: p.ProgressMessage,
		},
		ErrorMessage:   p.ErrorMessage,
		DedupThreshold: p.DedupThreshold,
		MaxFrames:      p.MaxFrames,
		RunID:          p.RunID,
		ArtifactRef:    p.ArtifactRef,
		CreatedAt:      formatTime(p.CreatedAt),
		UpdatedAt:      formatTime(p.UpdatedAt),
	}
	if dto.Progress.Stage == "" {
		dto.Progress.Stage = stageLabel(p.Status)
	}
	if p.LastHeartbeat != nil {
		dto.LastHeartbeat = formatTime(*p.LastHeartbeat)
	}
	return dto
}

// FromProjects converts a slice of queue records into API DTOs.
func FromProjects(projects []*queue.Project) []Project {
	out := make([]Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, FromProject(p))
	}
	return out
}

// FromStatusSummary converts workflow diagnostics.
func FromStatusSummary(s workflow.StatusSummary) WorkflowStatus {
	out := WorkflowStatus{
		Running:     s.Running,
		Workers:     s.Workers,
		Active:      make([]ActiveProject, 0, len(s.Active)),
		QueueStats:  make(map[string]int, len(s.QueueStats)),
		LastError:   s.LastError,
		StageHealth: StageHealthSlice(s.StageHealth),
	}
	for _, a := range s.Active {
		out.Active = append(out.Active, ActiveProject{ProjectID: a.ProjectID, Status: a.Status})
	}
	for status, count := range s.QueueStats {
		out.QueueStats[string(status)] = count
	}
	if s.LastProject != nil {
		p := FromProject(s.LastProject)
		out.LastProject = &p
	}
	return out
}

// StageHealthSlice orders stage health by name.
func StageHealthSlice(health map[string]stage.Health) []StageHealth {
	out := make([]StageHealth, 0, len(health))
	for name, h := range health {
		out = append(out, StageHealth{Name: name, Ready: h.Ready, Detail: h.Detail})
	}
	slices.SortFunc(out, func(a, b StageHealth) int { return cmp.Compare(a.Name, b.Name) })
	return out
}

// FromDependencies converts binary checks.
func FromDependencies(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, DependencyStatus{
			Name:        s.Name,
			Command:     s.Command,
			Description: s.Description,
			Optional:    s.Optional,
			Available:   s.Available,
			Detail:      s.Detail,
		})
	}
	return out
}

// FromDatabaseHealth converts store diagnostics.
func FromDatabaseHealth(h queue.DatabaseHealth) DatabaseHealth {
	return DatabaseHealth{
		Path:           h.DBPath,
		Exists:         h.DatabaseExists,
		Readable:       h.DatabaseReadable,
		SchemaVersion:  h.SchemaVersion,
		MissingTables:  h.MissingTables,
		IntegrityCheck: h.IntegrityCheck,
		TotalProjects:  h.TotalProjects,
		Error:          h.Error,
	}
}

// ParseTime reads a timestamp produced by this package.
func ParseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(dateTimeFormat, value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func stageLabel(status queue.Status) string {
	switch status {
	case queue.StatusPending:
		return "Queued"
	case queue.StatusExtracting:
		return "Extracting frames"
	case queue.StatusTranscribing:
		return "Transcribing audio"
	case queue.StatusSynthesizing:
		return "Synthesizing steps"
	case queue.StatusCompleted:
		return "Completed"
	case queue.StatusFailed:
		return "Failed"
	}
	return string(status)
}

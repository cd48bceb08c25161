package api

import (
	"stepforge/internal/artifact"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Project describes a project in a transport-friendly format.
type Project struct {
	ID             int64           `json:"id"`
	Title          string          `json:"title"`
	SourcePath     string          `json:"sourcePath"`
	Status         string          `json:"status"`
	Progress       ProjectProgress `json:"progress"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	DedupThreshold *int            `json:"threshold,omitempty"`
	MaxFrames      *int            `json:"maxFrames,omitempty"`
	RunID          string          `json:"runId,omitempty"`
	ArtifactRef    string          `json:"artifactRef,omitempty"`
	CreatedAt      string          `json:"createdAt,omitempty"`
	UpdatedAt      string          `json:"updatedAt,omitempty"`
	LastHeartbeat  string          `json:"lastHeartbeat,omitempty"`
}

// ProjectProgress captures stage progress information for a project.
type ProjectProgress struct {
	Stage   string  `json:"stage"`
	Percent float64 `json:"percent"`
	Message string  `json:"message"`
}

// CreateProjectRequest is the body of POST /api/projects.
type CreateProjectRequest struct {
	Title      string `json:"title,omitempty"`
	SourcePath string `json:"sourcePath"`
	Threshold  *int   `json:"threshold,omitempty"`
	MaxFrames  *int   `json:"maxFrames,omitempty"`
}

// RetryRequest is the optional body of POST /api/projects/{id}/retry.
type RetryRequest struct {
	Threshold *int `json:"threshold,omitempty"`
	MaxFrames *int `json:"maxFrames,omitempty"`
}

// RegenerateRequest is the optional body of the step regenerate endpoint.
// A zero FrameID keeps the step's own frame.
type RegenerateRequest struct {
	FrameID int64 `json:"frameId,omitempty"`
}

// AudioRequest is the body of the step audio endpoint.
type AudioRequest struct {
	AudioRef string `json:"audioRef"`
}

// ProjectResponse wraps one project.
type ProjectResponse struct {
	Project Project `json:"project"`
}

// ProjectListResponse wraps a collection of projects.
type ProjectListResponse struct {
	Projects []Project `json:"projects"`
}

// StepsResponse carries a project's steps artifact.
type StepsResponse struct {
	Artifact *artifact.Artifact `json:"artifact"`
}

// StepResponse carries one edited step.
type StepResponse struct {
	Step artifact.Entry `json:"step"`
}

// StageHealth mirrors readiness reporting for workflow stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// ActiveProject is a project a worker currently owns.
type ActiveProject struct {
	ProjectID int64  `json:"projectId"`
	Status    string `json:"status"`
}

// WorkflowStatus summarizes workflow execution state.
type WorkflowStatus struct {
	Running     bool            `json:"running"`
	Workers     int             `json:"workers"`
	Active      []ActiveProject `json:"active"`
	QueueStats  map[string]int  `json:"queueStats"`
	LastError   string          `json:"lastError,omitempty"`
	LastProject *Project        `json:"lastProject,omitempty"`
	StageHealth []StageHealth   `json:"stageHealth"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}

// DatabaseHealth reports the state of the relational store.
type DatabaseHealth struct {
	Path           string   `json:"path"`
	Exists         bool     `json:"exists"`
	Readable       bool     `json:"readable"`
	SchemaVersion  int      `json:"schemaVersion"`
	MissingTables  []string `json:"missingTables,omitempty"`
	IntegrityCheck bool     `json:"integrityCheck"`
	TotalProjects  int      `json:"totalProjects"`
	Error          string   `json:"error,omitempty"`
}

// HealthResponse is the payload of GET /api/health.
type HealthResponse struct {
	Status       string             `json:"status"`
	PID          int                `json:"pid"`
	LockFilePath string             `json:"lockFilePath"`
	Database     DatabaseHealth     `json:"database"`
	Workflow     WorkflowStatus     `json:"workflow"`
	Dependencies []DependencyStatus `json:"dependencies"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

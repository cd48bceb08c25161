package queue

import (
	"time"

	"stepforge/internal/imagehash"
)

// Status represents the lifecycle of a project.
type Status string

const (
	StatusPending      Status = "pending"
	StatusExtracting   Status = "extracting"
	StatusTranscribing Status = "transcribing"
	StatusSynthesizing Status = "synthesizing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
)

var processingStatuses = map[Status]struct{}{
	StatusExtracting:   {},
	StatusTranscribing: {},
	StatusSynthesizing: {},
}

// ProcessingStatuses returns the statuses a worker holds while running stages.
func ProcessingStatuses() []Status {
	return []Status{StatusExtracting, StatusTranscribing, StatusSynthesizing}
}

// IsProcessing reports whether a worker owns a project in this status.
func (s Status) IsProcessing() bool {
	_, ok := processingStatuses[s]
	return ok
}

// IsTerminal reports whether no further work is scheduled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus validates a status string.
func ParseStatus(value string) (Status, bool) {
	switch st := Status(value); st {
	case StatusPending, StatusExtracting, StatusTranscribing, StatusSynthesizing, StatusCompleted, StatusFailed:
		return st, true
	}
	return "", false
}

// Project is one source video and its pipeline state.
type Project struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	SourcePath      string     `json:"source_path"`
	Status          Status     `json:"status"`
	ProgressStage   string     `json:"progress_stage,omitempty"`
	ProgressPercent float64    `json:"progress_percent"`
	ProgressMessage string     `json:"progress_message,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	DedupThreshold  *int       `json:"dedup_threshold,omitempty"`
	MaxFrames       *int       `json:"max_frames,omitempty"`
	RunID           string     `json:"run_id,omitempty"`
	ArtifactRef     string     `json:"artifact_ref,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastHeartbeat   *time.Time `json:"last_heartbeat,omitempty"`
}

// Overrides adjusts extraction parameters for one project.
type Overrides struct {
	DedupThreshold *int `json:"threshold,omitempty"`
	MaxFrames      *int `json:"max_frames,omitempty"`
}

// Frame is one deduplicated keyframe of a project.
type Frame struct {
	ID            int64                     `json:"id"`
	ProjectID     int64                     `json:"project_id"`
	FrameNumber   int64                     `json:"frame_number"`
	TimestampMs   int64                     `json:"timestamp_ms"`
	ImageRef      string                    `json:"image_ref"`
	DiffScore     float64                   `json:"diff_score"`
	SortOrder     int                       `json:"sort_order"`
	Hash          string                    `json:"hash,omitempty"`
	ChangedRegion *imagehash.NormalizedRect `json:"changed_region"`
	CreatedAt     time.Time                 `json:"created_at"`
}

// Step is the flattened row form of one synthesized step.
type Step struct {
	ID             int64     `json:"id"`
	ProjectID      int64     `json:"project_id"`
	FrameID        int64     `json:"frame_id"`
	SortOrder      int       `json:"sort_order"`
	Title          string    `json:"title"`
	Operation      string    `json:"operation,omitempty"`
	Description    string    `json:"description,omitempty"`
	Narration      string    `json:"narration,omitempty"`
	Instruction    string    `json:"instruction,omitempty"`
	ExpectedResult string    `json:"expected_result,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	Confidence     float64   `json:"confidence"`
	AudioRef       string    `json:"audio_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HealthSummary aggregates project counts by lifecycle bucket.
type HealthSummary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Completed  int `json:"completed"`
}

// DatabaseHealth captures diagnostic information for `stepforge doctor`.
type DatabaseHealth struct {
	DBPath           string   `json:"db_path"`
	DatabaseExists   bool     `json:"database_exists"`
	DatabaseReadable bool     `json:"database_readable"`
	SchemaVersion    int      `json:"schema_version"`
	MissingTables    []string `json:"missing_tables,omitempty"`
	IntegrityCheck   bool     `json:"integrity_check"`
	TotalProjects    int      `json:"total_projects"`
	Error            string   `json:"error,omitempty"`
}

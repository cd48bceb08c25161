package workflow

import (
	"time"

	"stepforge/internal/queue"
	"stepforge/internal/stage"
)

// StageSet bundles the concrete handlers the manager runs, in order.
type StageSet struct {
	Extraction    stage.Handler
	Transcription stage.Handler
	Synthesis     stage.Handler
}

type pipelineStage struct {
	name    string
	handler stage.Handler
	status  queue.Status
	label   string
}

// Result is the outcome of one project run, handed to result callbacks after
// it has been persisted.
type Result struct {
	ProjectID   int64
	RunID       string
	Status      queue.Status
	Stage       string
	Err         error
	ArtifactRef string
	RunLogRef   string
	Duration    time.Duration
}

// ResultCallback observes finished runs.
type ResultCallback func(Result)

package stage

import (
	"context"

	"stepforge/internal/queue"
)

// Handler describes the contract the workflow manager needs from each stage.
// Prepare runs before the project's status moves to the stage's processing
// status; Execute does the work.
type Handler interface {
	Prepare(context.Context, *queue.Project) error
	Execute(context.Context, *queue.Project) error
	HealthCheck(context.Context) Health
}

package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"stepforge/internal/logging"
	"stepforge/internal/queue"
	"stepforge/internal/services"
)

func (m *Manager) workerLogger(index int) *slog.Logger {
	return m.logger.With(
		logging.String(logging.FieldComponent, fmt.Sprintf("workflow-worker-%d", index)),
	)
}

func withProjectContext(ctx context.Context, project *queue.Project, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if project != nil {
		ctx = services.WithProjectID(ctx, project.ID)
		ctx = services.WithRunID(ctx, project.RunID)
	}
	return services.WithRequestID(ctx, requestID)
}

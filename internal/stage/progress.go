package stage

import (
	"context"
	"log/slog"

	"stepforge/internal/logging"
)

// ProgressStore persists project progress.
type ProgressStore interface {
	UpdateProjectProgress(ctx context.Context, id int64, percent float64, message string) error
}

// Progress maps a stage-local fraction onto the stage's slice of the overall
// pipeline percentage.
type Progress struct {
	store     ProgressStore
	projectID int64
	start     float64
	end       float64
	stage     string
	sampler   *logging.ProgressSampler
	logger    *slog.Logger
}

// NewProgress builds a reporter for the [start, end] percentage range.
func NewProgress(store ProgressStore, projectID int64, stageName string, start, end float64, logger *slog.Logger) *Progress {
	if end < start {
		start, end = end, start
	}
	return &Progress{
		store:     store,
		projectID: projectID,
		start:     start,
		end:       end,
		stage:     stageName,
		sampler:   logging.NewProgressSampler(10),
		logger:    logging.NewComponentLogger(logger, "progress"),
	}
}

// Percent converts fraction (0..1) to an overall percentage.
func (p *Progress) Percent(fraction float64) float64 {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return p.start + (p.end-p.start)*fraction
}

// Report stores the progress for fraction. Storage errors are logged and
// dropped; progress is advisory.
func (p *Progress) Report(ctx context.Context, fraction float64, message string) {
	if p == nil || p.store == nil {
		return
	}
	percent := p.Percent(fraction)
	if err := p.store.UpdateProjectProgress(ctx, p.projectID, percent, message); err != nil {
		p.logger.Warn("progress update failed",
			logging.Int64(logging.FieldProjectID, p.projectID),
			logging.Error(err))
		return
	}
	if p.sampler.ShouldLog(p.stage, percent) {
		logging.WithContext(ctx, p.logger).Info("progress",
			logging.String(logging.FieldStage, p.stage),
			logging.Float64("percent", percent),
			logging.String("message", message))
	}
}

package queue

import (
	"context"
	"fmt"
	"time"
)

// EditLease bounds how long a step edit holds a project. An edit whose
// process died stops blocking runs once its lease has passed.
const EditLease = 10 * time.Minute

// BeginStepEdit marks project id as being edited by a single-step operation.
// The busy check and the mark are one UPDATE, so neither a run nor a second
// edit can slip in between. It returns ErrProjectBusy while a run or another
// live edit owns the project, and nil when the project does not exist.
func (s *Store) BeginStepEdit(ctx context.Context, id int64) (*Project, error) {
	ctx = ensureContext(ctx)
	now := time.Now()
	res, err := s.execWithRetry(ctx,
		`UPDATE projects SET edit_started_at = ?
         WHERE id = ? AND status NOT IN (?, ?, ?)
           AND (edit_started_at IS NULL OR edit_started_at < ?)`,
		formatTime(now),
		id,
		StatusExtracting,
		StatusTranscribing,
		StatusSynthesizing,
		formatTime(now.Add(-EditLease)),
	)
	if err != nil {
		return nil, fmt.Errorf("begin step edit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	project, err := s.GetProject(ctx, id)
	if err != nil || project == nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrProjectBusy
	}
	return project, nil
}

// EndStepEdit releases the mark set by BeginStepEdit.
func (s *Store) EndStepEdit(ctx context.Context, id int64) error {
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE projects SET edit_started_at = NULL WHERE id = ?`, id,
	); err != nil {
		return fmt.Errorf("end step edit: %w", err)
	}
	return nil
}

// editCutoff is the oldest edit_started_at that still blocks a run.
func editCutoff() string {
	return formatTime(time.Now().Add(-EditLease))
}

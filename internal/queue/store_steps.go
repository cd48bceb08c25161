package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const insertStepSQL = `INSERT INTO steps (
    project_id, frame_id, sort_order, title, operation, description, narration,
    instruction, expected_result, warnings_json, confidence, audio_ref, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertStep(ctx context.Context, db execer, step *Step, timestamp string) error {
	warnings, err := nullableJSON(step.Warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	res, err := db.ExecContext(ctx, insertStepSQL,
		step.ProjectID,
		step.FrameID,
		step.SortOrder,
		step.Title,
		nullableString(step.Operation),
		nullableString(step.Description),
		nullableString(step.Narration),
		nullableString(step.Instruction),
		nullableString(step.ExpectedResult),
		warnings,
		step.Confidence,
		nullableString(step.AudioRef),
		timestamp,
		timestamp,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	step.ID = id
	if ts, err := parseTimeString(timestamp); err == nil {
		step.CreatedAt = ts
		step.UpdatedAt = ts
	}
	return nil
}

// CreateStep inserts one flattened step row and fills in its id.
func (s *Store) CreateStep(ctx context.Context, step *Step) error {
	if step == nil {
		return errors.New("step is nil")
	}
	ctx = ensureContext(ctx)
	timestamp := nowString()
	if err := retryOnBusy(ctx, func() error {
		return insertStep(ctx, s.db, step, timestamp)
	}); err != nil {
		return fmt.Errorf("create step: %w", err)
	}
	return nil
}

// DeleteStepsByProject removes every step row of a project.
func (s *Store) DeleteStepsByProject(ctx context.Context, projectID int64) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM steps WHERE project_id = ?`, projectID)
	if err != nil {
		return 0, fmt.Errorf("delete steps: %w", err)
	}
	return res.RowsAffected()
}

// ReplaceSteps swaps a project's step rows for steps atomically. The slice is
// updated in place with the new ids.
func (s *Store) ReplaceSteps(ctx context.Context, projectID int64, steps []Step) error {
	ctx = ensureContext(ctx)
	timestamp := nowString()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE project_id = ?`, projectID); err != nil {
			return err
		}
		for i := range steps {
			steps[i].ProjectID = projectID
			if err := insertStep(ctx, tx, &steps[i], timestamp); err != nil {
				return fmt.Errorf("insert step %d: %w", steps[i].SortOrder, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace steps: %w", err)
	}
	return nil
}

// ListSteps returns a project's step rows ordered by sort order.
func (s *Store) ListSteps(ctx context.Context, projectID int64) ([]Step, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+stepColumns+` FROM steps WHERE project_id = ? ORDER BY sort_order, id`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// GetStep fetches one step row. A missing step yields nil, nil.
func (s *Store) GetStep(ctx context.Context, id int64) (*Step, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+stepColumns+` FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step: %w", err)
	}
	return step, nil
}

// UpdateStep overwrites the mutable fields of an existing step row.
func (s *Store) UpdateStep(ctx context.Context, step *Step) error {
	if step == nil {
		return errors.New("step is nil")
	}
	warnings, err := nullableJSON(step.Warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}
	step.UpdatedAt = time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`UPDATE steps
         SET frame_id = ?, sort_order = ?, title = ?, operation = ?, description = ?,
             narration = ?, instruction = ?, expected_result = ?, warnings_json = ?,
             confidence = ?, audio_ref = ?, updated_at = ?
         WHERE id = ?`,
		step.FrameID,
		step.SortOrder,
		step.Title,
		nullableString(step.Operation),
		nullableString(step.Description),
		nullableString(step.Narration),
		nullableString(step.Instruction),
		nullableString(step.ExpectedResult),
		warnings,
		step.Confidence,
		nullableString(step.AudioRef),
		formatTime(step.UpdatedAt),
		step.ID,
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update step %d: %w", step.ID, sql.ErrNoRows)
	}
	return nil
}

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateFrames inserts the kept frames of a project in one transaction and
// returns them with their assigned ids.
func (s *Store) CreateFrames(ctx context.Context, projectID int64, frames []Frame) ([]Frame, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	ctx = ensureContext(ctx)
	created := make([]Frame, len(frames))
	copy(created, frames)
	timestamp := nowString()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO frames (
            project_id, frame_number, timestamp_ms, image_ref, diff_score,
            sort_order, hash, changed_region_json, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i := range created {
			f := &created[i]
			region, err := nullableJSON(f.ChangedRegion)
			if err != nil {
				return fmt.Errorf("encode changed region: %w", err)
			}
			res, err := stmt.ExecContext(ctx,
				projectID,
				f.FrameNumber,
				f.TimestampMs,
				f.ImageRef,
				f.DiffScore,
				f.SortOrder,
				nullableString(f.Hash),
				region,
				timestamp,
			)
			if err != nil {
				return fmt.Errorf("insert frame %d: %w", f.SortOrder, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			f.ID = id
			f.ProjectID = projectID
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create frames: %w", err)
	}
	createdAt, _ := parseTimeString(timestamp)
	for i := range created {
		created[i].CreatedAt = createdAt
	}
	return created, nil
}

// ListFrames returns a project's frames ordered by sort order.
func (s *Store) ListFrames(ctx context.Context, projectID int64) ([]Frame, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+frameColumns+` FROM frames WHERE project_id = ? ORDER BY sort_order, timestamp_ms`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var frames []Frame
	for rows.Next() {
		frame, err := scanFrame(rows)
		if err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		frames = append(frames, *frame)
	}
	return frames, rows.Err()
}

// GetFrame fetches one frame. A missing frame yields nil, nil.
func (s *Store) GetFrame(ctx context.Context, id int64) (*Frame, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+frameColumns+` FROM frames WHERE id = ?`, id)
	frame, err := scanFrame(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get frame: %w", err)
	}
	return frame, nil
}

// DeleteFramesByProject removes every frame of a project along with the
// steps that reference them.
func (s *Store) DeleteFramesByProject(ctx context.Context, projectID int64) (int64, error) {
	ctx = ensureContext(ctx)
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE project_id = ?`, projectID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM frames WHERE project_id = ?`, projectID)
		if err != nil {
			return err
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete frames: %w", err)
	}
	return removed, nil
}

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrProjectBusy is returned when an operation needs a project that a worker
// currently owns.
var ErrProjectBusy = errors.New("project is being processed")

// CreateProject inserts a pending project for sourcePath. An empty title is
// derived from the file name.
func (s *Store) CreateProject(ctx context.Context, title, sourcePath string, overrides Overrides) (*Project, error) {
	sourcePath = strings.TrimSpace(sourcePath)
	if sourcePath == "" {
		return nil, errors.New("source path is required")
	}
	if strings.TrimSpace(title) == "" {
		title = inferTitleFromPath(sourcePath)
	}
	timestamp := nowString()

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO projects (
            title, source_path, status, progress_percent,
            dedup_threshold, max_frames, created_at, updated_at
        ) VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		strings.TrimSpace(title),
		sourcePath,
		StatusPending,
		nullableInt(overrides.DedupThreshold),
		nullableInt(overrides.MaxFrames),
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetProject(ctx, id)
}

// GetProject fetches a project by id. A missing project yields nil, nil.
func (s *Store) GetProject(ctx context.Context, id int64) (*Project, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	project, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return project, nil
}

// ListProjects returns projects ordered by id, optionally filtered by status.
func (s *Store) ListProjects(ctx context.Context, statuses ...Status) ([]*Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

// SetStatus moves a project into status and records the stage label.
func (s *Store) SetStatus(ctx context.Context, id int64, status Status, stage string) error {
	now := nowString()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE projects SET status = ?, progress_stage = ?, updated_at = ? WHERE id = ?`,
		status,
		nullableString(stage),
		now,
		id,
	); err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	return nil
}

// UpdateProjectProgress records progress for a running project. The stored
// percentage never decreases; a lower value only refreshes the message.
func (s *Store) UpdateProjectProgress(ctx context.Context, id int64, percent float64, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE projects
         SET progress_percent = MAX(progress_percent, ?), progress_message = ?, updated_at = ?
         WHERE id = ?`,
		percent,
		nullableString(message),
		nowString(),
		id,
	); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// UpdateProjectError marks the project failed with a user-facing message.
func (s *Store) UpdateProjectError(ctx context.Context, id int64, message string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE projects
         SET status = ?, error_message = ?, last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		StatusFailed,
		nullableString(message),
		nowString(),
		id,
	); err != nil {
		return fmt.Errorf("update error: %w", err)
	}
	return nil
}

// CompleteProject marks a project completed and records its artifact reference.
func (s *Store) CompleteProject(ctx context.Context, id int64, artifactRef string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE projects
         SET status = ?, progress_stage = 'Completed', progress_percent = 100,
             progress_message = 'Steps ready', error_message = NULL, artifact_ref = ?,
             last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		StatusCompleted,
		nullableString(artifactRef),
		nowString(),
		id,
	); err != nil {
		return fmt.Errorf("complete project: %w", err)
	}
	return nil
}

// RequeueProject hands an interrupted project back to the pending pool.
func (s *Store) RequeueProject(ctx context.Context, id int64) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE projects
         SET status = ?, progress_stage = 'Interrupted', progress_percent = 0,
             progress_message = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE id = ?`,
		StatusPending,
		nowString(),
		id,
	); err != nil {
		return fmt.Errorf("requeue project: %w", err)
	}
	return nil
}

// SetArtifactRef records where the steps artifact was written.
func (s *Store) SetArtifactRef(ctx context.Context, id int64, ref string) error {
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE projects SET artifact_ref = ?, updated_at = ? WHERE id = ?`,
		nullableString(ref),
		nowString(),
		id,
	); err != nil {
		return fmt.Errorf("set artifact ref: %w", err)
	}
	return nil
}

// ResetForRetry discards a project's frames and steps, clears error and
// progress along with the artifact reference, applies overrides, and returns
// it to pending. Nil override fields keep the previous value.
func (s *Store) ResetForRetry(ctx context.Context, id int64, overrides Overrides) (*Project, error) {
	ctx = ensureContext(ctx)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status, editStarted string
		if err := tx.QueryRowContext(ctx,
			`SELECT status, COALESCE(edit_started_at, '') FROM projects WHERE id = ?`, id,
		).Scan(&status, &editStarted); err != nil {
			return err
		}
		if Status(status).IsProcessing() || editStarted >= editCutoff() {
			return ErrProjectBusy
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE project_id = ?`, id); err != nil {
			return fmt.Errorf("delete steps: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM frames WHERE project_id = ?`, id); err != nil {
			return fmt.Errorf("delete frames: %w", err)
		}
		_, err := tx.ExecContext(
			ctx,
			`UPDATE projects
             SET status = ?, progress_stage = 'Retry requested', progress_percent = 0,
                 progress_message = NULL, error_message = NULL, run_id = NULL,
                 artifact_ref = NULL, last_heartbeat = NULL,
                 dedup_threshold = COALESCE(?, dedup_threshold),
                 max_frames = COALESCE(?, max_frames),
                 updated_at = ?
             WHERE id = ?`,
			StatusPending,
			nullableInt(overrides.DedupThreshold),
			nullableInt(overrides.MaxFrames),
			nowString(),
			id,
		)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if errors.Is(err, ErrProjectBusy) {
			return nil, err
		}
		return nil, fmt.Errorf("reset project for retry: %w", err)
	}
	return s.GetProject(ctx, id)
}

// DeleteProject removes a project; frames and steps cascade.
func (s *Store) DeleteProject(ctx context.Context, id int64) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete project: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func inferTitleFromPath(path string) string {
	base := filepath.Base(path)
	if base == "." || base == string(filepath.Separator) {
		return "Untitled"
	}
	title := strings.TrimSuffix(base, filepath.Ext(base))
	title = strings.NewReplacer("_", " ", "-", " ").Replace(title)
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return "Untitled"
	}
	return title
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"
)

// ClaimNextPending moves the oldest pending project into extracting, stamps
// runID and a heartbeat, and returns it. Nil means nothing is pending.
func (s *Store) ClaimNextPending(ctx context.Context, runID string) (*Project, error) {
	ctx = ensureContext(ctx)
	for {
		var id int64
		cutoff := editCutoff()
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM projects
             WHERE status = ? AND (edit_started_at IS NULL OR edit_started_at < ?)
             ORDER BY created_at, id LIMIT 1`,
			StatusPending,
			cutoff,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select pending project: %w", err)
		}

		now := nowString()
		res, err := s.execWithRetry(ctx,
			`UPDATE projects
             SET status = ?, progress_stage = 'Extracting frames', progress_percent = 0,
                 progress_message = NULL, error_message = NULL, run_id = ?,
                 last_heartbeat = ?, updated_at = ?
             WHERE id = ? AND status = ? AND (edit_started_at IS NULL OR edit_started_at < ?)`,
			StatusExtracting,
			nullableString(runID),
			now,
			now,
			id,
			StatusPending,
			cutoff,
		)
		if err != nil {
			return nil, fmt.Errorf("claim project: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 1 {
			return s.GetProject(ctx, id)
		}
		// Another worker won the row; look again.
	}
}

// UpdateHeartbeat refreshes the heartbeat of an in-flight project.
func (s *Store) UpdateHeartbeat(ctx context.Context, id int64) error {
	now := nowString()
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE projects SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now,
		now,
		id,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReclaimStaleProcessing returns processing projects whose heartbeat is older
// than cutoff to pending.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE projects
         SET status = ?, progress_stage = 'Reclaimed from stale processing',
             progress_percent = 0, progress_message = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE status IN (?, ?, ?) AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`,
		StatusPending,
		nowString(),
		StatusExtracting,
		StatusTranscribing,
		StatusSynthesizing,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale projects: %w", err)
	}
	return res.RowsAffected()
}

// ResetStuckProcessing returns every processing project to pending and drops
// leftover edit marks. Called at daemon start, when no worker or edit can own
// a project.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	if err := s.execWithoutResultRetry(ctx,
		`UPDATE projects SET edit_started_at = NULL WHERE edit_started_at IS NOT NULL`,
	); err != nil {
		return 0, fmt.Errorf("clear step edits: %w", err)
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE projects
         SET status = ?, progress_stage = 'Reset from stuck processing',
             progress_percent = 0, progress_message = NULL, last_heartbeat = NULL, updated_at = ?
         WHERE status IN (?, ?, ?)`,
		StatusPending,
		nowString(),
		StatusExtracting,
		StatusTranscribing,
		StatusSynthesizing,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck projects: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns project counts grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM projects GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("project stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates project counts into lifecycle buckets.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch {
		case status == StatusPending:
			health.Pending += count
		case status == StatusFailed:
			health.Failed += count
		case status == StatusCompleted:
			health.Completed += count
		case status.IsProcessing():
			health.Processing += count
		}
	}
	return health, nil
}

var requiredTables = []string{"frames", "projects", "schema_version", "steps"}

// CheckHealth returns diagnostic information about the database file.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("database path is unknown")
	}

	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ensureContext(ctx), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping database: %w", err)
	}
	health.DatabaseReadable = true

	rows, err := s.db.QueryContext(connCtx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("list tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			health.Error = err.Error()
			return health, fmt.Errorf("scan table name: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	for _, table := range requiredTables {
		if !slices.Contains(tables, table) {
			health.MissingTables = append(health.MissingTables, table)
		}
	}
	if len(health.MissingTables) > 0 {
		return health, nil
	}

	if health.SchemaVersion, _, err = readSchemaVersion(connCtx, s.db); err != nil {
		health.Error = err.Error()
		return health, err
	}
	if err := s.db.QueryRowContext(connCtx, `SELECT COUNT(*) FROM projects`).Scan(&health.TotalProjects); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("count projects: %w", err)
	}

	var integrity string
	if err := s.db.QueryRowContext(connCtx, `PRAGMA integrity_check`).Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	return health, nil
}

package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"stepforge/internal/imagehash"
)

type rowScanner interface{ Scan(dest ...any) error }

const projectColumns = "id, title, source_path, status, progress_stage, progress_percent, progress_message, error_message, dedup_threshold, max_frames, run_id, artifact_ref, created_at, updated_at, last_heartbeat"

func scanProject(scanner rowScanner) (*Project, error) {
	var (
		p                Project
		statusStr        string
		progressStage    sql.NullString
		progressMessage  sql.NullString
		errorMessage     sql.NullString
		dedupThreshold   sql.NullInt64
		maxFrames        sql.NullInt64
		runID            sql.NullString
		artifactRef      sql.NullString
		createdRaw       string
		updatedRaw       string
		lastHeartbeatRaw sql.NullString
	)
	if err := scanner.Scan(
		&p.ID,
		&p.Title,
		&p.SourcePath,
		&statusStr,
		&progressStage,
		&p.ProgressPercent,
		&progressMessage,
		&errorMessage,
		&dedupThreshold,
		&maxFrames,
		&runID,
		&artifactRef,
		&createdRaw,
		&updatedRaw,
		&lastHeartbeatRaw,
	); err != nil {
		return nil, err
	}
	p.Status = Status(statusStr)
	p.ProgressStage = progressStage.String
	p.ProgressMessage = progressMessage.String
	p.ErrorMessage = errorMessage.String
	p.RunID = runID.String
	p.ArtifactRef = artifactRef.String
	p.DedupThreshold = nullIntPtr(dedupThreshold)
	p.MaxFrames = nullIntPtr(maxFrames)
	if created, err := parseTimeString(createdRaw); err == nil {
		p.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		p.UpdatedAt = updated
	}
	if lastHeartbeatRaw.Valid {
		if heartbeat, err := parseTimeString(lastHeartbeatRaw.String); err == nil {
			p.LastHeartbeat = &heartbeat
		}
	}
	return &p, nil
}

const frameColumns = "id, project_id, frame_number, timestamp_ms, image_ref, diff_score, sort_order, hash, changed_region_json, created_at"

func scanFrame(scanner rowScanner) (*Frame, error) {
	var (
		f          Frame
		hash       sql.NullString
		regionJSON sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(
		&f.ID,
		&f.ProjectID,
		&f.FrameNumber,
		&f.TimestampMs,
		&f.ImageRef,
		&f.DiffScore,
		&f.SortOrder,
		&hash,
		&regionJSON,
		&createdRaw,
	); err != nil {
		return nil, err
	}
	f.Hash = hash.String
	if regionJSON.Valid && regionJSON.String != "" {
		var rect imagehash.NormalizedRect
		if err := json.Unmarshal([]byte(regionJSON.String), &rect); err == nil {
			f.ChangedRegion = &rect
		}
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		f.CreatedAt = created
	}
	return &f, nil
}

const stepColumns = "id, project_id, frame_id, sort_order, title, operation, description, narration, instruction, expected_result, warnings_json, confidence, audio_ref, created_at, updated_at"

func scanStep(scanner rowScanner) (*Step, error) {
	var (
		st             Step
		operation      sql.NullString
		description    sql.NullString
		narration      sql.NullString
		instruction    sql.NullString
		expectedResult sql.NullString
		warningsJSON   sql.NullString
		audioRef       sql.NullString
		createdRaw     string
		updatedRaw     string
	)
	if err := scanner.Scan(
		&st.ID,
		&st.ProjectID,
		&st.FrameID,
		&st.SortOrder,
		&st.Title,
		&operation,
		&description,
		&narration,
		&instruction,
		&expectedResult,
		&warningsJSON,
		&st.Confidence,
		&audioRef,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	st.Operation = operation.String
	st.Description = description.String
	st.Narration = narration.String
	st.Instruction = instruction.String
	st.ExpectedResult = expectedResult.String
	st.AudioRef = audioRef.String
	if warningsJSON.Valid && warningsJSON.String != "" {
		_ = json.Unmarshal([]byte(warningsJSON.String), &st.Warnings)
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		st.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		st.UpdatedAt = updated
	}
	return &st, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableInt(value *int) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullIntPtr(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int64)
	return &v
}

func nullableJSON(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case *imagehash.NormalizedRect:
		if v == nil {
			return nil, nil
		}
	case []string:
		if len(v) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nowString() string {
	return formatTime(time.Now())
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

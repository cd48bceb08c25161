package artifact

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"stepforge/internal/objectstore"
	"stepforge/internal/queue"
	"stepforge/internal/services"
)

// LegacyConfidence is assigned to entries rebuilt from flattened rows.
const LegacyConfidence = 0.5

// DefaultLastStepMs is the duration given to the final step.
const DefaultLastStepMs = 1500

// RowSource lists the flattened rows of a project.
type RowSource interface {
	ListSteps(ctx context.Context, projectID int64) ([]queue.Step, error)
	ListFrames(ctx context.Context, projectID int64) ([]queue.Frame, error)
}

// NewStepID returns a fresh entry identifier.
func NewStepID() string {
	return uuid.NewString()
}

// legacyStepID is stable for a row so repeated migrations agree.
func legacyStepID(projectID, rowID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "stepforge:project/%d/step/%d", projectID, rowID)).String()
}

// FrameWindow returns [tStart, tEnd] for the frame at idx of frames sorted in
// display order. The last frame lasts lastMs, or DefaultLastStepMs when lastMs
// is not positive.
func FrameWindow(frames []queue.Frame, idx int, lastMs int64) (int64, int64) {
	if lastMs <= 0 {
		lastMs = DefaultLastStepMs
	}
	start := frames[idx].TimestampMs
	if idx+1 < len(frames) {
		if next := frames[idx+1].TimestampMs; next >= start {
			return start, next
		}
	}
	return start, start + lastMs
}

// FromLegacyRows builds an artifact from step rows that predate the
// structured document. Evidence fields stay empty.
func FromLegacyRows(projectID int64, steps []queue.Step, frames []queue.Frame, cfg Config, now time.Time) (*Artifact, error) {
	ordered := slices.Clone(frames)
	slices.SortStableFunc(ordered, func(a, b queue.Frame) int { return a.SortOrder - b.SortOrder })
	position := make(map[int64]int, len(ordered))
	for i, f := range ordered {
		position[f.ID] = i
	}

	entries := make([]Entry, 0, len(steps))
	for _, row := range steps {
		idx, ok := position[row.FrameID]
		if !ok {
			return nil, fmt.Errorf("%w: step row %d references unknown frame %d", services.ErrValidation, row.ID, row.FrameID)
		}
		tStart, tEnd := FrameWindow(ordered, idx, DefaultLastStepMs)
		rowID := row.ID
		title := row.Title
		if title == "" {
			title = fmt.Sprintf("Step %d", row.SortOrder+1)
		}
		entries = append(entries, Entry{
			StepID:               legacyStepID(projectID, row.ID),
			SortOrder:            row.SortOrder,
			FrameID:              row.FrameID,
			TStart:               tStart,
			TEnd:                 tEnd,
			RepresentativeFrames: []int64{row.FrameID},
			Instruction:          row.Instruction,
			ExpectedResult:       row.ExpectedResult,
			Warnings:             slices.Clone(row.Warnings),
			Confidence:           LegacyConfidence,
			Title:                title,
			Operation:            row.Operation,
			Description:          row.Description,
			Narration:            row.Narration,
			AudioRef:             row.AudioRef,
			LegacyStepID:         &rowID,
		})
	}
	a := New(projectID, cfg, entries, now)
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Save writes the artifact to its key and returns the store reference.
func Save(ctx context.Context, docs objectstore.Store, a *Artifact) (string, error) {
	data, err := Encode(a)
	if err != nil {
		return "", err
	}
	key := objectstore.ArtifactKey(a.ProjectID)
	ref, err := docs.Put(ctx, key, data, "application/json")
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return ref, nil
}

// Fetch reads and parses the stored artifact of a project.
func Fetch(ctx context.Context, docs objectstore.Store, projectID int64) (*Artifact, error) {
	data, err := docs.Get(ctx, objectstore.ArtifactKey(projectID))
	if err != nil {
		return nil, err
	}
	a, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if a.ProjectID != projectID {
		return nil, fmt.Errorf("%w: artifact belongs to project %d", services.ErrValidation, a.ProjectID)
	}
	return a, nil
}

// Load returns the project's artifact. When none is stored but step rows
// exist, one is synthesized from the rows, stored, and returned. A project
// with neither yields services.ErrNotFound.
func Load(ctx context.Context, docs objectstore.Store, rows RowSource, projectID int64, cfg Config) (*Artifact, error) {
	frames, err := rows.ListFrames(ctx, projectID)
	if err != nil {
		return nil, err
	}
	frameIDs := make([]int64, len(frames))
	for i, f := range frames {
		frameIDs[i] = f.ID
	}

	a, err := Fetch(ctx, docs, projectID)
	switch {
	case err == nil:
		if err := a.ValidateFrames(frameIDs); err != nil {
			return nil, err
		}
		return a, nil
	case !errors.Is(err, services.ErrNotFound):
		return nil, err
	}

	steps, err := rows.ListSteps(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: project %d has no steps", services.ErrNotFound, projectID)
	}
	a, err = FromLegacyRows(projectID, steps, frames, cfg, time.Now())
	if err != nil {
		return nil, err
	}
	if _, err := Save(ctx, docs, a); err != nil {
		return nil, err
	}
	return a, nil
}

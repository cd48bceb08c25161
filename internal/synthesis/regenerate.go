package synthesis

import (
	"context"
	"fmt"

	"stepforge/internal/artifact"
	"stepforge/internal/logging"
	"stepforge/internal/queue"
	"stepforge/internal/services"
	"stepforge/internal/transcription"
)

// Regenerate reruns evidence gathering and synthesis for one step against
// frameID (the step's own frame when frameID is zero). Only that step's row
// and artifact entry change. On error nothing is written.
func (o *Orchestrator) Regenerate(ctx context.Context, projectID int64, stepID string, frameID int64) (*artifact.Entry, error) {
	a, err := artifact.Load(ctx, o.docs, o.store, projectID, o.ArtifactConfig())
	if err != nil {
		return nil, err
	}
	current, ok := a.Entry(stepID)
	if !ok {
		return nil, fmt.Errorf("%w: step %s not in project %d", services.ErrNotFound, stepID, projectID)
	}
	if frameID == 0 {
		frameID = current.FrameID
	}

	frames, err := o.store.ListFrames(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "list frames", "", err)
	}
	idx := -1
	for i, f := range frames {
		if f.ID == frameID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: frame %d not in project %d", services.ErrNotFound, frameID, projectID)
	}

	transcript, err := transcription.Load(ctx, o.docs, projectID)
	if err != nil {
		return nil, err
	}
	base := o.baseEntry(frames, idx, transcript)
	base.StepID = current.StepID
	base.SortOrder = current.SortOrder
	base.LegacyStepID = current.LegacyStepID

	entry, err := o.generate(ctx, frames[idx], base, transcript, true)
	if err != nil {
		return nil, err
	}

	if err := o.writeRow(ctx, projectID, &entry); err != nil {
		return nil, err
	}
	if err := a.ReplaceEntry(entry); err != nil {
		return nil, err
	}
	if _, err := artifact.Save(ctx, o.docs, a); err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "save artifact", "", err)
	}

	logging.WithContext(ctx, o.logger).Info("step regenerated",
		logging.String(logging.FieldEventType, "step_regenerated"),
		logging.Int64(logging.FieldProjectID, projectID),
		logging.String("step_id", stepID),
		logging.Int64(logging.FieldFrameID, frameID),
		logging.Float64("confidence", entry.Confidence))
	return &entry, nil
}

// writeRow overwrites the row linked to entry, creating and linking one when
// the entry has none.
func (o *Orchestrator) writeRow(ctx context.Context, projectID int64, entry *artifact.Entry) error {
	row := rowFromEntry(projectID, *entry)
	if entry.LegacyStepID == nil {
		existing, err := o.rowBySortOrder(ctx, projectID, entry.SortOrder)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := o.store.CreateStep(ctx, &row); err != nil {
				return services.Wrap(services.ErrTransient, stageName, "create step", "", err)
			}
			id := row.ID
			entry.LegacyStepID = &id
			return nil
		}
		row.ID = existing.ID
		id := existing.ID
		entry.LegacyStepID = &id
	}
	if err := o.store.UpdateStep(ctx, &row); err != nil {
		return services.Wrap(services.ErrTransient, stageName, "update step", "", err)
	}
	return nil
}

func (o *Orchestrator) rowBySortOrder(ctx context.Context, projectID int64, sortOrder int) (*queue.Step, error) {
	rows, err := o.store.ListSteps(ctx, projectID)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "list steps", "", err)
	}
	for i := range rows {
		if rows[i].SortOrder == sortOrder {
			return &rows[i], nil
		}
	}
	return nil, nil
}

// AttachAudio records the narration audio of one step in the artifact and
// its row. No other field changes.
func (o *Orchestrator) AttachAudio(ctx context.Context, projectID int64, stepID, ref string) error {
	a, err := artifact.Load(ctx, o.docs, o.store, projectID, o.ArtifactConfig())
	if err != nil {
		return err
	}
	if err := a.PatchAudioRef(stepID, ref); err != nil {
		return err
	}
	entry, _ := a.Entry(stepID)
	if entry.LegacyStepID != nil {
		row, err := o.store.GetStep(ctx, *entry.LegacyStepID)
		if err != nil {
			return services.Wrap(services.ErrTransient, stageName, "get step", "", err)
		}
		if row != nil {
			row.AudioRef = ref
			if err := o.store.UpdateStep(ctx, row); err != nil {
				return services.Wrap(services.ErrTransient, stageName, "update step", "", err)
			}
		}
	}
	if _, err := artifact.Save(ctx, o.docs, a); err != nil {
		return services.Wrap(services.ErrTransient, stageName, "save artifact", "", err)
	}
	return nil
}

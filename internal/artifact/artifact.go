package artifact

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"stepforge/internal/imagehash"
	"stepforge/internal/services"
)

// Version is the document format written by this build.
const Version = 1

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	schemaResolved *jsonschema.Resolved
	schemaErr      error
)

// Config records which providers produced the artifact.
type Config struct {
	ASRProvider   string `json:"asr_provider"`
	OCRProvider   string `json:"ocr_provider"`
	LLMProvider   string `json:"llm_provider"`
	LLMModel      string `json:"llm_model"`
	PromptVersion string `json:"prompt_version"`
}

// Entry is one synthesized step with the evidence it was grounded on.
type Entry struct {
	StepID               string                    `json:"step_id"`
	SortOrder            int                       `json:"sort_order"`
	FrameID              int64                     `json:"frame_id"`
	TStart               int64                     `json:"t_start"`
	TEnd                 int64                     `json:"t_end"`
	RepresentativeFrames []int64                   `json:"representative_frames"`
	ChangedRegion        *imagehash.NormalizedRect `json:"changed_region"`
	OCRText              string                    `json:"ocr_text"`
	TranscriptSnippet    string                    `json:"transcript_snippet"`
	Instruction          string                    `json:"instruction"`
	ExpectedResult       string                    `json:"expected_result"`
	Warnings             []string                  `json:"warnings"`
	Confidence           float64                   `json:"confidence"`
	Title                string                    `json:"title"`
	Operation            string                    `json:"operation"`
	Description          string                    `json:"description"`
	Narration            string                    `json:"narration"`
	AudioRef             string                    `json:"audio_ref,omitempty"`
	LegacyStepID         *int64                    `json:"legacy_step_id,omitempty"`
}

// Artifact is the structured output of one pipeline run.
type Artifact struct {
	Version     int       `json:"version"`
	ProjectID   int64     `json:"project_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Config      Config    `json:"config"`
	Steps       []Entry   `json:"steps"`
}

// New assembles an artifact from entries in any order.
func New(projectID int64, cfg Config, entries []Entry, generatedAt time.Time) *Artifact {
	steps := make([]Entry, len(entries))
	copy(steps, entries)
	slices.SortStableFunc(steps, func(a, b Entry) int { return a.SortOrder - b.SortOrder })
	for i := range steps {
		steps[i].normalize()
	}
	return &Artifact{
		Version:     Version,
		ProjectID:   projectID,
		GeneratedAt: generatedAt.UTC(),
		Config:      cfg,
		Steps:       steps,
	}
}

func (e *Entry) normalize() {
	if e.RepresentativeFrames == nil {
		e.RepresentativeFrames = []int64{}
	}
	if e.Warnings == nil {
		e.Warnings = []string{}
	}
	if e.ChangedRegion != nil {
		clamped := e.ChangedRegion.Clamp()
		e.ChangedRegion = &clamped
	}
}

// Validate checks the ordering and range invariants.
func (a *Artifact) Validate() error {
	if a == nil {
		return fmt.Errorf("%w: artifact is nil", services.ErrValidation)
	}
	if a.Version < 1 || a.Version > Version {
		return fmt.Errorf("%w: unsupported artifact version %d", services.ErrValidation, a.Version)
	}
	if a.ProjectID <= 0 {
		return fmt.Errorf("%w: artifact project id must be positive", services.ErrValidation)
	}
	seenIDs := make(map[string]struct{}, len(a.Steps))
	for i, entry := range a.Steps {
		if i > 0 && entry.SortOrder <= a.Steps[i-1].SortOrder {
			return fmt.Errorf("%w: steps out of order at sort_order %d", services.ErrValidation, entry.SortOrder)
		}
		if entry.StepID == "" {
			return fmt.Errorf("%w: step %d has no step_id", services.ErrValidation, entry.SortOrder)
		}
		if _, dup := seenIDs[entry.StepID]; dup {
			return fmt.Errorf("%w: duplicate step_id %s", services.ErrValidation, entry.StepID)
		}
		seenIDs[entry.StepID] = struct{}{}
		if entry.FrameID <= 0 {
			return fmt.Errorf("%w: step %d has no frame", services.ErrValidation, entry.SortOrder)
		}
		if entry.TEnd < entry.TStart {
			return fmt.Errorf("%w: step %d ends before it starts", services.ErrValidation, entry.SortOrder)
		}
		if entry.Confidence < 0 || entry.Confidence > 1 {
			return fmt.Errorf("%w: step %d confidence %.2f out of range", services.ErrValidation, entry.SortOrder, entry.Confidence)
		}
		if r := entry.ChangedRegion; r != nil && (r.X < 0 || r.Y < 0 || r.X+r.W > 1+1e-9 || r.Y+r.H > 1+1e-9) {
			return fmt.Errorf("%w: step %d changed region outside the frame", services.ErrValidation, entry.SortOrder)
		}
	}
	return nil
}

// ValidateFrames reports entries whose frame_id is not in frameIDs.
func (a *Artifact) ValidateFrames(frameIDs []int64) error {
	known := make(map[int64]struct{}, len(frameIDs))
	for _, id := range frameIDs {
		known[id] = struct{}{}
	}
	for _, entry := range a.Steps {
		if _, ok := known[entry.FrameID]; !ok {
			return fmt.Errorf("%w: step %d references unknown frame %d", services.ErrValidation, entry.SortOrder, entry.FrameID)
		}
	}
	return nil
}

// Encode validates and serializes the artifact.
func Encode(a *Artifact) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	for i := range a.Steps {
		a.Steps[i].normalize()
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return data, nil
}

// Parse decodes data, checks it against the document schema, and validates
// the invariants.
func Parse(data []byte) (*Artifact, error) {
	resolved, err := documentSchema()
	if err != nil {
		return nil, err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: decode artifact: %w", services.ErrValidation, err)
	}
	if err := resolved.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: artifact schema: %w", services.ErrValidation, err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: decode artifact: %w", services.ErrValidation, err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

func documentSchema() (*jsonschema.Resolved, error) {
	schemaOnce.Do(func() {
		var schema jsonschema.Schema
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			schemaErr = fmt.Errorf("parse artifact schema: %w", err)
			return
		}
		schemaResolved, schemaErr = schema.Resolve(nil)
	})
	return schemaResolved, schemaErr
}

// Entry returns a pointer to the entry with stepID.
func (a *Artifact) Entry(stepID string) (*Entry, bool) {
	for i := range a.Steps {
		if a.Steps[i].StepID == stepID {
			return &a.Steps[i], true
		}
	}
	return nil, false
}

// ReplaceEntry swaps the entry carrying the same step_id for entry. Sort
// order must not change.
func (a *Artifact) ReplaceEntry(entry Entry) error {
	current, ok := a.Entry(entry.StepID)
	if !ok {
		return fmt.Errorf("%w: step %s not in artifact", services.ErrNotFound, entry.StepID)
	}
	if current.SortOrder != entry.SortOrder {
		return fmt.Errorf("%w: step %s cannot move from %d to %d", services.ErrValidation, entry.StepID, current.SortOrder, entry.SortOrder)
	}
	entry.normalize()
	*current = entry
	return nil
}

// PatchAudioRef sets the narration audio reference of one entry and leaves
// every other field untouched.
func (a *Artifact) PatchAudioRef(stepID, ref string) error {
	entry, ok := a.Entry(stepID)
	if !ok {
		return fmt.Errorf("%w: step %s not in artifact", services.ErrNotFound, stepID)
	}
	entry.AudioRef = ref
	return nil
}

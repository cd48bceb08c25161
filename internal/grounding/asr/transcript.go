package asr

import "strings"

// Segment is one timed span of recognized speech.
type Segment struct {
	StartMs    int64   `json:"start_ms"`
	EndMs      int64   `json:"end_ms"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcript is the output of one recognition run.
type Transcript struct {
	Provider string    `json:"provider"`
	Model    string    `json:"model,omitempty"`
	Language string    `json:"language,omitempty"`
	Segments []Segment `json:"segments"`
	Warnings []string  `json:"warnings,omitempty"`
	Disabled bool      `json:"disabled,omitempty"`
}

// Snippet joins, in transcript order, the text of every segment that
// overlaps [startMs, endMs]. Both ends are inclusive and segments may overlap
// one another.
func (t Transcript) Snippet(startMs, endMs int64) string {
	parts := make([]string, 0, 4)
	for _, seg := range t.Segments {
		if seg.EndMs < startMs || seg.StartMs > endMs {
			continue
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Text returns the whole transcript as one string.
func (t Transcript) Text() string {
	parts := make([]string, 0, len(t.Segments))
	for _, seg := range t.Segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

package synthesis

import (
	_ "embed"
	"strings"

	"stepforge/internal/services/llm"
)

//go:embed schema.json
var stepSchema []byte

const instructionContract = `You write one step of a software how-to guide from a screenshot of the step.
Rules:
- One goal, one action, one result per step.
- Quote UI labels exactly as they appear in the on-screen text, in double quotes.
- Never invent UI labels that are absent from the on-screen text evidence.
- If you must guess, say so in warnings and lower confidence.
- title is a short imperative phrase. operation is the single user action (click, type, select, drag, scroll, wait).
- instruction tells the reader what to do. expected_result tells them what they should see afterwards.
- narration is one or two spoken sentences for a voice-over.
- confidence is between 0 and 1.`

// stepReply is the schema-constrained gateway reply.
type stepReply struct {
	Title          string   `json:"title"`
	Operation      string   `json:"operation"`
	Description    string   `json:"description"`
	Narration      string   `json:"narration"`
	Instruction    string   `json:"instruction"`
	ExpectedResult string   `json:"expected_result"`
	Warnings       []string `json:"warnings"`
	Confidence     float64  `json:"confidence"`
}

func buildRequest(ev evidence) llm.Request {
	var b strings.Builder
	b.WriteString("On-screen text (one line per entry):\n")
	if len(ev.ocr.Lines) == 0 {
		b.WriteString("(none)\n")
	}
	for _, line := range ev.ocr.Lines {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteString("\nNarrator transcript for this moment:\n")
	if ev.snippet == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(ev.snippet)
		b.WriteByte('\n')
	}

	return llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Parts: []llm.Part{llm.TextPart(instructionContract)}},
			{Role: llm.RoleUser, Parts: []llm.Part{
				llm.TextPart(b.String()),
				llm.ImagePart(ev.image, ev.mimeType),
			}},
		},
		ResponseSchema: &llm.ResponseSchema{Name: "step", Schema: stepSchema, Strict: true},
	}
}

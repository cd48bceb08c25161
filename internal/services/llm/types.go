package llm

import (
	"context"
	"encoding/json"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PartKind identifies the payload of a message part.
type PartKind string

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
	PartFile  PartKind = "file"
)

// Part is one piece of message content.
type Part struct {
	Kind     PartKind
	Text     string
	Data     []byte
	MIMEType string
	Filename string
}

// TextPart wraps plain text.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// ImagePart wraps encoded image bytes.
func ImagePart(data []byte, mimeType string) Part {
	return Part{Kind: PartImage, Data: data, MIMEType: mimeType}
}

// Message is a role-tagged list of parts.
type Message struct {
	Role  string
	Parts []Part
}

// ResponseSchema constrains the reply to a JSON document.
type ResponseSchema struct {
	Name   string
	Schema json.RawMessage
	Strict bool
}

// Request is a provider-neutral completion request.
type Request struct {
	Messages       []Message
	ResponseSchema *ResponseSchema
	Temperature    float64
}

// Usage reports token consumption when the provider returns it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChoiceMessage is the assistant reply of one choice.
type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice is one candidate reply.
type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// Response is a provider-neutral completion result.
type Response struct {
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Content returns the first non-empty choice content.
func (r Response) Content() string {
	for _, choice := range r.Choices {
		if choice.Message.Content != "" {
			return choice.Message.Content
		}
	}
	return ""
}

// Provider is implemented by every inference backend.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (Response, error)
}

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/genai"

	"stepforge/internal/config"
	"stepforge/internal/services"
)

func TestNewSelectsProvider(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, config.LLMConfig{Provider: "OpenRouter", APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("New openrouter: %v", err)
	}
	if p.Name() != config.ProviderOpenRouter || p.Model() != "m" {
		t.Fatalf("unexpected provider %s/%s", p.Name(), p.Model())
	}
	if _, err := New(ctx, config.LLMConfig{Provider: config.ProviderOllama}); err != nil {
		t.Fatalf("ollama should not require a key: %v", err)
	}
	if _, err := New(ctx, config.LLMConfig{Provider: config.ProviderOpenAI}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error without key, got %v", err)
	}
	if _, err := New(ctx, config.LLMConfig{Provider: config.ProviderGemini}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for gemini without key, got %v", err)
	}
	if _, err := New(ctx, config.LLMConfig{Provider: "bard", APIKey: "k"}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for unknown provider, got %v", err)
	}
}

var stepSchema = json.RawMessage(`{
  "type": "object",
  "properties": {"title": {"type": "string"}, "confidence": {"type": "number"}},
  "required": ["title", "confidence"]
}`)

func TestCompleteJSONValidatesAgainstSchema(t *testing.T) {
	reply := `{"title":"Click save","confidence":0.9}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		replyJSON(t, w, map[string]any{"content": reply})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	req := userRequest("go")
	req.ResponseSchema = &ResponseSchema{Name: "step", Schema: stepSchema, Strict: true}

	var out struct {
		Title      string  `json:"title"`
		Confidence float64 `json:"confidence"`
	}
	if _, err := CompleteJSON(context.Background(), client, req, &out); err != nil {
		t.Fatalf("CompleteJSON returned error: %v", err)
	}
	if out.Title != "Click save" || out.Confidence != 0.9 {
		t.Fatalf("unexpected decode %+v", out)
	}

	reply = `{"title":"Click save"}`
	if _, err := CompleteJSON(context.Background(), client, req, &out); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for missing field, got %v", err)
	}
}

func TestValidateJSONRejectsWrongTypes(t *testing.T) {
	if err := ValidateJSON(stepSchema, `{"title":5,"confidence":1}`); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := ValidateJSON(stepSchema, "not json"); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for non-json, got %v", err)
	}
	if _, err := CompileSchema(json.RawMessage(`{"type":`)); err == nil {
		t.Fatal("expected error for malformed schema")
	}
}

func TestToGeminiContentsMapsRoles(t *testing.T) {
	contents, system, err := toGeminiContents([]Message{
		{Role: RoleSystem, Parts: []Part{TextPart("rules")}},
		{Role: RoleUser, Parts: []Part{TextPart("look"), ImagePart([]byte("img"), "image/png")}},
		{Role: RoleAssistant, Parts: []Part{TextPart("ok")}},
	})
	if err != nil {
		t.Fatalf("toGeminiContents: %v", err)
	}
	if system == nil || len(system.Parts) != 1 || system.Parts[0].Text != "rules" {
		t.Fatalf("expected system instruction, got %+v", system)
	}
	if len(contents) != 2 {
		t.Fatalf("expected 2 contents, got %d", len(contents))
	}
	if contents[0].Role != "user" || contents[1].Role != "model" {
		t.Fatalf("unexpected roles %s/%s", contents[0].Role, contents[1].Role)
	}
	blob := contents[0].Parts[1].InlineData
	if blob == nil || blob.MIMEType != "image/png" || string(blob.Data) != "img" {
		t.Fatalf("unexpected inline data %+v", blob)
	}
}

func TestFromGeminiResponse(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{
				{Text: "thinking", Thought: true},
				{Text: `{"ok":`},
				{Text: `true}`},
			}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 4,
			TotalTokenCount:      14,
		},
	}
	out := fromGeminiResponse(resp)
	if out.Content() != `{"ok":true}` {
		t.Fatalf("unexpected content %q", out.Content())
	}
	if out.Usage == nil || out.Usage.TotalTokens != 14 || out.Usage.PromptTokens != 10 {
		t.Fatalf("unexpected usage %+v", out.Usage)
	}
	if fromGeminiResponse(nil).Content() != "" {
		t.Fatal("expected empty response for nil input")
	}
}

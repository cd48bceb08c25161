package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"stepforge/internal/config"
	"stepforge/internal/services"
)

type ollamaWireRequest struct {
	Model    string `json:"model"`
	Format   string `json:"format"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string   `json:"role"`
		Content string   `json:"content"`
		Images  []string `json:"images"`
	} `json:"messages"`
	Options struct {
		Temperature float64 `json:"temperature"`
	} `json:"options"`
}

func ollamaServer(t *testing.T, content string, captured *ollamaWireRequest) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if captured != nil {
			if err := json.NewDecoder(r.Body).Decode(captured); err != nil {
				t.Errorf("decode request: %v", err)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "llava",
			"message":           map[string]any{"role": "assistant", "content": content},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 40,
			"eval_count":        9,
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOllamaSendsImagesAndSchemaPrompt(t *testing.T) {
	var captured ollamaWireRequest
	server := ollamaServer(t, `{"title":"Click save","confidence":0.9}`, &captured)
	provider := NewOllama(OllamaConfig{BaseURL: server.URL + "/api", Model: "llava"}, server.Client())

	req := Request{
		Messages: []Message{
			{Role: RoleSystem, Parts: []Part{TextPart("Describe one UI step.")}},
			{Role: RoleUser, Parts: []Part{TextPart("What changed?"), ImagePart([]byte("png-bytes"), "image/png")}},
		},
		ResponseSchema: &ResponseSchema{Name: "step", Schema: stepSchema, Strict: true},
		Temperature:    0.2,
	}
	var out struct {
		Title      string  `json:"title"`
		Confidence float64 `json:"confidence"`
	}
	resp, err := CompleteJSON(context.Background(), provider, req, &out)
	if err != nil {
		t.Fatalf("CompleteJSON returned error: %v", err)
	}
	if out.Title != "Click save" || resp.Usage == nil || resp.Usage.TotalTokens != 49 {
		t.Fatalf("unexpected reply %+v usage %+v", out, resp.Usage)
	}

	if captured.Model != "llava" || captured.Format != "json" || captured.Stream {
		t.Fatalf("unexpected request envelope %+v", captured)
	}
	if captured.Options.Temperature != 0.2 {
		t.Fatalf("temperature not forwarded: %v", captured.Options.Temperature)
	}
	if len(captured.Messages) != 3 {
		t.Fatalf("expected schema prompt plus two messages, got %d", len(captured.Messages))
	}
	if captured.Messages[0].Role != "system" || !strings.Contains(captured.Messages[0].Content, `"required"`) {
		t.Fatalf("expected schema in the first system message, got %+v", captured.Messages[0])
	}
	user := captured.Messages[2]
	if user.Role != "user" || user.Content != "What changed?" || len(user.Images) != 1 {
		t.Fatalf("unexpected user message %+v", user)
	}
	if user.Images[0] != base64.StdEncoding.EncodeToString([]byte("png-bytes")) {
		t.Fatalf("image not base64 encoded: %q", user.Images[0])
	}
}

func TestOllamaRejectsSchemaViolations(t *testing.T) {
	server := ollamaServer(t, `{"title":"Click save"}`, nil)
	provider := NewOllama(OllamaConfig{BaseURL: server.URL + "/api", Model: "llava"}, server.Client())
	req := userRequest("go")
	req.ResponseSchema = &ResponseSchema{Name: "step", Schema: stepSchema}

	var out map[string]any
	if _, err := CompleteJSON(context.Background(), provider, req, &out); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOllamaClassifiesFailures(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer failing.Close()
	provider := NewOllama(OllamaConfig{BaseURL: failing.URL + "/api", Model: "llava"}, failing.Client())
	if _, err := provider.Complete(context.Background(), userRequest("hi")); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}

	empty := ollamaServer(t, "  ", nil)
	provider = NewOllama(OllamaConfig{BaseURL: empty.URL + "/api", Model: "llava"}, empty.Client())
	if _, err := provider.Complete(context.Background(), userRequest("hi")); !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient error for empty content, got %v", err)
	}

	if _, err := provider.Complete(context.Background(), Request{}); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for empty request, got %v", err)
	}
	file := Request{Messages: []Message{{Role: RoleUser, Parts: []Part{{Kind: PartFile, Data: []byte("%PDF")}}}}}
	if _, err := provider.Complete(context.Background(), file); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for file part, got %v", err)
	}
}

func TestNewBuildsNativeOllamaProvider(t *testing.T) {
	p, err := New(context.Background(), config.LLMConfig{Provider: config.ProviderOllama, Model: "llava"})
	if err != nil {
		t.Fatalf("New ollama: %v", err)
	}
	if _, ok := p.(*Ollama); !ok || p.Name() != config.ProviderOllama || p.Model() != "llava" {
		t.Fatalf("unexpected provider %T %s/%s", p, p.Name(), p.Model())
	}
}

func TestHealthCheckOverOllama(t *testing.T) {
	healthy := ollamaServer(t, `{"ok":true}`, nil)
	if err := HealthCheck(context.Background(), NewOllama(OllamaConfig{BaseURL: healthy.URL + "/api", Model: "llava"}, healthy.Client())); err != nil {
		t.Fatalf("HealthCheck returned error: %v", err)
	}
	refusing := ollamaServer(t, `{"ok":false}`, nil)
	if err := HealthCheck(context.Background(), NewOllama(OllamaConfig{BaseURL: refusing.URL + "/api", Model: "llava"}, refusing.Client())); err == nil {
		t.Fatal("expected an error for a negative reply")
	}
}

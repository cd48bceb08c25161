package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	ollama "github.com/agent-api/ollama/client"

	"stepforge/internal/services"
)

const defaultOllamaEndpoint = "http://localhost:11434/api"

// OllamaConfig configures the native Ollama chat backend.
type OllamaConfig struct {
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// Ollama implements Provider on the Ollama /api/chat endpoint.
type Ollama struct {
	client *ollama.OllamaClient
	model  string
}

// NewOllama builds a client for a local or remote Ollama server. BaseURL is
// the API root, e.g. http://localhost:11434/api.
func NewOllama(cfg OllamaConfig, httpClient *http.Client) *Ollama {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultOllamaEndpoint
	}
	if httpClient == nil {
		timeout := defaultHTTPTimeout
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Ollama{
		client: ollama.NewClient(ollama.WithBaseURL(base), ollama.WithHTTPClient(httpClient)),
		model:  strings.TrimSpace(cfg.Model),
	}
}

// Name reports the provider identifier.
func (o *Ollama) Name() string { return "ollama" }

// Model reports the configured model.
func (o *Ollama) Model() string { return o.model }

// Complete maps req onto a non-streaming chat call. The chat format field only
// takes the "json" mode here, so the schema travels in the system prompt and
// CompleteJSON validates the reply.
func (o *Ollama) Complete(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, fmt.Errorf("%w: ollama chat: at least one message required", services.ErrValidation)
	}
	messages, err := toOllamaMessages(req)
	if err != nil {
		return Response{}, err
	}
	format := "json"
	temperature := req.Temperature
	resp, err := o.client.Chat(ctx, &ollama.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Format:   &format,
		Options:  &ollama.RequestOptions{Temperature: &temperature},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("%w: ollama chat: %w", services.ErrTransient, err)
	}
	if resp == nil || strings.TrimSpace(resp.Message.Content) == "" {
		return Response{}, fmt.Errorf("%w: ollama chat: empty content", services.ErrTransient)
	}
	return Response{
		Choices: []Choice{{
			Message:      ChoiceMessage{Role: RoleAssistant, Content: strings.TrimSpace(resp.Message.Content)},
			FinishReason: resp.DoneReason,
		}},
		Usage: &Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}

func toOllamaMessages(req Request) ([]*ollama.Message, error) {
	out := make([]*ollama.Message, 0, len(req.Messages)+1)
	if schema := req.ResponseSchema; schema != nil && len(schema.Schema) > 0 {
		out = append(out, &ollama.Message{
			Role:    ollama.RoleSystem,
			Content: "Reply with one JSON object that satisfies this JSON schema:\n" + string(schema.Schema),
		})
	}
	for _, msg := range req.Messages {
		var (
			texts  []string
			images []string
		)
		for _, part := range msg.Parts {
			switch part.Kind {
			case PartText, "":
				texts = append(texts, part.Text)
			case PartImage:
				images = append(images, base64.StdEncoding.EncodeToString(part.Data))
			default:
				return nil, fmt.Errorf("%w: ollama does not accept %q parts", services.ErrValidation, part.Kind)
			}
		}
		role := ollama.RoleUser
		switch msg.Role {
		case RoleSystem:
			role = ollama.RoleSystem
		case RoleAssistant:
			role = ollama.RoleAssistant
		}
		out = append(out, &ollama.Message{Role: role, Content: strings.Join(texts, "\n\n"), Images: images})
	}
	return out, nil
}

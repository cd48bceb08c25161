package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"stepforge/internal/services"
)

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
}

// Gemini implements Provider on the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini builds a Gemini API client.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.TimeoutSeconds > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: create gemini client: %w", services.ErrConfiguration, err)
	}
	return &Gemini{client: client, model: strings.TrimSpace(cfg.Model)}, nil
}

// Name reports the provider identifier.
func (g *Gemini) Name() string { return "gemini" }

// Model reports the configured model.
func (g *Gemini) Model() string { return g.model }

// Complete maps req onto GenerateContent.
func (g *Gemini) Complete(ctx context.Context, req Request) (Response, error) {
	contents, system, err := toGeminiContents(req.Messages)
	if err != nil {
		return Response{}, err
	}
	genCfg, err := geminiConfig(req, system)
	if err != nil {
		return Response{}, err
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, genCfg)
	if err != nil {
		return Response{}, fmt.Errorf("%w: gemini generate: %w", services.ErrTransient, err)
	}
	out := fromGeminiResponse(resp)
	if out.Content() == "" {
		return out, fmt.Errorf("%w: gemini generate: empty content", services.ErrTransient)
	}
	return out, nil
}

func geminiConfig(req Request, system *genai.Content) (*genai.GenerateContentConfig, error) {
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       genai.Ptr(float32(req.Temperature)),
		ResponseMIMEType:  "application/json",
	}
	if req.ResponseSchema != nil && len(req.ResponseSchema.Schema) > 0 {
		var schema any
		if err := json.Unmarshal(req.ResponseSchema.Schema, &schema); err != nil {
			return nil, fmt.Errorf("%w: response schema: %w", services.ErrValidation, err)
		}
		cfg.ResponseJsonSchema = schema
	}
	return cfg, nil
}

func toGeminiContents(messages []Message) ([]*genai.Content, *genai.Content, error) {
	var (
		contents []*genai.Content
		system   *genai.Content
	)
	for _, msg := range messages {
		parts := make([]*genai.Part, 0, len(msg.Parts))
		for _, part := range msg.Parts {
			switch part.Kind {
			case PartText, "":
				parts = append(parts, &genai.Part{Text: part.Text})
			case PartImage, PartFile:
				mime := part.MIMEType
				if mime == "" {
					mime = http.DetectContentType(part.Data)
				}
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: mime, Data: part.Data}})
			default:
				return nil, nil, fmt.Errorf("%w: unsupported message part %q", services.ErrValidation, part.Kind)
			}
		}
		switch msg.Role {
		case RoleSystem:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, parts...)
		case RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
		}
	}
	return contents, system, nil
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) Response {
	if resp == nil {
		return Response{}
	}
	out := Response{}
	for _, cand := range resp.Candidates {
		var text strings.Builder
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part != nil && !part.Thought {
					text.WriteString(part.Text)
				}
			}
		}
		out.Choices = append(out.Choices, Choice{
			Message:      ChoiceMessage{Role: RoleAssistant, Content: strings.TrimSpace(text.String())},
			FinishReason: string(cand.FinishReason),
		})
	}
	if meta := resp.UsageMetadata; meta != nil {
		out.Usage = &Usage{
			PromptTokens:     int(meta.PromptTokenCount),
			CompletionTokens: int(meta.CandidatesTokenCount),
			TotalTokens:      int(meta.TotalTokenCount),
		}
	}
	return out
}

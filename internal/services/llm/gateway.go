package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stepforge/internal/config"
	"stepforge/internal/services"
)

// New returns the provider selected by cfg.Provider. Missing credentials are
// a configuration error so the daemon fails before any work starts.
func New(ctx context.Context, cfg config.LLMConfig, opts ...Option) (Provider, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case config.ProviderOpenRouter, config.ProviderOpenAI, "":
		if provider == "" {
			provider = config.ProviderOpenRouter
		}
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("%w: llm.api_key is required for provider %s", services.ErrConfiguration, provider)
		}
		return NewClient(Config{
			Provider:       provider,
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			Referer:        cfg.Referer,
			Title:          cfg.Title,
			TimeoutSeconds: cfg.TimeoutSeconds,
		}, opts...), nil
	case config.ProviderOllama:
		return NewOllama(OllamaConfig{
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			TimeoutSeconds: cfg.TimeoutSeconds,
		}, nil), nil
	case config.ProviderGemini:
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, fmt.Errorf("%w: llm.api_key is required for provider gemini", services.ErrConfiguration)
		}
		return NewGemini(ctx, GeminiConfig{
			APIKey:         cfg.APIKey,
			BaseURL:        cfg.BaseURL,
			Model:          cfg.Model,
			TimeoutSeconds: cfg.TimeoutSeconds,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported llm provider %q", services.ErrConfiguration, cfg.Provider)
	}
}

// CompleteJSON runs req on p and decodes the reply into out. When the request
// carries a schema the reply is validated against it first.
func CompleteJSON(ctx context.Context, p Provider, req Request, out any) (Response, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return Response{}, err
	}
	content := resp.Content()
	if req.ResponseSchema != nil && len(req.ResponseSchema.Schema) > 0 {
		if err := ValidateJSON(req.ResponseSchema.Schema, content); err != nil {
			return resp, fmt.Errorf("%s reply: %w", p.Name(), err)
		}
	}
	if err := DecodeLLMJSON(content, out); err != nil {
		return resp, fmt.Errorf("%w: %s reply: %w", services.ErrValidation, p.Name(), err)
	}
	return resp, nil
}

// HealthCheck asks p for a one-field JSON reply to confirm the credentials,
// endpoint and model are usable.
func HealthCheck(ctx context.Context, p Provider) error {
	var parsed struct {
		OK bool `json:"ok"`
	}
	_, err := CompleteJSON(ctx, p, Request{Messages: []Message{
		{Role: RoleSystem, Parts: []Part{TextPart("You must respond with JSON only.")}},
		{Role: RoleUser, Parts: []Part{TextPart(`Respond with {"ok":true}`)}},
	}}, &parsed)
	if err != nil {
		return fmt.Errorf("llm health: %w", err)
	}
	if !parsed.OK {
		return errors.New("llm health: unexpected response")
	}
	return nil
}

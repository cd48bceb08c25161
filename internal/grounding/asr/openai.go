package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"stepforge/internal/config"
	"stepforge/internal/logging"
	"stepforge/internal/pipelinecache"
	"stepforge/internal/services"
)

type openAIBackend struct {
	endpoint      string
	apiKey        string
	modelName     string
	language      string
	promptVersion string
	client        *http.Client
	cache         *pipelinecache.Store
	logger        *slog.Logger
}

// cacheDescriptor identifies one remote transcription.
type cacheDescriptor struct {
	AudioSHA256   string `json:"audio_sha256"`
	Provider      string `json:"provider"`
	Model         string `json:"model"`
	Language      string `json:"language"`
	PromptVersion string `json:"prompt_version"`
}

type verboseResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
	Segments []struct {
		Start        float64 `json:"start"`
		End          float64 `json:"end"`
		Text         string  `json:"text"`
		AvgLogprob   float64 `json:"avg_logprob"`
		NoSpeechProb float64 `json:"no_speech_prob"`
	} `json:"segments"`
}

func (b *openAIBackend) model() string { return b.modelName }

func (b *openAIBackend) recognize(ctx context.Context, audioPath, _ string) ([]Segment, error) {
	audio, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, stageName, "read audio", "", err)
	}
	desc := cacheDescriptor{
		AudioSHA256:   pipelinecache.HashBytes(audio),
		Provider:      config.ProviderOpenAI,
		Model:         b.modelName,
		Language:      b.language,
		PromptVersion: b.promptVersion,
	}
	var cached []Segment
	hit, err := b.cache.Get(pipelinecache.NamespaceASR, desc, &cached)
	if err != nil {
		return nil, err
	}
	if hit {
		logging.WithContext(ctx, b.logger).Debug("asr cache hit", logging.String("audio_sha256", desc.AudioSHA256))
		return cached, nil
	}

	segments, err := b.post(ctx, audio)
	if err != nil {
		return nil, err
	}
	if err := b.cache.Put(pipelinecache.NamespaceASR, desc, segments); err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, b.logger), "asr cache write failed", "cache_write_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "the next run repeats the remote transcription"),
		)
	}
	return segments, nil
}

func (b *openAIBackend) post(ctx context.Context, audio []byte) ([]Segment, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("asr request: form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("asr request: write audio: %w", err)
	}
	fields := [][2]string{
		{"model", b.modelName},
		{"response_format", "verbose_json"},
		{"timestamp_granularities[]", "segment"},
		{"temperature", "0"},
	}
	if b.language != "" {
		fields = append(fields, [2]string{"language", b.language})
	}
	for _, field := range fields {
		if err := form.WriteField(field[0], field[1]); err != nil {
			return nil, fmt.Errorf("asr request: field %s: %w", field[0], err)
		}
	}
	if err := form.Close(); err != nil {
		return nil, fmt.Errorf("asr request: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("asr request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "openai transcription", "http error", err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "openai transcription", "read body", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, services.Wrap(statusMarker(resp.StatusCode), stageName, "openai transcription",
			fmt.Sprintf("http %d: %s", resp.StatusCode, services.Truncate(strings.TrimSpace(string(payload)), 200)), nil)
	}

	var decoded verboseResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, services.Wrap(services.ErrValidation, stageName, "openai transcription", "decode response", err)
	}
	segments := make([]Segment, 0, len(decoded.Segments))
	for _, seg := range decoded.Segments {
		segments = append(segments, Segment{
			StartMs:    secondsToMs(seg.Start),
			EndMs:      secondsToMs(seg.End),
			Text:       strings.TrimSpace(seg.Text),
			Confidence: logprobConfidence(seg.AvgLogprob, seg.NoSpeechProb),
		})
	}
	// Text without segment timing covers the whole recording.
	if len(segments) == 0 && strings.TrimSpace(decoded.Text) != "" {
		segments = append(segments, Segment{
			EndMs:      secondsToMs(decoded.Duration),
			Text:       strings.TrimSpace(decoded.Text),
			Confidence: 1,
		})
	}
	return segments, nil
}

func statusMarker(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return services.ErrConfiguration
	case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
		return services.ErrTransient
	default:
		return services.ErrValidation
	}
}

// logprobConfidence maps a segment's average token log-probability and
// no-speech probability onto [0,1].
func logprobConfidence(avgLogprob, noSpeech float64) float64 {
	c := math.Exp(avgLogprob) * (1 - noSpeech)
	if math.IsNaN(c) {
		return 0
	}
	return math.Max(0, math.Min(1, c))
}

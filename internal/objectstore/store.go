package objectstore

import (
	"context"
	"fmt"
	"path"
	"strings"

	"stepforge/internal/config"
	"stepforge/internal/services"
)

// Store reads and writes opaque objects.
type Store interface {
	Get(ctx context.Context, ref string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Delete removes the object named by ref. A missing object is not an error.
	Delete(ctx context.Context, ref string) error
}

// New builds the store selected by cfg.Storage.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", services.ErrConfiguration)
	}
	switch cfg.Storage.Backend {
	case config.StorageLocal, "":
		return NewLocal(cfg.Storage.LocalRoot)
	case config.StorageS3:
		return NewS3(ctx, S3Options{
			Bucket:   cfg.Storage.S3Bucket,
			Prefix:   cfg.Storage.S3Prefix,
			Region:   cfg.Storage.S3Region,
			Endpoint: cfg.Storage.S3Endpoint,
		})
	default:
		return nil, fmt.Errorf("%w: unsupported storage backend %q", services.ErrConfiguration, cfg.Storage.Backend)
	}
}

// Key helpers for the persistence layout.

// FrameKey names a kept frame image.
func FrameKey(projectID int64, filename string) string {
	return fmt.Sprintf("projects/%d/frames/%s", projectID, path.Base(filename))
}

// ArtifactKey names the structured steps artifact.
func ArtifactKey(projectID int64) string {
	return fmt.Sprintf("projects/%d/artifacts/steps.json", projectID)
}

// TranscriptKey names the stored transcript document.
func TranscriptKey(projectID int64) string {
	return fmt.Sprintf("projects/%d/artifacts/transcript.json", projectID)
}

// RunLogKey names the JSON Lines log of one pipeline run.
func RunLogKey(projectID int64, runID string) string {
	return fmt.Sprintf("projects/%d/outputs/%s/log.jsonl", projectID, runID)
}

func cleanKey(key string) (string, error) {
	key = strings.TrimSpace(strings.ReplaceAll(key, `\`, "/"))
	key = strings.TrimLeft(key, "/")
	if key == "" {
		return "", fmt.Errorf("%w: empty object key", services.ErrValidation)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: object key %q escapes the store", services.ErrValidation, key)
	}
	return cleaned, nil
}

// ContentTypeFor guesses a content type from a key's extension.
func ContentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

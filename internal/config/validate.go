package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable. Missing credentials for the
// selected providers fail here so no pipeline work starts with a broken setup.
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateExtraction(); err != nil {
		return err
	}
	if err := c.validateDedup(); err != nil {
		return err
	}
	if err := c.validateRegion(); err != nil {
		return err
	}
	if err := c.validateASR(); err != nil {
		return err
	}
	if err := c.validateOCR(); err != nil {
		return err
	}
	if err := c.validateLLM(); err != nil {
		return err
	}
	if err := c.validateSynthesis(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageLocal:
		if strings.TrimSpace(c.Storage.LocalRoot) == "" {
			return errors.New("storage.local_root must be set when storage.backend is local")
		}
	case StorageS3:
		if c.Storage.S3Bucket == "" {
			return errors.New("storage.s3_bucket must be set when storage.backend is s3")
		}
	default:
		return fmt.Errorf("storage.backend: unsupported value %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateExtraction() error {
	if c.Extraction.SampleFPS <= 0 {
		return errors.New("extraction.sample_fps must be positive")
	}
	if c.Extraction.DiffThreshold < 0 || c.Extraction.DiffThreshold > 100 {
		return errors.New("extraction.diff_threshold must be between 0 and 100")
	}
	if c.Extraction.MinIntervalFrames < 0 {
		return errors.New("extraction.min_interval_frames must be zero or positive")
	}
	if c.Extraction.MaxFrames <= 0 {
		return errors.New("extraction.max_frames must be positive")
	}
	if c.Extraction.JPEGQuality < 1 || c.Extraction.JPEGQuality > 31 {
		return errors.New("extraction.jpeg_quality must be between 1 and 31")
	}
	if c.Extraction.MinFreeGiB < 0 {
		return errors.New("extraction.min_free_gib must be zero or positive")
	}
	return nil
}

func (c *Config) validateDedup() error {
	if c.Dedup.HammingThreshold < 0 || c.Dedup.HammingThreshold > 64 {
		return errors.New("dedup.hamming_threshold must be between 0 and 64")
	}
	return nil
}

func (c *Config) validateRegion() error {
	switch c.Region.Backend {
	case RegionBackendFFmpeg, RegionBackendNative:
	default:
		return fmt.Errorf("region.backend: unsupported value %q", c.Region.Backend)
	}
	if !unitInterval(c.Region.MinWidthRatio) || !unitInterval(c.Region.MinHeightRatio) {
		return errors.New("region.min_width_ratio and region.min_height_ratio must be between 0 and 1")
	}
	if c.Region.SkipNearFullFrameRatio <= 0 || c.Region.SkipNearFullFrameRatio > 1 {
		return errors.New("region.skip_near_full_frame_ratio must be in (0, 1]")
	}
	if c.Region.CropThreshold < 0 || c.Region.CropThreshold > 255 {
		return errors.New("region.crop_threshold must be between 0 and 255")
	}
	return nil
}

func (c *Config) validateASR() error {
	switch c.ASR.Provider {
	case ProviderNone, ProviderWhisperX:
		return nil
	case ProviderOpenAI:
		if c.ASR.APIKey == "" {
			return errors.New("asr.api_key is required when asr.provider is openai (or set OPENAI_API_KEY)")
		}
		return nil
	default:
		return fmt.Errorf("asr.provider: unsupported value %q", c.ASR.Provider)
	}
}

func (c *Config) validateOCR() error {
	switch c.OCR.Provider {
	case ProviderNone, ProviderLLM:
		return nil
	default:
		return fmt.Errorf("ocr.provider: unsupported value %q", c.OCR.Provider)
	}
}

func (c *Config) validateLLM() error {
	switch c.LLM.Provider {
	case ProviderOpenRouter:
		if c.LLM.APIKey == "" {
			return errors.New("llm.api_key is required for openrouter (or set OPENROUTER_API_KEY)")
		}
	case ProviderOpenAI:
		if c.LLM.APIKey == "" {
			return errors.New("llm.api_key is required for openai (or set OPENAI_API_KEY)")
		}
	case ProviderGemini:
		if c.LLM.APIKey == "" {
			return errors.New("llm.api_key is required for gemini (or set GEMINI_API_KEY)")
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("llm.provider: unsupported value %q", c.LLM.Provider)
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return errors.New("llm.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateSynthesis() error {
	if c.Synthesis.Workers <= 0 {
		return errors.New("synthesis.workers must be positive")
	}
	if c.Synthesis.ProgressStart < 0 || c.Synthesis.ProgressEnd > 100 || c.Synthesis.ProgressStart >= c.Synthesis.ProgressEnd {
		return errors.New("synthesis.progress_start must be below synthesis.progress_end within 0-100")
	}
	if c.Synthesis.LastFrameDurationMs <= 0 {
		return errors.New("synthesis.last_frame_duration_ms must be positive")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.Workers <= 0 {
		return errors.New("workflow.workers must be positive")
	}
	if c.Workflow.QueuePollInterval <= 0 {
		return errors.New("workflow.queue_poll_interval must be positive")
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		return errors.New("workflow.error_retry_interval must be positive")
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func unitInterval(v float64) bool {
	return v >= 0 && v <= 1
}

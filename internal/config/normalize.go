package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	c.normalizeRegion()
	c.normalizeASR()
	c.normalizeOCR()
	c.normalizeLLM()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		if value, ok := os.LookupEnv("STEPFORGE_API_TOKEN"); ok {
			c.Paths.APIToken = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		c.Cache.Dir = defaultCacheDir()
	}
	if c.Cache.Dir, err = expandPath(c.Cache.Dir); err != nil {
		return fmt.Errorf("cache.dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeStorage() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageLocal
	}
	if strings.TrimSpace(c.Storage.LocalRoot) == "" {
		c.Storage.LocalRoot = defaultStorageRoot
	}
	var err error
	if c.Storage.LocalRoot, err = expandPath(c.Storage.LocalRoot); err != nil {
		return fmt.Errorf("storage.local_root: %w", err)
	}
	c.Storage.S3Bucket = strings.TrimSpace(c.Storage.S3Bucket)
	c.Storage.S3Prefix = strings.Trim(strings.TrimSpace(c.Storage.S3Prefix), "/")
	c.Storage.S3Endpoint = strings.TrimSpace(c.Storage.S3Endpoint)
	c.Storage.S3Region = strings.TrimSpace(c.Storage.S3Region)
	if c.Storage.S3Region == "" {
		if value, ok := os.LookupEnv("AWS_REGION"); ok {
			c.Storage.S3Region = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeRegion() {
	c.Region.Backend = strings.ToLower(strings.TrimSpace(c.Region.Backend))
	if c.Region.Backend == "" {
		c.Region.Backend = RegionBackendFFmpeg
	}
}

func (c *Config) normalizeASR() {
	c.ASR.Provider = strings.ToLower(strings.TrimSpace(c.ASR.Provider))
	if c.ASR.Provider == "" {
		c.ASR.Provider = ProviderNone
	}
	c.ASR.Model = strings.TrimSpace(c.ASR.Model)
	c.ASR.Language = strings.TrimSpace(c.ASR.Language)
	c.ASR.PromptVersion = strings.TrimSpace(c.ASR.PromptVersion)
	if c.ASR.PromptVersion == "" {
		c.ASR.PromptVersion = defaultASRPromptVersion
	}
	c.ASR.VADMethod = strings.ToLower(strings.TrimSpace(c.ASR.VADMethod))
	if c.ASR.VADMethod == "" {
		c.ASR.VADMethod = defaultWhisperXVADMethod
	}
	c.ASR.APIKey = strings.TrimSpace(c.ASR.APIKey)
	if c.ASR.Provider == ProviderOpenAI {
		if c.ASR.APIKey == "" {
			if value, ok := os.LookupEnv("OPENAI_API_KEY"); ok {
				c.ASR.APIKey = strings.TrimSpace(value)
			}
		}
		c.ASR.BaseURL = strings.TrimSpace(c.ASR.BaseURL)
		if c.ASR.BaseURL == "" {
			c.ASR.BaseURL = defaultOpenAIBaseURL
		}
	}
	if c.ASR.Provider == ProviderWhisperX && (c.ASR.Model == "" || c.ASR.Model == defaultASRModel) {
		c.ASR.Model = "large-v3-turbo"
	}
}

func (c *Config) normalizeOCR() {
	c.OCR.Provider = strings.ToLower(strings.TrimSpace(c.OCR.Provider))
	if c.OCR.Provider == "" {
		c.OCR.Provider = ProviderLLM
	}
	c.OCR.PromptVersion = strings.TrimSpace(c.OCR.PromptVersion)
	if c.OCR.PromptVersion == "" {
		c.OCR.PromptVersion = defaultOCRPromptVersion
	}
}

func (c *Config) normalizeLLM() {
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = ProviderOpenRouter
	}
	c.LLM.APIKey = strings.TrimSpace(c.LLM.APIKey)
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	c.LLM.PromptVersion = strings.TrimSpace(c.LLM.PromptVersion)
	if c.LLM.PromptVersion == "" {
		c.LLM.PromptVersion = defaultLLMPromptVersion
	}

	switch c.LLM.Provider {
	case ProviderOpenRouter:
		c.LLM.APIKey = firstSet(c.LLM.APIKey, "OPENROUTER_API_KEY")
		if c.LLM.BaseURL == "" {
			c.LLM.BaseURL = defaultOpenRouterBaseURL
		}
	case ProviderOpenAI:
		c.LLM.APIKey = firstSet(c.LLM.APIKey, "OPENAI_API_KEY")
		if c.LLM.BaseURL == "" {
			c.LLM.BaseURL = defaultOpenAIBaseURL + "/chat/completions"
		}
	case ProviderOllama:
		if c.LLM.BaseURL == "" {
			c.LLM.BaseURL = defaultOllamaBaseURL
		}
	case ProviderGemini:
		c.LLM.APIKey = firstSet(c.LLM.APIKey, "GEMINI_API_KEY", "GOOGLE_API_KEY")
		if c.LLM.Model == "" || c.LLM.Model == defaultLLMModel {
			c.LLM.Model = defaultGeminiModel
		}
	}
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func firstSet(current string, envKeys ...string) string {
	if current != "" {
		return current
	}
	for _, key := range envKeys {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
	APIBind string `toml:"api_bind"`
	// APIToken, when set, is required as a bearer token on every API request.
	APIToken string `toml:"api_token"`
}

// Storage selects the object store backing frames, artifacts, and run logs.
type Storage struct {
	Backend    string `toml:"backend"` // "local" or "s3"
	LocalRoot  string `toml:"local_root"`
	S3Bucket   string `toml:"s3_bucket"`
	S3Prefix   string `toml:"s3_prefix"`
	S3Region   string `toml:"s3_region"`
	S3Endpoint string `toml:"s3_endpoint"`
}

// Cache contains configuration for the content-addressed pipeline cache.
type Cache struct {
	Enabled  bool   `toml:"enabled"`
	Dir      string `toml:"dir"`
	Compress bool   `toml:"compress"`
}

// Extraction contains configuration for candidate keyframe sampling.
type Extraction struct {
	SampleFPS         float64 `toml:"sample_fps"`
	DiffThreshold     float64 `toml:"diff_threshold"`
	MinIntervalFrames int     `toml:"min_interval_frames"`
	MaxFrames         int     `toml:"max_frames"`
	JPEGQuality       int     `toml:"jpeg_quality"`
	MinFreeGiB        float64 `toml:"min_free_gib"`
}

// Dedup contains configuration for perceptual-hash deduplication.
type Dedup struct {
	HammingThreshold int `toml:"hamming_threshold"`
}

// Region contains configuration for the changed-region detector.
type Region struct {
	Backend                string  `toml:"backend"` // "ffmpeg" or "native"
	MinWidthRatio          float64 `toml:"min_width_ratio"`
	MinHeightRatio         float64 `toml:"min_height_ratio"`
	SkipNearFullFrameRatio float64 `toml:"skip_near_full_frame_ratio"`
	CropThreshold          int     `toml:"crop_threshold"`
}

// ASR contains configuration for speech-to-text grounding.
type ASR struct {
	Provider       string `toml:"provider"` // "none", "whisperx", or "openai"
	Model          string `toml:"model"`
	Language       string `toml:"language"`
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	PromptVersion  string `toml:"prompt_version"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	CUDAEnabled    bool   `toml:"cuda_enabled"`
	VADMethod      string `toml:"vad_method"`
}

// OCR contains configuration for on-screen text grounding.
type OCR struct {
	Provider      string `toml:"provider"` // "none" or "llm"
	PromptVersion string `toml:"prompt_version"`
}

// LLM contains the inference gateway connection settings.
type LLM struct {
	Provider       string `toml:"provider"` // "openrouter", "openai", "ollama", or "gemini"
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	PromptVersion  string `toml:"prompt_version"`
}

// Synthesis contains configuration for the step synthesis orchestrator.
type Synthesis struct {
	Workers             int `toml:"workers"`
	ProgressStart       int `toml:"progress_start"`
	ProgressEnd         int `toml:"progress_end"`
	LastFrameDurationMs int `toml:"last_frame_duration_ms"`
}

// Workflow contains configuration for the background job pool.
type Workflow struct {
	Workers            int `toml:"workers"`
	QueuePollInterval  int `toml:"queue_poll_interval"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
	HeartbeatTimeout   int `toml:"heartbeat_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for stepforge.
//
// Configuration sections by subsystem:
//   - Paths: data/log directories and API bind address
//   - Storage: object store for frames, artifacts, and run logs
//   - Cache: content-addressed pipeline cache
//   - Extraction: candidate keyframe sampling from the source video
//   - Dedup: perceptual hash threshold
//   - Region: changed-region detector tuning
//   - ASR / OCR: grounding adapters
//   - LLM: inference gateway provider
//   - Synthesis: step synthesis worker count and progress range
//   - Workflow: background job pool timing
//   - Logging: log format and level
type Config struct {
	Paths      Paths      `toml:"paths"`
	Storage    Storage    `toml:"storage"`
	Cache      Cache      `toml:"cache"`
	Extraction Extraction `toml:"extraction"`
	Dedup      Dedup      `toml:"dedup"`
	Region     Region     `toml:"region"`
	ASR        ASR        `toml:"asr"`
	OCR        OCR        `toml:"ocr"`
	LLM        LLM        `toml:"llm"`
	Synthesis  Synthesis  `toml:"synthesis"`
	Workflow   Workflow   `toml:"workflow"`
	Logging    Logging    `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("stepforge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon and CLI operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.LogDir}
	if c.Storage.Backend == StorageLocal {
		dirs = append(dirs, c.Storage.LocalRoot)
	}
	if c.Cache.Enabled {
		dirs = append(dirs, c.Cache.Dir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the sqlite file used for projects, frames, and steps.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "stepforge.db")
}

// LockPath returns the daemon lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "stepforged.lock")
}

// FFmpegBinary returns the ffmpeg executable name.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

// FFprobeBinary returns the ffprobe executable name used for media inspection.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "stepforge", "pipeline")
	}
	return "~/.cache/stepforge/pipeline"
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// LLMConfig contains the inference gateway settings in the shape the llm package consumes.
type LLMConfig struct {
	Provider       string
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// GetLLM returns the gateway connection settings.
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		Provider:       strings.TrimSpace(c.LLM.Provider),
		APIKey:         strings.TrimSpace(c.LLM.APIKey),
		BaseURL:        strings.TrimSpace(c.LLM.BaseURL),
		Model:          strings.TrimSpace(c.LLM.Model),
		Referer:        strings.TrimSpace(c.LLM.Referer),
		Title:          strings.TrimSpace(c.LLM.Title),
		TimeoutSeconds: c.LLM.TimeoutSeconds,
	}
}

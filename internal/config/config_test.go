package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"stepforge/internal/config"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CACHE_HOME", "")
	for _, key := range []string{"OPENROUTER_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY", "AWS_REGION"} {
		t.Setenv(key, "")
	}
	return home
}

func TestLoadDefaultConfigUsesEnvKeyAndExpandsPaths(t *testing.T) {
	home := isolateEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "or-key")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	if want := filepath.Join(home, ".local", "share", "stepforge"); cfg.Paths.DataDir != want {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, want)
	}
	if want := filepath.Join(home, ".cache", "stepforge", "pipeline"); cfg.Cache.Dir != want {
		t.Fatalf("unexpected cache dir: got %q want %q", cfg.Cache.Dir, want)
	}
	if cfg.LLM.APIKey != "or-key" {
		t.Fatalf("expected llm key from env, got %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.BaseURL != "https://openrouter.ai/api/v1/chat/completions" {
		t.Fatalf("unexpected llm base url: %q", cfg.LLM.BaseURL)
	}
	if cfg.Dedup.HammingThreshold != 6 {
		t.Fatalf("expected hamming threshold 6, got %d", cfg.Dedup.HammingThreshold)
	}
	if cfg.Region.CropThreshold != 24 || cfg.Region.SkipNearFullFrameRatio != 0.95 {
		t.Fatalf("unexpected region defaults: %+v", cfg.Region)
	}
	if cfg.Synthesis.Workers != 3 {
		t.Fatalf("expected 3 synthesis workers, got %d", cfg.Synthesis.Workers)
	}
	if cfg.ASR.Provider != config.ProviderNone {
		t.Fatalf("expected asr disabled by default, got %q", cfg.ASR.Provider)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Storage.LocalRoot, cfg.Cache.Dir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %q to exist (err=%v)", dir, err)
		}
	}
}

func TestLoadFailsFastWithoutProviderCredentials(t *testing.T) {
	isolateEnv(t)

	_, _, _, err := config.Load("")
	if err == nil {
		t.Fatal("expected missing credential error")
	}
	if !strings.Contains(err.Error(), "llm.api_key") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadCustomFile(t *testing.T) {
	home := isolateEnv(t)
	t.Setenv("GEMINI_API_KEY", "gem-key")

	payload := map[string]any{
		"paths": map[string]any{"data_dir": "~/sf"},
		"llm":   map[string]any{"provider": "Gemini"},
		"dedup": map[string]any{"hamming_threshold": 10},
		"asr":   map[string]any{"provider": "whisperx"},
	}
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(home, "custom.toml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected custom config to be used, got %q exists=%v", resolved, exists)
	}
	if cfg.Paths.DataDir != filepath.Join(home, "sf") {
		t.Fatalf("unexpected data dir %q", cfg.Paths.DataDir)
	}
	if cfg.LLM.Provider != config.ProviderGemini {
		t.Fatalf("expected provider normalized to gemini, got %q", cfg.LLM.Provider)
	}
	if cfg.LLM.APIKey != "gem-key" {
		t.Fatalf("expected gemini key from env, got %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.Model != "gemini-2.5-flash" {
		t.Fatalf("expected gemini default model, got %q", cfg.LLM.Model)
	}
	if cfg.Dedup.HammingThreshold != 10 {
		t.Fatalf("expected threshold 10, got %d", cfg.Dedup.HammingThreshold)
	}
	if cfg.ASR.Model != "large-v3-turbo" {
		t.Fatalf("expected whisperx model default, got %q", cfg.ASR.Model)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"storage backend", func(c *config.Config) { c.Storage.Backend = "ftp" }, "storage.backend"},
		{"s3 bucket", func(c *config.Config) { c.Storage.Backend = config.StorageS3 }, "storage.s3_bucket"},
		{"hamming", func(c *config.Config) { c.Dedup.HammingThreshold = 65 }, "dedup.hamming_threshold"},
		{"skip ratio", func(c *config.Config) { c.Region.SkipNearFullFrameRatio = 0 }, "region.skip_near_full_frame_ratio"},
		{"asr provider", func(c *config.Config) { c.ASR.Provider = "vosk" }, "asr.provider"},
		{"asr key", func(c *config.Config) { c.ASR.Provider = config.ProviderOpenAI }, "asr.api_key"},
		{"progress range", func(c *config.Config) { c.Synthesis.ProgressStart = 95 }, "synthesis.progress_start"},
		{"heartbeat", func(c *config.Config) { c.Workflow.HeartbeatTimeout = 1 }, "workflow.heartbeat_timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.LLM.APIKey = "key"
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error containing %q", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestOllamaNeedsNoKey(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderOllama
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected ollama config to validate without key: %v", err)
	}
}

func TestCreateSampleIsLoadable(t *testing.T) {
	home := isolateEnv(t)
	t.Setenv("OPENROUTER_API_KEY", "key")
	path := filepath.Join(home, "sample", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	if _, _, exists, err := config.Load(path); err != nil || !exists {
		t.Fatalf("expected sample config to load, exists=%v err=%v", exists, err)
	}
}

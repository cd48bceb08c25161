package config

// Provider identifiers accepted in the asr, ocr, llm, and storage sections.
const (
	ProviderNone       = "none"
	ProviderWhisperX   = "whisperx"
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
	ProviderGemini     = "gemini"
	ProviderLLM        = "llm"

	StorageLocal = "local"
	StorageS3    = "s3"

	RegionBackendFFmpeg = "ffmpeg"
	RegionBackendNative = "native"
)

const (
	defaultConfigPath                = "~/.config/stepforge/config.toml"
	defaultDataDir                   = "~/.local/share/stepforge"
	defaultLogDir                    = "~/.local/share/stepforge/logs"
	defaultStorageRoot               = "~/.local/share/stepforge/objects"
	defaultAPIBind                   = "127.0.0.1:7490"
	defaultLogFormat                 = "console"
	defaultLogLevel                  = "info"
	defaultSampleFPS                 = 2.0
	defaultDiffThreshold             = 5.0
	defaultMinIntervalFrames         = 30
	defaultMaxFrames                 = 100
	defaultJPEGQuality               = 2
	defaultMinFreeGiB                = 1.0
	defaultHammingThreshold          = 6
	defaultRegionMinRatio            = 0.01
	defaultRegionSkipRatio           = 0.95
	defaultRegionCropThreshold       = 24
	defaultASRModel                  = "whisper-1"
	defaultASRPromptVersion          = "asr-v1"
	defaultASRTimeoutSeconds         = 300
	defaultWhisperXVADMethod         = "silero"
	defaultOpenAIBaseURL             = "https://api.openai.com/v1"
	defaultOpenRouterBaseURL         = "https://openrouter.ai/api/v1/chat/completions"
	defaultOllamaBaseURL             = "http://localhost:11434/api"
	defaultLLMModel                  = "google/gemini-2.5-flash"
	defaultGeminiModel               = "gemini-2.5-flash"
	defaultLLMReferer                = "https://github.com/stepforge/stepforge"
	defaultLLMTitle                  = "stepforge"
	defaultLLMTimeoutSeconds         = 60
	defaultLLMPromptVersion          = "steps-v3"
	defaultOCRPromptVersion          = "ocr-v2"
	defaultSynthesisWorkers          = 3
	defaultSynthesisProgressStart    = 70
	defaultSynthesisProgressEnd      = 90
	defaultLastFrameDurationMs       = 1500
	defaultWorkflowWorkers           = 2
	defaultWorkflowPollInterval      = 5
	defaultWorkflowErrorRetry        = 10
	defaultWorkflowHeartbeatInterval = 15
	defaultWorkflowHeartbeatTimeout  = 120
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Storage: Storage{
			Backend:   StorageLocal,
			LocalRoot: defaultStorageRoot,
		},
		Cache: Cache{
			Enabled: true,
			Dir:     defaultCacheDir(),
		},
		Extraction: Extraction{
			SampleFPS:         defaultSampleFPS,
			DiffThreshold:     defaultDiffThreshold,
			MinIntervalFrames: defaultMinIntervalFrames,
			MaxFrames:         defaultMaxFrames,
			JPEGQuality:       defaultJPEGQuality,
			MinFreeGiB:        defaultMinFreeGiB,
		},
		Dedup: Dedup{
			HammingThreshold: defaultHammingThreshold,
		},
		Region: Region{
			Backend:                RegionBackendFFmpeg,
			MinWidthRatio:          defaultRegionMinRatio,
			MinHeightRatio:         defaultRegionMinRatio,
			SkipNearFullFrameRatio: defaultRegionSkipRatio,
			CropThreshold:          defaultRegionCropThreshold,
		},
		ASR: ASR{
			Provider:       ProviderNone,
			Model:          defaultASRModel,
			PromptVersion:  defaultASRPromptVersion,
			TimeoutSeconds: defaultASRTimeoutSeconds,
			VADMethod:      defaultWhisperXVADMethod,
		},
		OCR: OCR{
			Provider:      ProviderLLM,
			PromptVersion: defaultOCRPromptVersion,
		},
		LLM: LLM{
			Provider:       ProviderOpenRouter,
			Model:          defaultLLMModel,
			Referer:        defaultLLMReferer,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
			PromptVersion:  defaultLLMPromptVersion,
		},
		Synthesis: Synthesis{
			Workers:             defaultSynthesisWorkers,
			ProgressStart:       defaultSynthesisProgressStart,
			ProgressEnd:         defaultSynthesisProgressEnd,
			LastFrameDurationMs: defaultLastFrameDurationMs,
		},
		Workflow: Workflow{
			Workers:            defaultWorkflowWorkers,
			QueuePollInterval:  defaultWorkflowPollInterval,
			ErrorRetryInterval: defaultWorkflowErrorRetry,
			HeartbeatInterval:  defaultWorkflowHeartbeatInterval,
			HeartbeatTimeout:   defaultWorkflowHeartbeatTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

// Package daemonrun assembles the stepforged runtime: logging, storage,
// adapters, pipeline stages, the workflow manager, and the daemon API.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"stepforge/internal/config"
	"stepforge/internal/daemon"
	"stepforge/internal/deps"
	"stepforge/internal/extraction"
	"stepforge/internal/grounding/asr"
	"stepforge/internal/grounding/ocr"
	"stepforge/internal/logging"
	"stepforge/internal/objectstore"
	"stepforge/internal/pipelinecache"
	"stepforge/internal/queue"
	"stepforge/internal/services/llm"
	"stepforge/internal/synthesis"
	"stepforge/internal/transcription"
	"stepforge/internal/workflow"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel     string
	Development  bool
	DrainTimeout time.Duration
}

// Run starts the stepforge daemon and blocks until SIGINT/SIGTERM or until
// cmdCtx ends.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runStamp := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("stepforged-%s.log", runStamp))
	level := opts.LogLevel
	if strings.TrimSpace(level) == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update stepforged.log link: %v\n", err)
	}

	dependencies := deps.CheckBinaries(deps.Requirements(cfg))
	logDependencySnapshot(logger, cfg, dependencies)

	pidPath := filepath.Join(cfg.Paths.LogDir, "stepforged.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open project store", logging.Error(err))
		return err
	}
	defer store.Close()

	rt, err := buildRuntime(signalCtx, cfg, store, logger)
	if err != nil {
		logger.Error("daemon configuration invalid",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_config_invalid"),
			logging.String(logging.FieldErrorHint, "check provider credentials and storage settings"))
		return err
	}
	defer rt.close()

	d, err := daemon.New(cfg, store, rt.docs, logger, rt.workflow, rt.orchestrator)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	d.SetDependencies(dependencies)

	if err := d.Start(signalCtx); err != nil {
		logger.Error("daemon start failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "daemon_start_failed"),
			logging.String(logging.FieldErrorHint, "check for another running daemon and database access"),
			logging.String(logging.FieldImpact, "projects will not be processed"))
		return err
	}

	<-signalCtx.Done()
	logger.Info("stepforge daemon shutting down", logging.Duration("drain_timeout", opts.DrainTimeout))
	d.Stop(opts.DrainTimeout)
	return nil
}

type runtime struct {
	docs         objectstore.Store
	cache        *pipelinecache.Store
	orchestrator *synthesis.Orchestrator
	workflow     *workflow.Manager
}

func (r *runtime) close() {
	r.cache.Close()
}

// buildRuntime constructs adapters and stages. Credential problems surface
// here so the daemon refuses to start instead of failing every project.
func buildRuntime(ctx context.Context, cfg *config.Config, store *queue.Store, logger *slog.Logger) (*runtime, error) {
	docs, err := objectstore.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	var cache *pipelinecache.Store
	if cfg.Cache.Enabled {
		cache, err = pipelinecache.Open(cfg.Cache.Dir, cfg.Cache.Compress, logger)
		if err != nil {
			return nil, fmt.Errorf("pipeline cache: %w", err)
		}
		logger.Info("pipeline cache opened",
			logging.String("root", cache.Root()),
			logging.Bool("compress", cfg.Cache.Compress))
	}

	gateway, err := llm.New(ctx, cfg.GetLLM())
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("inference gateway: %w", err)
	}
	transcriber, err := asr.New(cfg, cache, logger)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("asr adapter: %w", err)
	}
	extractor, err := ocr.New(cfg, gateway, cache, logger)
	if err != nil {
		cache.Close()
		return nil, fmt.Errorf("ocr adapter: %w", err)
	}

	orchestrator := synthesis.New(cfg, store, docs, extractor, gateway, cache, logger)
	manager := workflow.NewManager(cfg, store, docs, logger,
		workflow.WithResultCallback(func(result workflow.Result) {
			logResult(logger, result)
		}))
	manager.ConfigureStages(workflow.StageSet{
		Extraction:    extraction.New(cfg, store, docs, logger),
		Transcription: transcription.New(transcriber, store, docs, logger),
		Synthesis:     synthesis.NewStage(orchestrator, docs, logger),
	})

	logger.Info("pipeline configured",
		logging.String(logging.FieldEventType, "pipeline_configured"),
		logging.String("storage_backend", cfg.Storage.Backend),
		logging.Bool("cache_enabled", cache != nil),
		logging.String("llm_provider", gateway.Name()),
		logging.String("llm_model", gateway.Model()),
		logging.String("asr_provider", transcriber.Name()),
		logging.String("ocr_provider", extractor.Name()))

	return &runtime{docs: docs, cache: cache, orchestrator: orchestrator, workflow: manager}, nil
}

func logResult(logger *slog.Logger, result workflow.Result) {
	attrs := []any{
		logging.Int64(logging.FieldProjectID, result.ProjectID),
		logging.String(logging.FieldRunID, result.RunID),
		logging.String("status", string(result.Status)),
		logging.Duration("duration", result.Duration),
		logging.String(logging.FieldEventType, "project_result"),
	}
	if result.Err != nil {
		attrs = append(attrs, logging.String(logging.FieldStage, result.Stage), logging.Error(result.Err))
	}
	logger.Debug("project run finished", attrs...)
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "stepforged.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config, statuses []deps.Status) {
	attrs := []any{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("asr_provider", cfg.ASR.Provider),
		logging.String("ocr_provider", cfg.OCR.Provider),
		logging.String("region_backend", cfg.Region.Backend),
		logging.Bool("llm_key_present", strings.TrimSpace(cfg.LLM.APIKey) != ""),
	}
	for _, s := range statuses {
		key := strings.ToLower(strings.ReplaceAll(s.Name, " ", "_"))
		attrs = append(attrs,
			logging.Bool(key+"_available", s.Available),
			logging.String(key+"_binary", s.Command))
	}
	logger.Info("dependency snapshot", attrs...)
	if missing := deps.Missing(statuses); len(missing) > 0 {
		logging.WarnWithContext(logger, "required binaries missing", "dependency_missing",
			logging.String("missing", strings.Join(missing, ", ")),
			logging.String(logging.FieldErrorHint, "install the listed tools or set their paths in config"),
			logging.String(logging.FieldImpact, "projects fail at the stage that needs them"))
	}
}

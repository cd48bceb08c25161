package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"stepforge/internal/artifact"
	"stepforge/internal/config"
	"stepforge/internal/deps"
	"stepforge/internal/logging"
	"stepforge/internal/objectstore"
	"stepforge/internal/queue"
	"stepforge/internal/services"
	"stepforge/internal/workflow"
)

// LockFileName is the flock file under the log directory.
const LockFileName = "stepforged.lock"

// defaultDrainTimeout bounds how long Stop waits for in-flight runs.
const defaultDrainTimeout = 30 * time.Second

var sourceExtensions = map[string]struct{}{
	".mp4":  {},
	".mkv":  {},
	".mov":  {},
	".webm": {},
	".avi":  {},
	".m4v":  {},
}

// Regenerator edits single steps of a completed artifact.
type Regenerator interface {
	Regenerate(ctx context.Context, projectID int64, stepID string, frameID int64) (*artifact.Entry, error)
	AttachAudio(ctx context.Context, projectID int64, stepID, ref string) error
	ArtifactConfig() artifact.Config
}

// Daemon coordinates the background processing services and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *queue.Store
	docs     objectstore.Store
	workflow *workflow.Manager
	regen    Regenerator

	lockPath string
	lock     *flock.Flock
	api      *apiServer

	depsMu       sync.RWMutex
	dependencies []deps.Status

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool
	PID          int
	Workflow     workflow.StatusSummary
	DBPath       string
	LockFilePath string
	Dependencies []deps.Status
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, store *queue.Store, docs objectstore.Store, logger *slog.Logger, wf *workflow.Manager, regen Regenerator) (*Daemon, error) {
	if cfg == nil || store == nil || docs == nil || wf == nil || regen == nil {
		return nil, errors.New("daemon requires config, store, object store, workflow manager, and regenerator")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := filepath.Join(cfg.Paths.LogDir, LockFileName)
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		docs:     docs,
		workflow: wf,
		regen:    regen,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, launches the workflow manager, and begins
// serving the API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another stepforge daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.workflow.Start(runCtx); err != nil {
		cancel()
		_ = d.lock.Unlock()
		return fmt.Errorf("start workflow: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		d.workflow.Stop()
		cancel()
		_ = d.lock.Unlock()
		return err
	}

	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("stepforge daemon started",
		logging.String("lock", d.lockPath),
		logging.String(logging.FieldEventType, "daemon_started"))
	return nil
}

// Stop stops accepting requests, drains in-flight runs for up to timeout,
// and releases the daemon lock. A non-positive timeout uses the default.
func (d *Daemon) Stop(timeout time.Duration) {
	if !d.running.CompareAndSwap(true, false) {
		return
	}
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	d.api.stop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), timeout)
	d.workflow.Drain(drainCtx)
	cancelDrain()

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.logger.Info("stepforge daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop(0)
	return d.store.Close()
}

// Addr returns the API listener address once started.
func (d *Daemon) Addr() string {
	return d.api.addr()
}

// SetDependencies records the dependency snapshot reported by health.
func (d *Daemon) SetDependencies(statuses []deps.Status) {
	d.depsMu.Lock()
	d.dependencies = append([]deps.Status(nil), statuses...)
	d.depsMu.Unlock()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.depsMu.RLock()
	dependencies := append([]deps.Status(nil), d.dependencies...)
	d.depsMu.RUnlock()
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		Workflow:     d.workflow.Status(ctx),
		DBPath:       d.store.Path(),
		LockFilePath: d.lockPath,
		Dependencies: dependencies,
	}
}

// DatabaseHealth returns detailed database diagnostics.
func (d *Daemon) DatabaseHealth(ctx context.Context) (queue.DatabaseHealth, error) {
	return d.store.CheckHealth(ctx)
}

// AddProject validates sourcePath and submits a new project.
func (d *Daemon) AddProject(ctx context.Context, title, sourcePath string, overrides queue.Overrides) (*queue.Project, error) {
	absPath, err := validateSource(sourcePath)
	if err != nil {
		return nil, err
	}
	if err := validateOverrides(overrides); err != nil {
		return nil, err
	}
	project, err := d.workflow.Submit(ctx, strings.TrimSpace(title), absPath, overrides)
	if err != nil {
		return nil, fmt.Errorf("submit project: %w", err)
	}
	return project, nil
}

// RetryProject schedules a project again with optional overrides.
func (d *Daemon) RetryProject(ctx context.Context, id int64, overrides queue.Overrides) (*queue.Project, error) {
	if err := validateOverrides(overrides); err != nil {
		return nil, err
	}
	return d.workflow.Retry(ctx, id, overrides)
}

// GetProject returns a project or services.ErrNotFound.
func (d *Daemon) GetProject(ctx context.Context, id int64) (*queue.Project, error) {
	project, err := d.store.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("%w: project %d", services.ErrNotFound, id)
	}
	return project, nil
}

// ListProjects returns projects filtered by optional statuses.
func (d *Daemon) ListProjects(ctx context.Context, statuses []queue.Status) ([]*queue.Project, error) {
	return d.store.ListProjects(ctx, statuses...)
}

// Steps returns a project's steps artifact, building one from legacy rows
// when none is stored.
func (d *Daemon) Steps(ctx context.Context, id int64) (*artifact.Artifact, error) {
	if _, err := d.GetProject(ctx, id); err != nil {
		return nil, err
	}
	return artifact.Load(ctx, d.docs, d.store, id, d.regen.ArtifactConfig())
}

// RegenerateStep reruns synthesis for one step of a project that is not
// being processed or edited.
func (d *Daemon) RegenerateStep(ctx context.Context, id int64, stepID string, frameID int64) (*artifact.Entry, error) {
	release, err := d.beginStepEdit(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()
	entry, err := d.regen.Regenerate(ctx, id, stepID, frameID)
	if err != nil {
		return nil, err
	}
	d.logger.Info("step regenerated",
		logging.Int64(logging.FieldProjectID, id),
		logging.String("step_id", stepID),
		logging.Int64(logging.FieldFrameID, entry.FrameID),
		logging.String(logging.FieldEventType, "step_regenerated"))
	return entry, nil
}

// AttachStepAudio records a narration audio reference on one step.
func (d *Daemon) AttachStepAudio(ctx context.Context, id int64, stepID, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("%w: audio reference is required", services.ErrValidation)
	}
	release, err := d.beginStepEdit(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	if err := d.regen.AttachAudio(ctx, id, stepID, ref); err != nil {
		return err
	}
	d.logger.Info("step audio attached",
		logging.Int64(logging.FieldProjectID, id),
		logging.String("step_id", stepID),
		logging.String("audio_ref", ref),
		logging.String(logging.FieldEventType, "step_audio_attached"))
	return nil
}

// beginStepEdit claims project id for a single-step edit. The returned func
// releases the claim.
func (d *Daemon) beginStepEdit(ctx context.Context, id int64) (func(), error) {
	project, err := d.store.BeginStepEdit(ctx, id)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("%w: project %d", services.ErrNotFound, id)
	}
	return func() {
		if err := d.store.EndStepEdit(context.WithoutCancel(ctx), id); err != nil {
			logging.WarnWithContext(d.logger, "release step edit failed", "step_edit_release_failed",
				logging.Int64(logging.FieldProjectID, id),
				logging.Error(err),
				logging.String(logging.FieldImpact, "project stays blocked until the edit lease expires"))
		}
	}, nil
}

func validateSource(sourcePath string) (string, error) {
	trimmed := strings.TrimSpace(sourcePath)
	if trimmed == "" {
		return "", fmt.Errorf("%w: source path is required", services.ErrValidation)
	}
	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: resolve source path: %w", services.ErrValidation, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("%w: stat source file: %w", services.ErrValidation, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: source path %q is a directory", services.ErrValidation, absPath)
	}
	ext := strings.ToLower(filepath.Ext(info.Name()))
	if _, ok := sourceExtensions[ext]; !ok {
		return "", fmt.Errorf("%w: unsupported file extension %q", services.ErrValidation, ext)
	}
	return absPath, nil
}

func validateOverrides(o queue.Overrides) error {
	if o.DedupThreshold != nil && (*o.DedupThreshold < 0 || *o.DedupThreshold > 64) {
		return fmt.Errorf("%w: threshold must be between 0 and 64", services.ErrValidation)
	}
	if o.MaxFrames != nil && *o.MaxFrames < 1 {
		return fmt.Errorf("%w: maxFrames must be positive", services.ErrValidation)
	}
	return nil
}

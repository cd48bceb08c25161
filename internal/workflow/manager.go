package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"stepforge/internal/config"
	"stepforge/internal/logging"
	"stepforge/internal/objectstore"
	"stepforge/internal/queue"
)

// Manager coordinates project processing using registered stage handlers.
type Manager struct {
	cfg          *config.Config
	store        *queue.Store
	docs         objectstore.Store
	logger       *slog.Logger
	workers      int
	pollInterval time.Duration
	retryDelay   time.Duration

	heartbeat *HeartbeatMonitor
	stages    []pipelineStage
	callbacks []ResultCallback
	wake      chan struct{}

	mu          sync.RWMutex
	running     bool
	stopClaims  context.CancelFunc
	stopRuns    context.CancelFunc
	wg          sync.WaitGroup
	active      map[int64]string
	lastErr     error
	lastProject *queue.Project
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithResultCallback registers fn to observe every finished run.
func WithResultCallback(fn ResultCallback) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.callbacks = append(m.callbacks, fn)
		}
	}
}

// WithPollInterval overrides the idle poll interval.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// NewManager constructs a workflow manager. docs receives run logs.
func NewManager(cfg *config.Config, store *queue.Store, docs objectstore.Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	workers := cfg.Workflow.Workers
	if workers <= 0 {
		workers = 1
	}
	m := &Manager{
		cfg:          cfg,
		store:        store,
		docs:         docs,
		logger:       logger,
		workers:      workers,
		pollInterval: seconds(cfg.Workflow.QueuePollInterval, time.Second),
		retryDelay:   seconds(cfg.Workflow.ErrorRetryInterval, time.Second),
		heartbeat: NewHeartbeatMonitor(
			store,
			logger,
			seconds(cfg.Workflow.HeartbeatInterval, 0),
			seconds(cfg.Workflow.HeartbeatTimeout, 0),
		),
		wake:   make(chan struct{}, 1),
		active: make(map[int64]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func seconds(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"stepforge/internal/api"
	"stepforge/internal/config"
	"stepforge/internal/logging"
	"stepforge/internal/queue"
	"stepforge/internal/services"
)

const maxRequestBody = 1 << 20

type apiServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.Paths.APIBind),
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/projects", srv.handleCreateProject)
	mux.HandleFunc("GET /api/projects", srv.handleListProjects)
	mux.HandleFunc("GET /api/projects/{id}", srv.handleGetProject)
	mux.HandleFunc("POST /api/projects/{id}/retry", srv.handleRetryProject)
	mux.HandleFunc("GET /api/projects/{id}/steps", srv.handleSteps)
	mux.HandleFunc("POST /api/projects/{id}/steps/{stepId}/regenerate", srv.handleRegenerate)
	mux.HandleFunc("POST /api/projects/{id}/steps/{stepId}/audio", srv.handleAttachAudio)
	mux.HandleFunc("GET /api/health", srv.handleHealth)

	srv.handler = srv.withRequestID(authMiddleware(cfg.Paths.APIToken, srv.writeError, mux))
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Regeneration waits on the inference gateway.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.listener = listener
	s.server = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api server shutdown incomplete", logging.Error(err))
	}
}

func (s *apiServer) addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(services.WithRequestID(r.Context(), requestID)))
	})
}

func (s *apiServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req api.CreateProjectRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	project, err := s.daemon.AddProject(r.Context(), req.Title, req.SourcePath, queue.Overrides{
		DedupThreshold: req.Threshold,
		MaxFrames:      req.MaxFrames,
	})
	if err != nil {
		s.writeServiceError(r, w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.ProjectResponse{Project: api.FromProject(project)})
}

func (s *apiServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	var statuses []queue.Status
	for _, value := range r.URL.Query()["status"] {
		for part := range strings.SplitSeq(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			status, ok := queue.ParseStatus(part)
			if !ok {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", part))
				return
			}
			statuses = append(statuses, status)
		}
	}
	projects, err := s.daemon.ListProjects(r.Context(), statuses)
	if err != nil {
		s.writeServiceError(r, w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ProjectListResponse{Projects: api.FromProjects(projects)})
}

func (s *apiServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.projectID(w, r)
	if !ok {
		return
	}
	project, err := s.daemon.GetProject(r.Context(), id)
	if err != nil {
		s.writeServiceError(r, w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.ProjectResponse{Project: api.FromProject(project)})
}

func (s *apiServer) handleRetryProject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.projectID(w, r)
	if !ok {
		return
	}
	var req api.RetryRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	project, err := s.daemon.RetryProject(r.Context(), id, queue.Overrides{
		DedupThreshold: req.Threshold,
		MaxFrames:      req.MaxFrames,
	})
	if err != nil {
		s.writeServiceError(r, w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.ProjectResponse{Project: api.FromProject(project)})
}

func (s *apiServer) handleSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := s.projectID(w, r)
	if !ok {
		return
	}
	doc, err := s.daemon.Steps(r.Context(), id)
	if err != nil {
		s.writeServiceError(r, w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StepsResponse{Artifact: doc})
}

func (s *apiServer) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id, ok := s.projectID(w, r)
	if !ok {
		return
	}
	stepID := strings.TrimSpace(r.PathValue("stepId"))
	if stepID == "" {
		s.writeError(w, http.StatusBadRequest, "step id is required")
		return
	}
	var req api.RegenerateRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	entry, err := s.daemon.RegenerateStep(r.Context(), id, stepID, req.FrameID)
	if err != nil {
		s.writeServiceError(r, w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, api.StepResponse{Step: *entry})
}

func (s *apiServer) handleAttachAudio(w http.ResponseWriter, r *http.Request) {
	id, ok := s.projectID(w, r)
	if !ok {
		return
	}
	stepID := strings.TrimSpace(r.PathValue("stepId"))
	if stepID == "" {
		s.writeError(w, http.StatusBadRequest, "step id is required")
		return
	}
	var req api.AudioRequest
	if !s.decode(w, r, &req, false) {
		return
	}
	if err := s.daemon.AttachStepAudio(r.Context(), id, stepID, req.AudioRef); err != nil {
		s.writeServiceError(r, w, err)
		return
	}
	doc, err := s.daemon.Steps(r.Context(), id)
	if err != nil {
		s.writeServiceError(r, w, err)
		return
	}
	entry, ok := doc.Entry(stepID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "step not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.StepResponse{Step: *entry})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.daemon.Status(r.Context())
	dbHealth, err := s.daemon.DatabaseHealth(r.Context())
	if err != nil {
		dbHealth.Error = err.Error()
	}
	overall := "ok"
	if !dbHealth.IntegrityCheck || len(dbHealth.MissingTables) > 0 {
		overall = "degraded"
	}
	for _, h := range status.Workflow.StageHealth {
		if !h.Ready {
			overall = "degraded"
		}
	}
	for _, dep := range status.Dependencies {
		if !dep.Available && !dep.Optional {
			overall = "degraded"
		}
	}
	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:       overall,
		PID:          status.PID,
		LockFilePath: status.LockFilePath,
		Database:     api.FromDatabaseHealth(dbHealth),
		Workflow:     api.FromStatusSummary(status.Workflow),
		Dependencies: api.FromDependencies(status.Dependencies),
	})
}

func (s *apiServer) projectID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid project id")
		return 0, false
	}
	return id, true
}

// decode reads a JSON body into out. An empty body is accepted when optional.
func (s *apiServer) decode(w http.ResponseWriter, r *http.Request, out any, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *apiServer) writeServiceError(r *http.Request, w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrProjectBusy):
		status = http.StatusConflict
	case errors.Is(err, services.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, services.ErrExternalTool), errors.Is(err, services.ErrTransient):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		logging.WithContext(r.Context(), s.logger).Warn("api request failed",
			logging.String(logging.FieldEventType, "api_request_failed"),
			logging.String(logging.FieldErrorHint, "inspect daemon logs for the underlying failure"),
			logging.String("path", r.URL.Path),
			logging.Error(err))
	}
	s.writeError(w, status, services.UserMessage(err))
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stepforge/internal/queue"
	"stepforge/internal/services"
)

// Error is a non-2xx daemon response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status code onto the service sentinels so callers can use
// errors.Is across the process boundary.
func (e *Error) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return services.ErrNotFound
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return services.ErrValidation
	case http.StatusConflict:
		return queue.ErrProjectBusy
	case http.StatusUnauthorized:
		return services.ErrConfiguration
	case http.StatusGatewayTimeout:
		return services.ErrTimeout
	}
	return nil
}

// Client talks to a running daemon over HTTP.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for bind, a host:port or URL. A nil httpClient
// gets a default with a 30 second timeout.
func NewClient(bind string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: BaseURL(bind), http: httpClient}
}

// WithToken sets the bearer token sent with every request.
func (c *Client) WithToken(token string) *Client {
	c.token = strings.TrimSpace(token)
	return c
}

// BaseURL turns an api_bind value into a URL.
func BaseURL(bind string) string {
	bind = strings.TrimRight(strings.TrimSpace(bind), "/")
	if strings.HasPrefix(bind, "http://") || strings.HasPrefix(bind, "https://") {
		return bind
	}
	if strings.HasPrefix(bind, ":") || strings.HasPrefix(bind, "0.0.0.0:") {
		bind = "127.0.0.1:" + bind[strings.LastIndex(bind, ":")+1:]
	}
	return "http://" + bind
}

// CreateProject submits a new project.
func (c *Client) CreateProject(ctx context.Context, req CreateProjectRequest) (*Project, error) {
	var resp ProjectResponse
	if err := c.do(ctx, http.MethodPost, "/api/projects", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Project, nil
}

// ListProjects returns projects, optionally filtered by status.
func (c *Client) ListProjects(ctx context.Context, statuses ...string) ([]Project, error) {
	path := "/api/projects"
	if len(statuses) > 0 {
		q := url.Values{}
		for _, s := range statuses {
			q.Add("status", s)
		}
		path += "?" + q.Encode()
	}
	var resp ProjectListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Projects, nil
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, id int64) (*Project, error) {
	var resp ProjectResponse
	if err := c.do(ctx, http.MethodGet, projectPath(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Project, nil
}

// RetryProject reschedules a project with optional overrides.
func (c *Client) RetryProject(ctx context.Context, id int64, req RetryRequest) (*Project, error) {
	var resp ProjectResponse
	if err := c.do(ctx, http.MethodPost, projectPath(id)+"/retry", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Project, nil
}

// Steps fetches a project's steps artifact.
func (c *Client) Steps(ctx context.Context, id int64) (*StepsResponse, error) {
	var resp StepsResponse
	if err := c.do(ctx, http.MethodGet, projectPath(id)+"/steps", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RegenerateStep reruns synthesis for one step.
func (c *Client) RegenerateStep(ctx context.Context, id int64, stepID string, frameID int64) (*StepResponse, error) {
	var resp StepResponse
	path := projectPath(id) + "/steps/" + url.PathEscape(stepID) + "/regenerate"
	if err := c.do(ctx, http.MethodPost, path, RegenerateRequest{FrameID: frameID}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AttachStepAudio records a narration audio reference on one step.
func (c *Client) AttachStepAudio(ctx context.Context, id int64, stepID, ref string) (*StepResponse, error) {
	var resp StepResponse
	path := projectPath(id) + "/steps/" + url.PathEscape(stepID) + "/audio"
	if err := c.do(ctx, http.MethodPost, path, AudioRequest{AudioRef: ref}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health fetches daemon diagnostics.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func projectPath(id int64) string {
	return "/api/projects/" + strconv.FormatInt(id, 10)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s: %w", services.ErrTimeout, method, path, err)
		}
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr ErrorResponse
		message := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			message = apiErr.Error
		}
		return &Error{StatusCode: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

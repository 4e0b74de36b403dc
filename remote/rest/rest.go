// Package rest implements the remote task service over a REST-like
// HTTP API with bearer-token authentication and rate-limit handling.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tasksync/internal/ratelimit"
	"tasksync/remote"
)

// Config holds REST service configuration
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.com/v1".
	BaseURL string
	// APIToken authenticates every request as a bearer token.
	APIToken string
	// Timeout is the per-request deadline. Default: 30s.
	Timeout time.Duration
	// RateLimitStats optionally records 429 events.
	RateLimitStats *ratelimit.Stats
}

// Service is a remote.Service over HTTP.
type Service struct {
	config  Config
	client  *ratelimit.Client
	baseURL string
}

// New creates a REST service client.
func New(cfg Config) (*Service, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("API token is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := ratelimit.NewClient(ratelimit.Config{
		HTTPClient:   &http.Client{Timeout: timeout},
		EnableJitter: true,
		Stats:        cfg.RateLimitStats,
		Service:      "tasksync",
	})

	return &Service{
		config:  cfg,
		client:  client,
		baseURL: cfg.BaseURL,
	}, nil
}

// Close releases idle connections.
func (s *Service) Close() error {
	return nil
}

// doRequest performs an authenticated API request.
func (s *Service) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	url := s.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.config.APIToken)
	req.Header.Set("Content-Type", "application/json")

	return s.client.Do(req)
}

// decode reads and unmarshals a response body, enforcing the expected
// status code.
func decode(resp *http.Response, wantStatus int, out interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// ListTasks returns all tasks.
func (s *Service) ListTasks(ctx context.Context) ([]remote.Task, error) {
	resp, err := s.doRequest(ctx, http.MethodGet, "/tasks", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	var tasks []remote.Task
	if err := decode(resp, http.StatusOK, &tasks); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// ListCategories returns all categories.
func (s *Service) ListCategories(ctx context.Context) ([]remote.Category, error) {
	resp, err := s.doRequest(ctx, http.MethodGet, "/categories", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	var cats []remote.Category
	if err := decode(resp, http.StatusOK, &cats); err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	return cats, nil
}

// CreateTask creates a task and returns the service's copy.
func (s *Service) CreateTask(ctx context.Context, task *remote.Task) (*remote.Task, error) {
	resp, err := s.doRequest(ctx, http.MethodPost, "/tasks", task)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	var created remote.Task
	if err := decode(resp, http.StatusCreated, &created); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return &created, nil
}

// UpdateTask updates a task by identifier.
func (s *Service) UpdateTask(ctx context.Context, id string, task *remote.Task) (*remote.Task, error) {
	resp, err := s.doRequest(ctx, http.MethodPut, "/tasks/"+id, task)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	var updated remote.Task
	if err := decode(resp, http.StatusOK, &updated); err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return &updated, nil
}

// DeleteTask removes a task by identifier.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	resp, err := s.doRequest(ctx, http.MethodDelete, "/tasks/"+id, nil)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	if err := decode(resp, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// CreateCategory creates a category.
func (s *Service) CreateCategory(ctx context.Context, category *remote.Category) (*remote.Category, error) {
	resp, err := s.doRequest(ctx, http.MethodPost, "/categories", category)
	if err != nil {
		return nil, fmt.Errorf("failed to create category: %w", err)
	}
	var created remote.Category
	if err := decode(resp, http.StatusCreated, &created); err != nil {
		return nil, fmt.Errorf("failed to create category: %w", err)
	}
	return &created, nil
}

// UpdateCategory updates a category by identifier.
func (s *Service) UpdateCategory(ctx context.Context, id string, category *remote.Category) (*remote.Category, error) {
	resp, err := s.doRequest(ctx, http.MethodPut, "/categories/"+id, category)
	if err != nil {
		return nil, fmt.Errorf("failed to update category %s: %w", id, err)
	}
	var updated remote.Category
	if err := decode(resp, http.StatusOK, &updated); err != nil {
		return nil, fmt.Errorf("failed to update category %s: %w", id, err)
	}
	return &updated, nil
}

// DeleteCategory removes a category by identifier.
func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	resp, err := s.doRequest(ctx, http.MethodDelete, "/categories/"+id, nil)
	if err != nil {
		return fmt.Errorf("failed to delete category %s: %w", id, err)
	}
	if err := decode(resp, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("failed to delete category %s: %w", id, err)
	}
	return nil
}

var _ remote.Service = (*Service)(nil)

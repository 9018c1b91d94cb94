package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/modelforge/forge3d/internal/config"
)

// Task status values reported by the generation provider.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusSucceeded  = "SUCCEEDED"
	StatusFailed     = "FAILED"
)

// Error taxonomy for provider calls. Rejected is permanent; the others are
// transient and counted against the job's retry budget.
var (
	ErrRejected    = errors.New("provider rejected request")
	ErrUnavailable = errors.New("provider unavailable")
	ErrTimeout     = errors.New("provider timeout")
)

// IsTransient reports whether err should be retried rather than failing the job.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}

// GenerationSpec carries the inputs for a preview task.
type GenerationSpec struct {
	Prompt          string
	ArtStyle        string
	TargetPolycount int
}

// TaskStatus is the provider's view of one task.
type TaskStatus struct {
	Status       string
	Progress     int
	ModelURLs    map[string]string
	ThumbnailURL string
	TaskError    string
}

// ResultURL picks the downloadable asset URL, preferring the glb rendition.
func (t TaskStatus) ResultURL() string {
	if u, ok := t.ModelURLs["glb"]; ok && u != "" {
		return u
	}
	for _, u := range t.ModelURLs {
		if u != "" {
			return u
		}
	}
	return ""
}

// Client talks to a Meshy-style text-to-3D HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New builds a client with the configured base URL, key, and timeout.
func New(cfg config.Config) *Client {
	timeout := cfg.ProviderTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.ProviderBaseURL,
		apiKey:  cfg.ProviderAPIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type createTaskRequest struct {
	Mode            string `json:"mode"`
	Prompt          string `json:"prompt"`
	ArtStyle        string `json:"art_style"`
	TargetPolycount int    `json:"target_polycount"`
	EnablePBR       bool   `json:"enable_pbr"`
}

type createTaskResponse struct {
	Result string `json:"result"`
}

type taskStatusResponse struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Progress     int               `json:"progress"`
	ModelURLs    map[string]string `json:"model_urls"`
	ThumbnailURL string            `json:"thumbnail_url"`
	TaskError    struct {
		Message string `json:"message"`
	} `json:"task_error"`
}

// CreatePreview submits an untextured preview task and returns its task id.
func (c *Client) CreatePreview(ctx context.Context, spec GenerationSpec) (string, error) {
	style := spec.ArtStyle
	if style == "" {
		style = "realistic"
	}
	polycount := spec.TargetPolycount
	if polycount == 0 {
		polycount = 30000
	}
	body := createTaskRequest{
		Mode:            "preview",
		Prompt:          spec.Prompt,
		ArtStyle:        style,
		TargetPolycount: polycount,
		EnablePBR:       true,
	}
	return c.createTask(ctx, c.baseURL+"/v2/text-to-3d", body)
}

// CreateRefine submits a textured refine task derived from a succeeded preview.
func (c *Client) CreateRefine(ctx context.Context, previewTaskID string) (string, error) {
	url := fmt.Sprintf("%s/v2/text-to-3d/%s/refine", c.baseURL, previewTaskID)
	return c.createTask(ctx, url, nil)
}

func (c *Client) createTask(ctx context.Context, url string, body any) (string, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return "", fmt.Errorf("create task: status %d: %w", resp.StatusCode, err)
	}

	var out createTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode create response: %w", err)
	}
	if out.Result == "" {
		return "", fmt.Errorf("create task: empty task id: %w", ErrUnavailable)
	}
	return out.Result, nil
}

// GetStatus fetches the current status of a task.
func (c *Client) GetStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	url := fmt.Sprintf("%s/v2/text-to-3d/%s", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TaskStatus{}, classifyTransportErr(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return TaskStatus{}, fmt.Errorf("get status: status %d: %w", resp.StatusCode, err)
	}

	var out taskStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TaskStatus{}, fmt.Errorf("decode status response: %w", err)
	}
	return TaskStatus{
		Status:       out.Status,
		Progress:     out.Progress,
		ModelURLs:    out.ModelURLs,
		ThumbnailURL: out.ThumbnailURL,
		TaskError:    out.TaskError.Message,
	}, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

func classifyStatus(code int) error {
	switch {
	case code < http.StatusBadRequest:
		return nil
	case code < http.StatusInternalServerError:
		return ErrRejected
	default:
		return ErrUnavailable
	}
}

func classifyTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("provider call: %v: %w", err, ErrTimeout)
	}
	// http.Client timeouts surface as *url.Error with Timeout()=true.
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) && t.Timeout() {
		return fmt.Errorf("provider call: %v: %w", err, ErrTimeout)
	}
	return fmt.Errorf("provider call: %v: %w", err, ErrUnavailable)
}

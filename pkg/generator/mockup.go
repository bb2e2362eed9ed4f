package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// MockupClient drives a remote website-mockup service: submit a prompt,
// then poll the job until it publishes a preview.
type MockupClient struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	pollInterval time.Duration
	maxWait      time.Duration
}

// MockupConfig configures a MockupClient.
type MockupConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

// NewMockupClient creates a MockupClient.
func NewMockupClient(cfg MockupConfig) *MockupClient {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Minute
	}
	return &MockupClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: cfg.PollInterval,
		maxWait:      cfg.MaxWait,
	}
}

// ErrMockupTimeout is returned when the job does not finish within MaxWait.
var ErrMockupTimeout = errors.New("mockup job did not finish in time")

type mockupJob struct {
	ID         string `json:"id"`
	Status     string `json:"status"` // queued, running, completed, failed
	PreviewURL string `json:"preview_url"`
	Error      string `json:"error"`
}

// Create submits a prompt and waits for the preview URL.
func (c *MockupClient) Create(ctx context.Context, name, prompt string) (string, error) {
	if c.baseURL == "" {
		return "", errors.New("mockup service url is not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.maxWait)
	defer cancel()

	var job mockupJob
	if err := c.call(ctx, http.MethodPost, "/v1/mockups", map[string]string{"name": name, "prompt": prompt}, &job); err != nil {
		return "", fmt.Errorf("submit mockup: %w", err)
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		switch job.Status {
		case "completed":
			if job.PreviewURL == "" {
				return "", errors.New("mockup completed without a preview url")
			}
			return job.PreviewURL, nil
		case "failed":
			return "", fmt.Errorf("mockup job %s failed: %s", job.ID, job.Error)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrMockupTimeout
			}
			return "", ctx.Err()
		case <-ticker.C:
		}
		id := job.ID
		if err := c.call(ctx, http.MethodGet, "/v1/mockups/"+url.PathEscape(id), nil, &job); err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", ErrMockupTimeout
			}
			return "", fmt.Errorf("poll mockup %s: %w", id, err)
		}
	}
}

func (c *MockupClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Mockup writes a design prompt from the BRD and has the mockup service
// build a preview. Content is the preview URL.
type Mockup struct {
	model   Model
	service interface {
		Create(ctx context.Context, name, prompt string) (string, error)
	}
}

// NewMockup creates the mockup generator.
func NewMockup(m Model, service *MockupClient) *Mockup {
	return &Mockup{model: m, service: service}
}

func (g *Mockup) Generate(ctx context.Context, in Input) Result {
	if strings.TrimSpace(in.BRD) == "" {
		return Failure("mockup: brd content is required")
	}
	prompt, err := g.model.Complete(ctx,
		"You are a prompt engineer for an AI website builder. From the project context and "+
			"Business Requirements Document below, write one prompt that produces a modern, usable "+
			"homepage mockup for this business. Return only the prompt text.\n\n"+
			"Project context:\n"+projectBrief(in.Project)+"\nBusiness Requirements Document:\n"+in.BRD)
	if err != nil {
		return Failure("mockup: prompt: %v", err)
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Failure("mockup: model returned an empty prompt")
	}
	preview, err := g.service.Create(ctx, in.Project.Name, prompt)
	if err != nil {
		return Failure("mockup: %v", err)
	}
	return Success(preview)
}

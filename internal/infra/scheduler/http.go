package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config holds the HTTP scheduler client configuration.
type Config struct {
	BaseURL       string        `yaml:"base_url"`
	AuthToken     string        `yaml:"auth_token"`
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
}

// HTTPClient implements Scheduler over the scheduler's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a scheduler client.
func NewHTTPClient(cfg Config) *HTTPClient {
	timeout := cfg.SubmitTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		token:   cfg.AuthToken,
		client:  &http.Client{Timeout: timeout},
	}
}

// Submit posts the job and returns the scheduler-assigned ID.
func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build submit request: %w", err)
	}
	c.decorate(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: status %d: %s", ErrSubmitRejected, resp.StatusCode, msg)
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("%w: empty job id in response", ErrSubmitRejected)
	}
	return out.JobID, nil
}

// Cancel asks the scheduler to cancel a job.
func (c *HTTPClient) Cancel(ctx context.Context, externalID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/jobs/"+externalID, nil)
	if err != nil {
		return fmt.Errorf("failed to build cancel request: %w", err)
	}
	c.decorate(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cancel failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("cancel failed: status %d", resp.StatusCode)
	}
	return nil
}

// Query returns the scheduler's view of a job.
func (c *HTTPClient) Query(ctx context.Context, externalID string) (JobState, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+externalID, nil)
	if err != nil {
		return StateUnknown, fmt.Errorf("failed to build query request: %w", err)
	}
	c.decorate(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return StateUnknown, fmt.Errorf("query failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return StateUnknown, nil
	}
	if resp.StatusCode != http.StatusOK {
		return StateUnknown, fmt.Errorf("query failed: status %d", resp.StatusCode)
	}

	var out struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return StateUnknown, fmt.Errorf("failed to decode query response: %w", err)
	}
	return JobState(out.State), nil
}

func (c *HTTPClient) decorate(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

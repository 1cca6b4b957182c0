// Package falqueue is a small REST client for the fal.ai asynchronous
// generation queue. Jobs are submitted to a model endpoint, polled by
// request id, and their result payload fetched once the queue reports
// completion.
//
// The client is deliberately thin: request/response structs mirror the
// queue's JSON wire format and every method is context-aware. Callers own
// retry and state-machine decisions.
package falqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// JobStatus is the queue-side state of a submitted request.
type JobStatus string

const (
	StatusInQueue    JobStatus = "IN_QUEUE"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
)

// Terminal reports whether the queue will make no further progress.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// LoraWeight references fine-tuned weights applied to a generation run.
type LoraWeight struct {
	Path  string  `json:"path"`
	Scale float64 `json:"scale,omitempty"`
}

// SubmitInput is the generation payload for both pipelines. LoRA weights are
// only populated for the fine-tuned pipeline.
type SubmitInput struct {
	Prompt            string       `json:"prompt"`
	ImageURL          string       `json:"image_url"`
	GuidanceScale     float64      `json:"guidance_scale,omitempty"`
	NumInferenceSteps int          `json:"num_inference_steps,omitempty"`
	Loras             []LoraWeight `json:"loras,omitempty"`
}

// ResultImage is one generated output image.
type ResultImage struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// JobResult is the payload of a completed request.
type JobResult struct {
	Images []ResultImage `json:"images"`
}

// Client talks to the fal.ai queue. Safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	hc      *http.Client
}

// New constructs a Client for the given queue base URL and API key.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		hc:      &http.Client{Timeout: 60 * time.Second},
	}
}

// Submit enqueues a generation job on the given model endpoint and returns
// the queue's request id.
func (c *Client) Submit(ctx context.Context, model string, input SubmitInput) (string, error) {
	var resp struct {
		RequestID string `json:"request_id"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s", c.baseURL, model), input, &resp); err != nil {
		return "", err
	}
	if resp.RequestID == "" {
		return "", fmt.Errorf("falqueue: submit returned no request id")
	}
	return resp.RequestID, nil
}

// Status polls the queue state of a previously submitted request. The model
// path must match the one used at submission; the queue namespaces requests
// per endpoint.
func (c *Client) Status(ctx context.Context, model, requestID string) (JobStatus, error) {
	var resp struct {
		Status JobStatus `json:"status"`
	}
	url := fmt.Sprintf("%s/%s/requests/%s/status", c.baseURL, model, requestID)
	if err := c.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return "", err
	}
	switch resp.Status {
	case StatusInQueue, StatusInProgress, StatusCompleted, StatusFailed:
		return resp.Status, nil
	default:
		return "", fmt.Errorf("falqueue: unknown status %q", resp.Status)
	}
}

// Result fetches the output payload of a completed request.
func (c *Client) Result(ctx context.Context, model, requestID string) (*JobResult, error) {
	var resp JobResult
	url := fmt.Sprintf("%s/%s/requests/%s", c.baseURL, model, requestID)
	if err := c.do(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchImage downloads generated image bytes from a result URL. Result URLs
// are served from the queue's CDN and need no authentication.
func (c *Client) FetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("falqueue: image fetch failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// do issues one authenticated JSON round trip against the queue API.
func (c *Client) do(ctx context.Context, method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("falqueue: marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("falqueue: create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("falqueue: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("falqueue: %s returned status %d: %s", url, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("falqueue: decode response: %w", err)
	}
	return nil
}

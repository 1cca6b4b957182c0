// Package storage is a minimal client for Supabase Storage's object REST
// API. The application uses three buckets: private source images, private
// generated HD outputs, and public watermarked previews.
//
// Only the four operations the pipeline needs are implemented: upload,
// remove, short-lived signed URLs for private objects, and public URLs for
// preview objects. Paths include the generation id, so concurrent retries
// overwrite rather than corrupt (uploads are upserts).
package storage

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

// Client talks to one Supabase project's storage endpoint with the
// server-side service role key. Safe for concurrent use.
type Client struct {
	baseURL    string // project URL, e.g. https://xyz.supabase.co
	serviceKey string
	hc         *http.Client
}

// New constructs a storage client for the given project URL and service key.
func New(projectURL, serviceKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(projectURL, "/"),
		serviceKey: serviceKey,
		hc:         &http.Client{Timeout: 60 * time.Second},
	}
}

// Upload writes object bytes at bucket/path, overwriting any existing object.
func (c *Client) Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("storage: create upload request: %w", err)
	}
	c.auth(req)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	return c.expectOK(req)
}

// Remove deletes the object at bucket/path. Used as the compensating action
// when a generation row insert fails after the source image was stored, and
// by data-erasure redaction.
func (c *Client) Remove(ctx context.Context, bucket, path string) error {
	url := fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, bucket, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("storage: create remove request: %w", err)
	}
	c.auth(req)
	return c.expectOK(req)
}

// SignedURL issues a time-boxed URL for a private object.
func (c *Client) SignedURL(ctx context.Context, bucket, path string, expiresIn time.Duration) (string, error) {
	url := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", c.baseURL, bucket, path)
	payload, err := json.Marshal(map[string]int{"expiresIn": int(expiresIn.Seconds())})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("storage: create sign request: %w", err)
	}
	c.auth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("storage: sign %s/%s: %w", bucket, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("storage: sign returned status %d: %s", resp.StatusCode, string(raw))
	}

	var out struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("storage: decode sign response: %w", err)
	}
	if out.SignedURL == "" {
		return "", fmt.Errorf("storage: sign returned empty URL")
	}
	// The API returns a path relative to /storage/v1.
	return c.baseURL + "/storage/v1" + out.SignedURL, nil
}

// PublicURL returns the stable public URL of an object in a public bucket.
// Pure string assembly; the bucket must be marked public in the project.
func (c *Client) PublicURL(bucket, path string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", c.baseURL, bucket, path)
}

func (c *Client) auth(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("apikey", c.serviceKey)
}

func (c *Client) expectOK(req *http.Request) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("storage: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("storage: %s returned status %d: %s", req.URL.Path, resp.StatusCode, string(raw))
	}
	return nil
}

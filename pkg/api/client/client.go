package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the orlo API for scripts and the CLI.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	return c.do(ctx, method, path, reader, "application/json", v)
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

type idResponse struct {
	ID string `json:"id"`
}

// Release mirrors the read API release aggregate.
type Release struct {
	ID         string     `json:"id"`
	User       string     `json:"user"`
	Team       *string    `json:"team"`
	Platforms  []string   `json:"platforms"`
	References []string   `json:"references"`
	StartTime  time.Time  `json:"stime"`
	FinishTime *time.Time `json:"ftime"`
	Duration   *int64     `json:"duration"`
	Notes      []string   `json:"notes"`
	Packages   []Package  `json:"packages"`
}

// Package mirrors a package within a release aggregate.
type Package struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Version    string     `json:"version"`
	DiffURL    *string    `json:"diff_url"`
	Rollback   bool       `json:"rollback"`
	StartTime  *time.Time `json:"stime"`
	FinishTime *time.Time `json:"ftime"`
	Duration   *int64     `json:"duration"`
	Status     string     `json:"status"`
	Results    []Result   `json:"results"`
}

// Result is an opaque deployment result attached to a package.
type Result struct {
	Content string    `json:"content"`
	Created time.Time `json:"created"`
}

// CreateReleaseInput captures the payload for release creation.
type CreateReleaseInput struct {
	User       string   `json:"user"`
	Team       string   `json:"team,omitempty"`
	Platforms  []string `json:"platforms"`
	References []string `json:"references,omitempty"`
	Note       string   `json:"note,omitempty"`
}

// CreateRelease opens a release and returns its identifier.
func (c *Client) CreateRelease(ctx context.Context, input CreateReleaseInput) (string, error) {
	var resp idResponse
	if err := c.doJSON(ctx, http.MethodPost, "/releases", input, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StopRelease marks a release finished.
func (c *Client) StopRelease(ctx context.Context, releaseID string) error {
	return c.doJSON(ctx, http.MethodPost, releasePath(releaseID)+"/stop", nil, nil)
}

// AddNote appends a note to a release.
func (c *Client) AddNote(ctx context.Context, releaseID, text string) error {
	body := map[string]string{"text": text}
	return c.doJSON(ctx, http.MethodPost, releasePath(releaseID)+"/notes", body, nil)
}

// CreatePackageInput captures the payload for package creation.
type CreatePackageInput struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	DiffURL  string `json:"diff_url,omitempty"`
	Rollback bool   `json:"rollback"`
}

// CreatePackage adds a package to a release and returns its identifier.
func (c *Client) CreatePackage(ctx context.Context, releaseID string, input CreatePackageInput) (string, error) {
	var resp idResponse
	if err := c.doJSON(ctx, http.MethodPost, releasePath(releaseID)+"/packages", input, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartPackage moves a package to IN_PROGRESS.
func (c *Client) StartPackage(ctx context.Context, releaseID, packageID string) error {
	return c.doJSON(ctx, http.MethodPost, packagePath(releaseID, packageID)+"/start", nil, nil)
}

// StopPackage records the outcome of a running package.
func (c *Client) StopPackage(ctx context.Context, releaseID, packageID string, success bool) error {
	body := map[string]bool{"success": success}
	return c.doJSON(ctx, http.MethodPost, packagePath(releaseID, packageID)+"/stop", body, nil)
}

// AddResult attaches raw result content to a package.
func (c *Client) AddResult(ctx context.Context, releaseID, packageID, content string) error {
	return c.do(ctx, http.MethodPost, packagePath(releaseID, packageID)+"/results", strings.NewReader(content), "text/plain", nil)
}

// ListReleases returns releases matching filters, e.g. user=alice or latest=true.
func (c *Client) ListReleases(ctx context.Context, filters url.Values) ([]Release, error) {
	path := "/releases"
	if encoded := filters.Encode(); encoded != "" {
		path += "?" + encoded
	}
	return c.list(ctx, path)
}

// GetRelease fetches a single release. The boolean is false when filters
// exclude it.
func (c *Client) GetRelease(ctx context.Context, releaseID string, filters url.Values) (Release, bool, error) {
	path := releasePath(releaseID)
	if encoded := filters.Encode(); encoded != "" {
		path += "?" + encoded
	}
	releases, err := c.list(ctx, path)
	if err != nil || len(releases) == 0 {
		return Release{}, false, err
	}
	return releases[0], true, nil
}

func (c *Client) list(ctx context.Context, path string) ([]Release, error) {
	var resp struct {
		Releases []Release `json:"releases"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Releases, nil
}

// Ping checks API liveness.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/ping", nil, "", nil)
}

func releasePath(releaseID string) string {
	return "/releases/" + url.PathEscape(releaseID)
}

func packagePath(releaseID, packageID string) string {
	return releasePath(releaseID) + "/packages/" + url.PathEscape(packageID)
}

// Package monokkai is a Go client for the monokkai extension host REST API.
package monokkai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the monokkai REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Extension describes a registered extension.
type Extension struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	ABI      string    `json:"abi"`
	LoadedAt time.Time `json:"loaded_at"`
}

// ExecuteResult is returned by a successful synchronous execution.
type ExecuteResult struct {
	Extension string `json:"extension"`
	ExitCode  int    `json:"exit_code"`
}

// InvocationRequest represents the payload required to queue an invocation.
// ID is optional; resubmitting an existing ID returns the stored invocation.
type InvocationRequest struct {
	ID        string   `json:"id,omitempty"`
	Extension string   `json:"extension"`
	Args      []string `json:"args"`
}

// Invocation mirrors the server side invocation record. Timestamps are Unix
// milliseconds.
type Invocation struct {
	ID         string   `json:"id"`
	Extension  string   `json:"extension"`
	Args       []string `json:"args"`
	Status     string   `json:"status"`
	Attempts   int      `json:"attempts"`
	LastError  string   `json:"last_error,omitempty"`
	ErrorCode  string   `json:"error_code,omitempty"`
	CreatedAt  int64    `json:"created_at"`
	UpdatedAt  int64    `json:"updated_at"`
	StartedAt  int64    `json:"started_at,omitempty"`
	FinishedAt int64    `json:"finished_at,omitempty"`
}

// Done reports whether the invocation reached a final status.
func (i Invocation) Done() bool {
	return i.Status == "succeeded" || i.Status == "failed"
}

// InvocationStats aggregates invocation counts.
type InvocationStats struct {
	Total           int   `json:"total"`
	Pending         int   `json:"pending"`
	Running         int   `json:"running"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

// ListQuery filters ListInvocations and InvocationStats. Zero values are omitted.
type ListQuery struct {
	Statuses  []string
	Extension string
	Limit     int
	Offset    int
	Ascending bool
}

func (q ListQuery) encode() string {
	values := url.Values{}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	if q.Extension != "" {
		values.Set("extension", q.Extension)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Ascending {
		values.Set("order", "asc")
	}
	return values.Encode()
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	ExitCode   int    `json:"exit_code"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("monokkai api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("monokkai api error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient instantiates a client for the monokkai API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// ListExtensions returns the extensions registered on the server.
func (c *Client) ListExtensions(ctx context.Context) ([]Extension, error) {
	var out []Extension
	if err := c.get(ctx, "/api/v1/extensions", "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Execute runs an extension synchronously. A failed execution is returned as
// *APIError carrying the process exit code.
func (c *Client) Execute(ctx context.Context, name string, args []string) (ExecuteResult, error) {
	var out ExecuteResult
	endpoint := "/api/v1/extensions/" + name + "/execute"
	if err := c.post(ctx, endpoint, map[string][]string{"args": args}, &out); err != nil {
		return ExecuteResult{}, err
	}
	return out, nil
}

// SubmitInvocation queues an asynchronous invocation.
func (c *Client) SubmitInvocation(ctx context.Context, req InvocationRequest) (Invocation, error) {
	var out Invocation
	if err := c.post(ctx, "/api/v1/invocations", req, &out); err != nil {
		return Invocation{}, err
	}
	return out, nil
}

// GetInvocation fetches an invocation by identifier.
func (c *Client) GetInvocation(ctx context.Context, id string) (Invocation, error) {
	var out Invocation
	if err := c.get(ctx, "/api/v1/invocations/"+id, "", &out); err != nil {
		return Invocation{}, err
	}
	return out, nil
}

// ListInvocations returns invocations matching q.
func (c *Client) ListInvocations(ctx context.Context, q ListQuery) ([]Invocation, error) {
	var out []Invocation
	if err := c.get(ctx, "/api/v1/invocations", q.encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// InvocationStats returns aggregated counts for invocations matching q.
func (c *Client) InvocationStats(ctx context.Context, q ListQuery) (InvocationStats, error) {
	var out InvocationStats
	if err := c.get(ctx, "/api/v1/invocations/stats", q.encode(), &out); err != nil {
		return InvocationStats{}, err
	}
	return out, nil
}

// WaitInvocation polls until the invocation finishes or ctx ends.
func (c *Client) WaitInvocation(ctx context.Context, id string, interval time.Duration) (Invocation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		inv, err := c.GetInvocation(ctx, id)
		if err != nil {
			return Invocation{}, err
		}
		if inv.Done() {
			return inv, nil
		}
		select {
		case <-ctx.Done():
			return inv, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, "", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint, rawQuery string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, rawQuery, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint, rawQuery string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: rawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Package client talks to the task dispatch HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/podushkina/taskdispatch/internal/api"
	"github.com/podushkina/taskdispatch/internal/control"
	"github.com/podushkina/taskdispatch/internal/dispatch"
	"github.com/podushkina/taskdispatch/internal/task"
)

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	Status int
	Body   api.ErrorResponse
}

func (e *APIError) Error() string {
	if e.Body.Code != "" {
		return fmt.Sprintf("http %d (%s): %s", e.Status, e.Body.Code, e.Body.Error)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Body.Error)
}

type HTTPClient struct {
	BaseURL string
	User    string
	Client  *http.Client
}

// NewHTTPClient uses a client timeout above the server's inline execution
// limit so sync submissions are not cut short.
func NewHTTPClient(baseURL, user string) *HTTPClient {
	return &HTTPClient{
		BaseURL: baseURL,
		User:    user,
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

// Submit calls POST /tasks.
func (c *HTTPClient) Submit(ctx context.Context, req api.SubmitTaskRequest) (*dispatch.Outcome, error) {
	var out dispatch.Outcome
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get calls GET /tasks/{id}.
func (c *HTTPClient) Get(ctx context.Context, id string) (*task.Task, error) {
	var out task.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List calls GET /tasks. With all set, terminal tasks are included.
func (c *HTTPClient) List(ctx context.Context, all bool) ([]task.Task, error) {
	q := url.Values{}
	if all {
		q.Set("active", "false")
	}
	var out []task.Task
	if err := c.do(ctx, http.MethodGet, "/tasks", q, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel calls POST /tasks/{id}/cancel.
func (c *HTTPClient) Cancel(ctx context.Context, id string, force bool) (*task.Task, error) {
	var out task.Task
	body := api.CancelTaskRequest{Force: force}
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(id)+"/cancel", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats calls GET /tasks/stats.
func (c *HTTPClient) Stats(ctx context.Context) (*control.Stats, error) {
	var out control.Stats
	if err := c.do(ctx, http.MethodGet, "/tasks/stats", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint, err := c.resolve(path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	c.applyHeaders(req)

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(raw, &apiErr.Body) != nil || apiErr.Body.Error == "" {
			apiErr.Body.Error = string(bytes.TrimSpace(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *HTTPClient) resolve(path string) (string, error) {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(rel).String(), nil
}

func (c *HTTPClient) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.User != "" {
		req.Header.Set(api.UserHeader, c.User)
	}
}

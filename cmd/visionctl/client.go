package main

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

	"github.com/gorilla/websocket"

	httpserver "github.com/fyrsmithlabs/visiond/internal/http"
	"github.com/fyrsmithlabs/visiond/internal/workflow"
)

// client talks to the visiond HTTP API.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
}

// isNotFound reports whether err is a 404 from the server.
func isNotFound(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// do sends body as JSON and decodes the response into out when non-nil.
func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return &apiError{Status: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// errorMessage extracts echo's {"message": ...} body, falling back to the raw text.
func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(raw))
}

func (c *client) generate(ctx context.Context, req httpserver.GenerateRequest) (httpserver.GenerateResponse, error) {
	var resp httpserver.GenerateResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/generate", req, &resp)
	return resp, err
}

func (c *client) status(ctx context.Context, taskID string) (workflow.Snapshot, error) {
	var snap workflow.Snapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/status/"+url.PathEscape(taskID), nil, &snap)
	return snap, err
}

func (c *client) feedback(ctx context.Context, req httpserver.FeedbackRequest) (httpserver.MessageResponse, error) {
	var resp httpserver.MessageResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/feedback", req, &resp)
	return resp, err
}

func (c *client) cancel(ctx context.Context, taskID string) (httpserver.MessageResponse, error) {
	var resp httpserver.MessageResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/task/"+url.PathEscape(taskID)+"/cancel", nil, &resp)
	return resp, err
}

func (c *client) approve(ctx context.Context, taskID string, approved bool) (httpserver.MessageResponse, error) {
	var resp httpserver.MessageResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/task/"+url.PathEscape(taskID)+"/approve",
		httpserver.ApproveRequest{Approved: &approved}, &resp)
	return resp, err
}

func (c *client) delete(ctx context.Context, taskID string) (httpserver.MessageResponse, error) {
	var resp httpserver.MessageResponse
	err := c.do(ctx, http.MethodDelete, "/api/v1/task/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

func (c *client) health(ctx context.Context) (httpserver.HealthResponse, error) {
	var resp httpserver.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &resp)
	return resp, err
}

// stream follows a task over the websocket endpoint, calling fn for each
// snapshot until the server closes the stream or ctx is done.
func (c *client) stream(ctx context.Context, taskID string, fn func(workflow.Snapshot)) error {
	wsURL, err := streamURL(c.baseURL, taskID)
	if err != nil {
		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			raw, _ := io.ReadAll(resp.Body)
			return &apiError{Status: resp.StatusCode, Message: errorMessage(raw)}
		}
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream read failed: %w", err)
		}

		var frame httpserver.StreamError
		if err := json.Unmarshal(data, &frame); err == nil && frame.Type == "error" {
			return &apiError{Status: http.StatusNotFound, Message: frame.Message}
		}

		var snap workflow.Snapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return fmt.Errorf("failed to decode snapshot: %w", err)
		}
		fn(snap)
	}
}

// streamURL maps the server's http(s) base to the ws(s) stream endpoint.
func streamURL(baseURL, taskID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/tasks/" + taskID + "/stream"
	return u.String(), nil
}

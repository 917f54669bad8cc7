package engineapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zulandar/sparkyard/internal/fault"
)

// DefaultCallTimeout bounds every downstream call; there is no unbounded
// blocking against an engine.
const DefaultCallTimeout = 15 * time.Second

// HTTPClient talks to Livy-style REST engines:
//
//	POST   /sessions                         -> {"id": ...}
//	GET    /sessions/{id}/state              -> {"state": ...}
//	DELETE /sessions/{id}
//	POST   /sessions/{id}/statements         -> {"id": ...}
//	GET    /sessions/{id}/statements/{id}    -> {"state": ..., "output": ...}
//	POST   /sessions/{id}/statements/{id}/cancel
type HTTPClient struct {
	httpClient  *http.Client
	callTimeout time.Duration
}

// NewHTTPClient builds an HTTP client with the given per-call timeout
// (DefaultCallTimeout when zero).
func NewHTTPClient(callTimeout time.Duration) *HTTPClient {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &HTTPClient{
		httpClient:  &http.Client{Timeout: callTimeout},
		callTimeout: callTimeout,
	}
}

type sessionResponse struct {
	ID    json.Number `json:"id"`
	State string      `json:"state"`
}

type statementResponse struct {
	ID     json.Number `json:"id"`
	State  string      `json:"state"`
	Output struct {
		Data map[string]interface{} `json:"data"`
		URI  string                 `json:"uri"`
	} `json:"output"`
}

// CreateSession creates a downstream session and returns the engine's id.
func (c *HTTPClient) CreateSession(ctx context.Context, addr string, cfg SessionConfig) (string, error) {
	body := map[string]interface{}{
		"kind": cfg.Kind,
		"name": cfg.Name,
		"conf": cfg.Conf,
	}
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, addr+"/sessions", body, &resp); err != nil {
		return "", err
	}
	if resp.ID.String() == "" {
		return "", fmt.Errorf("engineapi: create session: empty id from %s", addr)
	}
	return resp.ID.String(), nil
}

// SessionStatus reports the downstream session state. A 404 maps to
// StatusNotFound rather than an error so reconciliation can tell "gone"
// apart from "unreachable".
func (c *HTTPClient) SessionStatus(ctx context.Context, addr, engineSessionID string) (Status, error) {
	var resp sessionResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/sessions/%s/state", addr, engineSessionID), nil, &resp)
	if err != nil {
		if isNotFound(err) {
			return StatusNotFound, nil
		}
		return "", err
	}
	return Status(resp.State), nil
}

// CloseSession deletes the downstream session. Missing sessions close
// cleanly.
func (c *HTTPClient) CloseSession(ctx context.Context, addr, engineSessionID string) error {
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/sessions/%s", addr, engineSessionID), nil, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// Submit posts one statement or application to the downstream session.
func (c *HTTPClient) Submit(ctx context.Context, addr, engineSessionID, kind, payload string) (string, error) {
	body := map[string]interface{}{
		"kind": kind,
		"code": payload,
	}
	var resp statementResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/sessions/%s/statements", addr, engineSessionID), body, &resp); err != nil {
		return "", err
	}
	if resp.ID.String() == "" {
		return "", fmt.Errorf("engineapi: submit: empty statement id from %s", addr)
	}
	return resp.ID.String(), nil
}

// JobStatus polls one statement.
func (c *HTTPClient) JobStatus(ctx context.Context, addr, engineSessionID, engineJobID string) (JobResult, error) {
	var resp statementResponse
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/sessions/%s/statements/%s", addr, engineSessionID, engineJobID), nil, &resp)
	if err != nil {
		if isNotFound(err) {
			return JobResult{Status: StatusNotFound}, nil
		}
		return JobResult{}, err
	}
	return JobResult{Status: Status(resp.State), ResultRef: resp.Output.URI}, nil
}

// CancelJob issues a best-effort cancel for one statement.
func (c *HTTPClient) CancelJob(ctx context.Context, addr, engineSessionID, engineJobID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("%s/sessions/%s/statements/%s/cancel", addr, engineSessionID, engineJobID), nil, nil)
}

// httpStatusError distinguishes downstream HTTP status codes from transport
// failures.
type httpStatusError struct {
	code int
	url  string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("engineapi: %s returned %d", e.url, e.code)
}

func isNotFound(err error) bool {
	var se *httpStatusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// do performs one bounded HTTP call, decoding a JSON response into out when
// non-nil. Transport errors, timeouts, and 5xx answers wrap
// fault.EngineUnreachable so the retry policy treats them as transient.
func (c *HTTPClient) do(ctx context.Context, method, url string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("engineapi: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("engineapi: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fault.Wrap(fault.EngineUnreachable, "", "", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &httpStatusError{code: resp.StatusCode, url: url}
	}
	if resp.StatusCode >= 500 {
		return fault.Wrap(fault.EngineUnreachable, "", "", &httpStatusError{code: resp.StatusCode, url: url})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpStatusError{code: resp.StatusCode, url: url}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("engineapi: decode response from %s: %w", url, err)
		}
	}
	return nil
}

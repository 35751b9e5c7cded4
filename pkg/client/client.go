package client

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

	"github.com/moosh3/mindloom/pkg/types"
)

// APIError is the structured error the control plane returns. Kind is the
// stable machine-readable code; Status is the HTTP status it rode in on.
type APIError struct {
	Status  int
	Kind    types.ErrorKind
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (http %d)", e.Kind, e.Message, e.Status)
}

// IsNotFound reports whether err is the API's not-found error.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == types.ErrKindNotFound
}

// Client calls the run API over HTTP. The zero value is not usable; build
// one with New.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, for tests and custom
// transports. Streaming calls strip its timeout, so pass one without when
// long-lived streams matter.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New builds a client for the API at baseURL. An empty token sends no
// Authorization header.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListFilter narrows ListRuns. Zero fields match everything.
type ListFilter struct {
	RunnableID string
	Status     types.Status
}

// SubmitRun asks the control plane to execute a runnable and returns the
// admitted record, already pending or running.
func (c *Client) SubmitRun(ctx context.Context, kind types.RunnableKind, runnableID string, input map[string]any) (*types.Run, error) {
	body := map[string]any{
		"runnable_id":   runnableID,
		"runnable_type": kind,
	}
	if input != nil {
		body["input_variables"] = input
	}

	var run types.Run
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches one run record.
func (c *Client) GetRun(ctx context.Context, id string) (*types.Run, error) {
	var run types.Run
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns run records matching the filter, newest first.
func (c *Client) ListRuns(ctx context.Context, f ListFilter) ([]*types.Run, error) {
	q := url.Values{}
	if f.RunnableID != "" {
		q.Set("runnable_id", f.RunnableID)
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	path := "/api/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var runs []*types.Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// CancelRun requests cancellation and returns the resulting record.
// Cancelling a terminal run is a no-op.
func (c *Client) CancelRun(ctx context.Context, id string) (*types.Run, error) {
	var run types.Run
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(id)+"/cancel", nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// decodeError turns an error response into an APIError, tolerating bodies
// that are not the structured shape.
func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Kind: types.ErrKindInternal}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		apiErr.Message = resp.Status
		return apiErr
	}

	var body struct {
		Error struct {
			Kind    types.ErrorKind `json:"kind"`
			Message string          `json:"message"`
		} `json:"error"`
	}
	if jerr := json.Unmarshal(data, &body); jerr != nil || body.Error.Kind == "" {
		apiErr.Message = strings.TrimSpace(string(data))
		if apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	apiErr.Kind = body.Error.Kind
	apiErr.Message = body.Error.Message
	return apiErr
}

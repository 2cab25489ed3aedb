// Package client is a thin HTTP client for the stratus API, shared by the
// CLI subcommands that talk to a running server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/michaelbrown/stratus/internal/engine"
	"github.com/michaelbrown/stratus/internal/registry"
)

// Client talks to one stratus server.
type Client struct {
	base string
	http *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		base: baseURL,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status int    `json:"-"`
	Msg    string `json:"error"`
	Fault  string `json:"fault,omitempty"`
}

func (e *APIError) Error() string {
	if e.Fault != "" {
		return fmt.Sprintf("%s: %s", e.Fault, e.Msg)
	}
	return e.Msg
}

// InvokeResult is a successful invocation response.
type InvokeResult struct {
	Value     float64 `json:"value"`
	ElapsedMs int64   `json:"elapsed_ms"`
}

func (c *Client) RegisterModule(ctx context.Context, name, location string) (*registry.Module, error) {
	body := map[string]string{"name": name, "location": location}
	var m registry.Module
	if err := c.do(ctx, http.MethodPost, "/api/modules", body, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) ListModules(ctx context.Context) ([]registry.Module, error) {
	var modules []registry.Module
	if err := c.do(ctx, http.MethodGet, "/api/modules", nil, &modules); err != nil {
		return nil, err
	}
	return modules, nil
}

func (c *Client) GetModule(ctx context.Context, name string) (*registry.Module, error) {
	var m registry.Module
	if err := c.do(ctx, http.MethodGet, "/api/modules/"+url.PathEscape(name), nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) RemoveModule(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/modules/"+url.PathEscape(name), nil, nil)
}

func (c *Client) Invoke(ctx context.Context, name string, params []float64) (*InvokeResult, error) {
	if params == nil {
		params = []float64{}
	}
	body := map[string]any{"params": params}
	var res InvokeResult
	if err := c.do(ctx, http.MethodPost, "/api/modules/"+url.PathEscape(name)+"/invoke", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ModuleStats(ctx context.Context, name string) (*registry.UsageStats, error) {
	var stats registry.UsageStats
	if err := c.do(ctx, http.MethodGet, "/api/modules/"+url.PathEscape(name)+"/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) EngineStats(ctx context.Context) (*engine.Snapshot, error) {
	var snap engine.Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/engine/stats", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Msg: resp.Status}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

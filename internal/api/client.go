// Package api implements the JSON/HTTP client for the run registry
// service: run metadata upserts and the heartbeat the append stream
// rides on.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/runtrail/runtrail/internal/rterrors"
	"github.com/runtrail/runtrail/pkg/types"
)

const (
	// DefaultMaxRetries bounds transient-failure retries per call.
	DefaultMaxRetries = 3

	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 30 * time.Second

	retryBaseDelay = 500 * time.Millisecond
)

// Config wires a registry client.
type Config struct {
	// BaseURL is the registry root, e.g. "https://registry.example.com/api".
	BaseURL string

	// APIKey authenticates requests as a bearer token. Empty disables
	// the Authorization header (local registries).
	APIKey string

	// MaxRetries bounds retries of transient failures. Zero means the
	// default.
	MaxRetries int

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client talks to the run registry. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	client     *http.Client
	logger     *slog.Logger
}

// New creates a registry client.
func New(cfg Config) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		maxRetries: maxRetries,
		client:     client,
		logger:     logger,
	}
}

type upsertRunRequest struct {
	RunID       string         `json:"run_id"`
	DisplayName string         `json:"display_name,omitempty"`
	Project     string         `json:"project,omitempty"`
	Entity      string         `json:"entity,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
}

type upsertRunResponse struct {
	Run struct {
		StorageID   string `json:"storage_id"`
		DisplayName string `json:"display_name"`
		Project     string `json:"project"`
		Entity      string `json:"entity"`
	} `json:"run"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// UpsertRun creates or updates a run's metadata and returns the
// server-assigned fields. Transient failures are retried with
// exponential backoff before the call reports an error.
func (c *Client) UpsertRun(ctx context.Context, update *types.RunUpdate) (*types.RunResult, error) {
	req := upsertRunRequest{
		RunID:       update.RunID,
		DisplayName: update.DisplayName,
		Project:     update.Project,
		Entity:      update.Entity,
		Config:      update.Config,
	}
	var resp upsertRunResponse
	if err := c.postJSON(ctx, "/runs/upsert", req, &resp); err != nil {
		return nil, rterrors.Wrap(rterrors.CategoryNetwork, rterrors.CodeUpsertFailed,
			fmt.Sprintf("failed to upsert run %s", update.RunID), err)
	}
	return &types.RunResult{
		StorageID:   resp.Run.StorageID,
		DisplayName: resp.Run.DisplayName,
		Project:     resp.Run.Project,
		Entity:      resp.Run.Entity,
	}, nil
}

// Heartbeat tells the registry the run is alive. Used by the append
// stream between pushes.
func (c *Client) Heartbeat(ctx context.Context, runID string) error {
	req := struct {
		RunID string `json:"run_id"`
	}{RunID: runID}
	if err := c.postJSON(ctx, "/runs/heartbeat", req, nil); err != nil {
		return rterrors.Wrap(rterrors.CategoryNetwork, rterrors.CodeStreamFailed,
			fmt.Sprintf("failed to heartbeat run %s", runID), err)
	}
	return nil
}

// postJSON posts one JSON payload to baseURL+path and decodes the
// response into out (nil to discard). Retries on connection errors,
// 429 and 5xx; other client errors fail immediately.
func (c *Client) postJSON(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	url := c.baseURL + path

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt-1))) * retryBaseDelay
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			c.logger.Debug("retrying registry call", "path", path, "attempt", attempt, "error", lastErr)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			var apiErr errorResponse
			if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
				lastErr = fmt.Errorf("registry error (%d %s): %s",
					resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
			} else {
				lastErr = fmt.Errorf("registry error (%d): %s", resp.StatusCode, string(respBody))
			}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				continue
			}
			return lastErr
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("max retries (%d) exceeded: %w", c.maxRetries, lastErr)
}

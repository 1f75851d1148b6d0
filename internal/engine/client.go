package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/nagare/internal/model"
)

// ClientConfig holds the settings needed to construct a Client.
type ClientConfig struct {
	// BaseURL is the root URL of the scoring-engine service
	// (e.g. "http://localhost:9090").
	BaseURL string

	// APIKey is sent as the X-API-Key header on every request.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. ConsumeResults long-polls, so the
	// timeout also bounds how long an empty poll blocks server-side.
	HTTPClient *http.Client
}

// Client is an HTTP implementation of Gateway for a remote scoring-engine
// service. All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  httpClient,
	}, nil
}

// APIError is an error response from the scoring-engine service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("engine: api error (%d): %s", e.StatusCode, e.Message)
}

// CreateModel materializes a model instance for the metric.
func (c *Client) CreateModel(ctx context.Context, modelID uuid.UUID, params model.SwarmParams) error {
	body := map[string]any{"model_id": modelID, "params": params}
	return c.post(ctx, "/v1/models", body, nil)
}

// DeleteModel tears down the model instance. A 404 from the engine is
// treated as success: the model is gone either way.
func (c *Client) DeleteModel(ctx context.Context, modelID uuid.UUID) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/v1/models/"+modelID.String(), nil)
	if err != nil {
		return fmt.Errorf("engine: create request: %w", err)
	}
	err = c.doRequest(req, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// SubmitRequests sends input rows for scoring and returns the engine's batch id.
func (c *Client) SubmitRequests(ctx context.Context, modelID uuid.UUID, rows []model.InputRow) (uuid.UUID, error) {
	body := map[string]any{"model_id": modelID, "rows": rows}
	var resp struct {
		BatchID uuid.UUID `json:"batch_id"`
	}
	if err := c.post(ctx, "/v1/requests", body, &resp); err != nil {
		return uuid.Nil, err
	}
	return resp.BatchID, nil
}

// ConsumeResults long-polls the engine for completed result batches.
// An empty response means the poll timed out with nothing ready.
func (c *Client) ConsumeResults(ctx context.Context) ([]ResultBatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/results", nil)
	if err != nil {
		return nil, fmt.Errorf("engine: create request: %w", err)
	}
	var resp struct {
		Batches []ResultBatch `json:"batches"`
	}
	if err := c.doRequest(req, &resp); err != nil {
		return nil, err
	}
	return resp.Batches, nil
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("engine: marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("engine: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("engine: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("engine: decode response: %w", err)
	}
	return nil
}

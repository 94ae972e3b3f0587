package mokuroku

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

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Mokuroku server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Mokuroku run-manifest API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("mokuroku: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// CreateManifest opens a new run for the given window and expected units.
func (c *Client) CreateManifest(ctx context.Context, req CreateManifestRequest) (*Manifest, error) {
	var resp Manifest
	if err := c.post(ctx, "/v1/manifests", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetManifest retrieves the current manifest for a run.
func (c *Client) GetManifest(ctx context.Context, runID uuid.UUID) (*Manifest, error) {
	var resp Manifest
	if err := c.get(ctx, "/v1/manifests/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Report applies one executor report-back and returns the updated record.
func (c *Client) Report(ctx context.Context, runID uuid.UUID, req ReportRequest) (*Observation, error) {
	var resp Observation
	if err := c.post(ctx, "/v1/manifests/"+runID.String()+"/observations", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetObservation retrieves one observation record.
func (c *Client) GetObservation(ctx context.Context, runID uuid.UUID, unit Unit) (*Observation, error) {
	path := "/v1/manifests/" + runID.String() + "/observations/" +
		url.PathEscape(unit.Subject) + "/" + url.PathEscape(unit.PromptID) + "/" + url.PathEscape(unit.Model)
	var resp Observation
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close seals a run's coverage tier. Closing twice returns a conflict error.
func (c *Client) Close(ctx context.Context, runID uuid.UUID) (*Manifest, error) {
	var resp Manifest
	if err := c.post(ctx, "/v1/manifests/"+runID.String()+"/close", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Gaps lists the units an executor still owes for a run.
func (c *Client) Gaps(ctx context.Context, runID uuid.UUID) ([]Unit, error) {
	var resp gapsResponse
	if err := c.get(ctx, "/v1/manifests/"+runID.String()+"/gaps", &resp); err != nil {
		return nil, err
	}
	return resp.Units, nil
}

// Checkpoint takes and (when the server has a store) persists a snapshot of
// one run, returning the opaque snapshot blob.
func (c *Client) Checkpoint(ctx context.Context, runID uuid.UUID) ([]byte, error) {
	var resp checkpointResponse
	if err := c.post(ctx, "/v1/manifests/"+runID.String()+"/checkpoint", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshot, nil
}

// Restore re-hydrates a run from a snapshot blob produced by Checkpoint.
func (c *Client) Restore(ctx context.Context, snapshot []byte) (*Manifest, error) {
	body := map[string]any{"snapshot": snapshot}
	var resp Manifest
	if err := c.post(ctx, "/v1/restore", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DrainEvents removes and returns all pending events. Each event is
// delivered to exactly one drain call.
func (c *Client) DrainEvents(ctx context.Context) ([]Event, error) {
	var resp eventsResponse
	if err := c.get(ctx, "/v1/events", &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// ---------------------------------------------------------------------------
// Request plumbing
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard success envelope.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error envelope.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("mokuroku: marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("mokuroku: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("mokuroku: create request: %w", err)
	}

	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("mokuroku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("mokuroku: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("mokuroku: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}

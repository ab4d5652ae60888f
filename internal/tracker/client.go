// Package tracker is an HTTP client for the experiment-tracking service's
// public REST API (Weights & Biases shape). It fetches raw JSON only; turning
// payloads into domain types is left to the model package.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ashita-ai/kansoku/internal/model"
)

// DefaultBaseURL is the hosted tracking service.
const DefaultBaseURL = "https://api.wandb.ai"

const (
	defaultPageSize       = 50
	defaultHistorySamples = 1000
	defaultTimeout        = 30 * time.Second

	// maxErrorBody caps how much of an error response ends up in a message.
	maxErrorBody = 512
)

// ErrIncompleteConnection is returned when a call is made without an API
// key, entity or project.
var ErrIncompleteConnection = errors.New("tracker: connection is incomplete")

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the tracking API. Defaults to DefaultBaseURL.
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a client with
	// Timeout and an OpenTelemetry-instrumented transport is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration

	// PageSize is the per_page value for run listing. Defaults to 50. Only
	// the first page is ever requested.
	PageSize int

	// HistorySamples is the per_page value for history requests. Defaults
	// to 1000.
	HistorySamples int
}

// Client fetches runs and metric history. It is safe for concurrent use;
// credentials are passed per call so one Client serves any connection.
type Client struct {
	baseURL        string
	client         *http.Client
	pageSize       int
	historySamples int
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("tracker: invalid BaseURL %q", cfg.BaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	samples := cfg.HistorySamples
	if samples <= 0 {
		samples = defaultHistorySamples
	}

	return &Client{
		baseURL:        baseURL,
		client:         httpClient,
		pageSize:       pageSize,
		historySamples: samples,
	}, nil
}

// ListRuns fetches the first page of runs for the connection's project and
// returns the decoded body. The payload is usually an array of run objects
// but is returned untyped; see model.NormalizeRuns.
func (c *Client) ListRuns(ctx context.Context, conn model.Connection) (any, error) {
	conn = conn.Trimmed()
	if !conn.Complete() {
		return nil, ErrIncompleteConnection
	}
	path := "/api/v1/projects/" + url.PathEscape(conn.Entity) + "/" + url.PathEscape(conn.Project) + "/runs"
	params := url.Values{}
	params.Set("per_page", strconv.Itoa(c.pageSize))

	return c.get(ctx, conn.APIKey, path, params)
}

// Probe checks that the connection can read the project by requesting a
// single run. The response body is discarded.
func (c *Client) Probe(ctx context.Context, conn model.Connection) error {
	conn = conn.Trimmed()
	if !conn.Complete() {
		return ErrIncompleteConnection
	}
	path := "/api/v1/projects/" + url.PathEscape(conn.Entity) + "/" + url.PathEscape(conn.Project) + "/runs"
	params := url.Values{}
	params.Set("per_page", "1")

	_, err := c.get(ctx, conn.APIKey, path, params)
	return err
}

// History fetches up to HistorySamples samples of the given metric keys for
// one run and returns the decoded body. See model.HistoryPoints.
func (c *Client) History(ctx context.Context, conn model.Connection, runID string, keys []string) (any, error) {
	conn = conn.Trimmed()
	if !conn.Complete() {
		return nil, ErrIncompleteConnection
	}
	if runID == "" {
		return nil, fmt.Errorf("tracker: run id is required")
	}
	path := "/api/v1/runs/" + url.PathEscape(conn.Entity) + "/" + url.PathEscape(conn.Project) +
		"/" + url.PathEscape(runID) + "/history"
	params := url.Values{}
	params.Set("keys", strings.Join(keys, ","))
	params.Set("per_page", strconv.Itoa(c.historySamples))

	return c.get(ctx, conn.APIKey, path, params)
}

func (c *Client) get(ctx context.Context, apiKey, path string, params url.Values) (any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp)
}

func handleResponse(resp *http.Response) (any, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracker: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("tracker: decode response: %w", err)
	}
	return payload, nil
}

// parseErrorResponse pulls a message out of the common error shapes
// ({"error": "..."}, {"error": {"message": "..."}}, {"message": "..."}) and
// falls back to the raw body.
func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err == nil {
		switch e := envelope["error"].(type) {
		case string:
			apiErr.Message = e
		case map[string]any:
			if m, ok := e["message"].(string); ok {
				apiErr.Message = m
			}
		}
		if apiErr.Message == "" {
			if m, ok := envelope["message"].(string); ok {
				apiErr.Message = m
			}
		}
	}
	if apiErr.Message == "" {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		apiErr.Message = msg
	}
	return apiErr
}

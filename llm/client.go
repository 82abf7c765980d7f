// Package llm provides a provider-agnostic client for the AI backend that
// classifies every failure as transient or fatal. Retrying is left to the
// caller so that backoff policy lives with the task that owns the call.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Endpoint identifies the backend model to call.
type Endpoint struct {
	Provider    string
	URL         string
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a completion request.
type Request struct {
	Messages []Message

	// Temperature overrides the endpoint temperature when set.
	Temperature *float64

	// MaxTokens overrides the endpoint limit when positive.
	MaxTokens int
}

// TokenUsage represents token consumption details for a call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// RequestID uniquely identifies the call for log correlation.
	RequestID string

	Content      string
	Model        string
	Usage        TokenUsage
	FinishReason string
}

// Client sends single completion attempts to one endpoint.
type Client struct {
	endpoint   Endpoint
	httpClient *http.Client
	health     *breaker
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithHealthConfig sets the circuit breaker configuration.
func WithHealthConfig(cfg HealthConfig) ClientOption {
	return func(client *Client) {
		client.health = newBreaker(cfg)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a client for the endpoint.
func NewClient(ep Endpoint, opts ...ClientOption) (*Client, error) {
	if GetProvider(ep.Provider) == nil {
		return nil, fmt.Errorf("unknown provider: %s (registered: %v)", ep.Provider, ListProviders())
	}
	if ep.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	c := &Client{
		endpoint: ep,
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for LLM responses
		},
		health: newBreaker(DefaultHealthConfig()),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health returns the endpoint's breaker state.
func (c *Client) Health() EndpointHealth {
	return c.health.snapshot()
}

// Generate sends one completion attempt. Failures are wrapped as
// TransientError (network, 429, 5xx, open circuit) or FatalError.
func (c *Client) Generate(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, NewFatalError(fmt.Errorf("at least one message is required"))
	}
	if !c.health.allow() {
		return nil, NewTransientError(fmt.Errorf("%s: %w", c.endpoint.Model, ErrCircuitOpen))
	}

	requestID := uuid.New().String()
	started := time.Now()

	resp, err := c.doRequest(ctx, req)
	if err != nil {
		if IsTransient(err) {
			c.health.failure()
		}
		c.logger.Debug("LLM request failed",
			"request_id", requestID,
			"model", c.endpoint.Model,
			"transient", IsTransient(err),
			"duration", time.Since(started),
			"error", err)
		return nil, err
	}

	c.health.success()
	resp.RequestID = requestID
	c.logger.Debug("LLM request completed",
		"request_id", requestID,
		"model", resp.Model,
		"tokens", resp.Usage.TotalTokens,
		"duration", time.Since(started))
	return resp, nil
}

// doRequest executes a single HTTP request to the endpoint.
func (c *Client) doRequest(ctx context.Context, req Request) (*Response, error) {
	ep := c.endpoint
	provider := GetProvider(ep.Provider)

	temperature := ep.Temperature
	if req.Temperature != nil {
		temperature = req.Temperature
	}
	maxTokens := ep.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	url := provider.BuildURL(ep.URL)
	body, err := provider.BuildRequestBody(ep.Model, req.Messages, temperature, maxTokens)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	return resp, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(fmt.Errorf("%w (status %d): %s", ErrRateLimited, statusCode, bodyStr))
	case statusCode == http.StatusRequestTimeout, statusCode >= 500:
		return NewTransientError(fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr))
	default:
		// Auth, bad request, and unknown errors are not retried
		return NewFatalError(fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr))
	}
}

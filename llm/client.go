// Package llm provides a provider-agnostic model client with retry and fallback support.
// It integrates with the model.Registry for capability-based model selection and
// serves both chat completions and embeddings.
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

	"github.com/c360studio/specpatch/model"
)

// maxResponseSize limits the model response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// CallObserver receives the outcome of every model call. The metrics package
// implements it; a nil observer disables reporting.
type CallObserver interface {
	ObserveModelCall(kind, capability, modelName string, duration time.Duration, err error)
}

// Client is a provider-agnostic model client with retry and fallback support.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	observer    CallObserver
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines a completion request.
type Request struct {
	// Capability specifies the semantic capability ("classification", "compliance", "fast").
	// The registry resolves this to available models.
	Capability string

	// Messages is the chat history to send to the model.
	Messages []Message

	// Temperature controls randomness. nil uses endpoint default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses endpoint default.
	MaxTokens int
}

// TokenUsage represents token consumption details for a model call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the completion result.
type Response struct {
	// RequestID uniquely identifies this call for log correlation.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the actual model that was used.
	Model string

	// Usage contains detailed token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithTimeout sets the per-request timeout on the default HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(client *Client) {
		if d > 0 {
			client.httpClient.Timeout = d
		}
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		if cfg.MaxAttempts < 1 {
			cfg.MaxAttempts = 1
		}
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// WithObserver sets the call observer used for metrics.
func WithObserver(o CallObserver) ClientOption {
	return func(client *Client) {
		client.observer = o
	}
}

// NewClient creates a new model client with the given registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Complete sends a completion request, handling retry and fallback logic.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Capability == "" {
		return nil, fmt.Errorf("capability is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	capVal := model.ParseCapability(req.Capability)
	if capVal == "" {
		capVal = model.CapabilityFast
	}

	requestID := uuid.New().String()
	resp, err := runChain(ctx, c, "completion", capVal, func(ctx context.Context, ep *model.EndpointConfig) (*Response, error) {
		provider := GetProvider(ep.Provider)
		if provider == nil {
			return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
		}
		body, err := provider.BuildRequestBody(ep.Model, req.Messages, req.Temperature, req.MaxTokens)
		if err != nil {
			return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
		}
		respBody, err := c.post(ctx, provider, provider.BuildURL(ep.URL), body)
		if err != nil {
			return nil, err
		}
		return provider.ParseResponse(respBody, ep.Model)
	})
	if err != nil {
		return nil, err
	}
	resp.RequestID = requestID
	return resp, nil
}

// runChain walks the capability's fallback chain, retrying each endpoint, until
// one call succeeds or a fatal error stops the walk.
func runChain[T any](ctx context.Context, c *Client, kind string, capVal model.Capability,
	call func(ctx context.Context, ep *model.EndpointConfig) (T, error)) (T, error) {
	var zero T
	started := time.Now()

	chain := c.registry.GetAvailableFallbackChain(capVal)
	if len(chain) == 0 {
		c.observe(kind, capVal, "", started, ErrNoEndpoints)
		return zero, fmt.Errorf("%w: %s", ErrNoEndpoints, capVal)
	}

	var lastErr error
	for _, modelName := range chain {
		endpoint := c.registry.GetEndpoint(modelName)
		if endpoint == nil {
			c.logger.Debug("No endpoint for model, skipping", "model", modelName)
			continue
		}

		result, attempts, err := withRetry(ctx, c, modelName, func(ctx context.Context) (T, error) {
			return call(ctx, endpoint)
		})
		if err == nil {
			c.observe(kind, capVal, modelName, started, nil)
			if attempts > 1 {
				c.logger.Debug("Model call succeeded after retry",
					"kind", kind, "model", modelName, "attempts", attempts)
			}
			return result, nil
		}

		lastErr = err
		c.logger.Warn("Endpoint failed, trying fallback",
			"kind", kind,
			"model", modelName,
			"provider", endpoint.Provider,
			"error", err)

		if IsFatal(err) || ctx.Err() != nil {
			c.observe(kind, capVal, modelName, started, err)
			return zero, err
		}
	}

	if lastErr == nil {
		lastErr = ErrNoEndpoints
	}
	c.observe(kind, capVal, "", started, lastErr)
	return zero, fmt.Errorf("all endpoints failed for capability %s: %w", capVal, lastErr)
}

// withRetry attempts a call with backoff and returns the attempt count.
func withRetry[T any](ctx context.Context, c *Client, modelName string, call func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		result, err := call(ctx)
		if err == nil {
			c.registry.MarkEndpointSuccess(modelName)
			return result, attempt, nil
		}
		lastErr = err

		// Fatal errors indicate config issues, not endpoint health.
		if IsFatal(err) {
			return zero, attempt, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.retryConfig.Backoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return zero, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.registry.MarkEndpointFailure(modelName)
	return zero, c.retryConfig.MaxAttempts, lastErr
}

func (c *Client) observe(kind string, capVal model.Capability, modelName string, started time.Time, err error) {
	if c.observer == nil {
		return
	}
	c.observer.ObserveModelCall(kind, string(capVal), modelName, time.Since(started), err)
}

// post executes a single HTTP request against a provider endpoint.
func (c *Client) post(ctx context.Context, provider Provider, url string, body []byte) ([]byte, error) {
	c.logger.Debug("Sending model request", "provider", provider.Name(), "url", url)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors and client timeouts are transient.
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
	return respBody, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("model API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		// Auth failures, bad requests and anything unrecognised are fatal.
		return NewFatalError(err)
	}
}

package prrequester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/c360studio/specpatch/jobs"
	"github.com/c360studio/specpatch/spec"
)

// maxResponseSize bounds webhook response bodies.
const maxResponseSize = 1 << 20

// PullRequest is the change proposal handed to source control.
type PullRequest struct {
	Title             string            `json:"title"`
	Body              string            `json:"body"`
	Branch            string            `json:"branch"`
	WorkspaceID       string            `json:"workspace_id"`
	LineageID         string            `json:"lineage_id"`
	PreviousVersionID string            `json:"previous_version_id"`
	NewVersionID      string            `json:"new_version_id"`
	VersionLabel      string            `json:"version_label"`
	RegulationRef     string            `json:"regulation_ref"`
	AffectedModules   []spec.ModuleKey  `json:"affected_modules,omitempty"`
	Diffs             []spec.ClauseDiff `json:"diffs"`
}

// PullRequestRef identifies the created pull request.
type PullRequestRef struct {
	ID  string `json:"id,omitempty"`
	URL string `json:"url,omitempty"`
}

// SourceControl opens pull requests.
type SourceControl interface {
	OpenPullRequest(ctx context.Context, pr PullRequest) (*PullRequestRef, error)
}

// WebhookClient posts pull requests as JSON to a webhook.
type WebhookClient struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewWebhookClient creates a webhook client.
func NewWebhookClient(url, token string, timeout time.Duration, logger *slog.Logger) *WebhookClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookClient{
		url:        url,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// OpenPullRequest posts pr. Rate limits, timeouts and 5xx responses are
// retryable; other failures are permanent.
func (c *WebhookClient) OpenPullRequest(ctx context.Context, pr PullRequest) (*PullRequestRef, error) {
	body, err := json.Marshal(pr)
	if err != nil {
		return nil, jobs.Permanent(fmt.Errorf("marshal pull request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, jobs.Permanent(fmt.Errorf("create webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	// Receivers use the version id to drop repeated deliveries
	req.Header.Set("Idempotency-Key", pr.NewVersionID)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyHTTPError(resp.StatusCode, respBody)
	}

	ref := &PullRequestRef{}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, ref); err != nil {
			c.logger.Debug("Webhook response is not JSON", "error", err)
		}
	}
	return ref, nil
}

func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}
	err := fmt.Errorf("webhook error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= 500:
		return err
	default:
		return jobs.Permanent(err)
	}
}

// LogOnly records pull requests in the log without contacting anything.
type LogOnly struct {
	logger *slog.Logger
}

// NewLogOnly creates the logging source control.
func NewLogOnly(logger *slog.Logger) *LogOnly {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogOnly{logger: logger}
}

// OpenPullRequest logs pr.
func (l *LogOnly) OpenPullRequest(_ context.Context, pr PullRequest) (*PullRequestRef, error) {
	l.logger.Info("Pull request (no source control configured)",
		"title", pr.Title,
		"branch", pr.Branch,
		"new_version_id", pr.NewVersionID,
		"diffs", len(pr.Diffs))
	return &PullRequestRef{}, nil
}

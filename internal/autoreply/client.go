// ABOUTME: HTTP client for per-business automated reply webhooks.
// ABOUTME: Posts visitor messages out and extracts the reply text from the response.

package autoreply

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrNoReply indicates the webhook answered but produced no usable reply
// text. Callers should treat it as "stay silent", not as a failure.
var ErrNoReply = errors.New("webhook produced no reply")

// maxResponseBytes bounds how much of a webhook response we will read.
const maxResponseBytes = 1 << 20

// Request is the payload posted to a business's automated reply webhook.
type Request struct {
	Message      string `json:"message"`
	SystemPrompt string `json:"system_prompt"`
	SessionID    string `json:"session_id"`
	BusinessID   string `json:"business_id"`
}

// Client invokes automated reply webhooks. Safe for concurrent use.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a webhook client. Every call is bounded by the given
// timeout. Pass nil logger for default.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "autoreply"),
	}
}

// Reply posts the request to url and returns the reply text. The webhook may
// respond with a JSON object carrying an "output" field, or with the reply as
// plain text. Returns ErrNoReply when the extracted text is empty after
// trimming.
func (c *Client) Reply(ctx context.Context, url string, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling webhook request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("calling webhook: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading webhook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}

	text := extractReply(respBody)
	if text == "" {
		return "", ErrNoReply
	}
	return text, nil
}

// extractReply pulls the reply text out of a webhook response body. A JSON
// object with an "output" string takes precedence; anything else is treated
// as raw reply text.
func extractReply(body []byte) string {
	var parsed struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Output != "" {
		return strings.TrimSpace(parsed.Output)
	}
	return strings.TrimSpace(string(body))
}

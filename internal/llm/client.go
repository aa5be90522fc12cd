// ABOUTME: OpenAI-compatible chat-completions client over HTTP
// ABOUTME: One Complete call per request with a hard per-call timeout

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrEmptyResponse indicates the backend returned no choices or empty content.
var ErrEmptyResponse = errors.New("llm returned empty response")

// Message is one role-tagged entry in a chat-completions request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SamplingParams controls generation behavior for one request.
// A zero MaxTokens means the backend default.
type SamplingParams struct {
	Temperature float64
	MaxTokens   int
}

// Client is the backend contract consumed by the core. Implementations must
// honor ctx cancellation and enforce their own request timeout.
type Client interface {
	Complete(ctx context.Context, messages []Message, params SamplingParams) (string, error)
}

// HTTPClient talks to an OpenAI-compatible /chat/completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPClient creates a backend client. timeout is the hard per-request
// ceiling, independent of any caller cancellation.
func NewHTTPClient(baseURL, apiKey, model string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "llm"),
	}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one chat-completions request and returns the first choice's
// content. Transport failures, non-2xx statuses, and empty choices are all
// returned as errors; the caller decides whether to retry.
func (c *HTTPClient) Complete(ctx context.Context, messages []Message, params SamplingParams) (string, error) {
	body, err := json.Marshal(completionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	// Bound the response read; a misbehaving backend must not OOM us.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("backend status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var parsed completionResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("backend error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}

	c.logger.Debug("completion finished",
		"model", c.model,
		"messages", len(messages),
		"duration", time.Since(start).Round(time.Millisecond))

	return parsed.Choices[0].Message.Content, nil
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

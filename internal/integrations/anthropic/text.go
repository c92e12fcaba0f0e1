// Package anthropic implements completion providers for Anthropic models:
// TextClient speaks the legacy text-completion protocol, MessagesClient the
// structured messages API.
package anthropic

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

	"mortgage-assistant/internal/domain"
)

const (
	defaultBaseURL     = "https://api.anthropic.com"
	defaultTextModel   = "claude-v1"
	defaultMaxTokens   = 1000
	apiVersion         = "2023-06-01"
	humanPrefix        = "Human:"
	assistantPrefix    = "Assistant:"
	defaultHTTPTimeout = 60 * time.Second
)

type completeRequest struct {
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	MaxTokensToSample int      `json:"max_tokens_to_sample"`
	StopSequences     []string `json:"stop_sequences"`
}

type completeResponse struct {
	Completion string `json:"completion"`
	StopReason string `json:"stop_reason"`
	Model      string `json:"model"`
}

// HTTPStatusError captures non-2xx upstream responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("anthropic: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// TextClient calls the /v1/complete endpoint with a single concatenated prompt.
type TextClient struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
	model      string
	maxTokens  int
}

type Option func(*TextClient)

func WithBaseURL(baseURL string) Option {
	return func(c *TextClient) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *TextClient) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *TextClient) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(c *TextClient) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

func NewTextClient(apiKey string, opts ...Option) (*TextClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("anthropic: api key must not be empty")
	}
	c := &TextClient{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:     apiKey,
		model:      defaultTextModel,
		maxTokens:  defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BuildPrompt renders the payload in the Human/Assistant transcript format,
// ending with an open assistant turn.
func BuildPrompt(payload domain.PromptPayload) string {
	var b strings.Builder
	b.WriteString(payload.System)
	b.WriteString("\n\n")
	for _, m := range payload.Messages {
		switch m.Role {
		case string(domain.RoleAssistant):
			b.WriteString(assistantPrefix)
		default:
			b.WriteString(humanPrefix)
		}
		b.WriteString(" ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString(assistantPrefix)
	return b.String()
}

func completeURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/complete"
	}
	return base + "/v1/complete"
}

func (c *TextClient) Complete(ctx context.Context, payload domain.PromptPayload) (string, error) {
	body, err := json.Marshal(completeRequest{
		Model:             c.model,
		Prompt:            BuildPrompt(payload),
		MaxTokensToSample: c.maxTokens,
		StopSequences:     []string{humanPrefix, assistantPrefix},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: marshal request: %w", err)
	}

	url := completeURL(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("anthropic: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}

	var out completeResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("anthropic: decode response: %w", err)
	}
	reply := strings.TrimSpace(out.Completion)
	if reply == "" {
		return "", errors.New("anthropic: empty completion")
	}
	return reply, nil
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bbsfleet/internal/config"
	fleeterrors "bbsfleet/internal/errors"
	"bbsfleet/internal/logging"
)

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger
}

// NewOpenAIClient constructs a chat-completions client from config.
func NewOpenAIClient(cfg config.LLMConfig) (Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	timeout := 120 * time.Second
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}

	return &openaiClient{
		model:      cfg.Model,
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger("llm"),
	}, nil
}

func (c *openaiClient) Model() string {
	return c.model
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func (c *openaiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: 0.8,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fleeterrors.NewTransientError(err, fmt.Sprintf("llm request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fleeterrors.NewTransientError(err, "llm: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		return "", c.classifyStatus(resp, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("llm: api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: response has no choices")
	}

	content := parsed.Choices[0].Message.Content
	c.logger.Debug("completion ok model=%s prompt_tokens=%d completion_tokens=%d took=%v",
		c.model, parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens,
		time.Since(start).Round(time.Millisecond))
	return content, nil
}

// classifyStatus maps HTTP failures onto the retry taxonomy: 429 and 5xx are
// transient, 4xx are permanent.
func (c *openaiClient) classifyStatus(resp *http.Response, body []byte) error {
	snippet := string(body)
	if len(snippet) > 300 {
		snippet = snippet[:300]
	}
	base := fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, snippet)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := 0
		if v := resp.Header.Get("Retry-After"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				retryAfter = n
			}
		}
		return fleeterrors.NewTransientStatusError(base, resp.StatusCode, retryAfter,
			"llm rate limit reached")
	case resp.StatusCode >= 500:
		return fleeterrors.NewTransientStatusError(base, resp.StatusCode, 0,
			fmt.Sprintf("llm server error (%d)", resp.StatusCode))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fleeterrors.NewPermanentError(base, "llm authentication failed, check API_KEY")
	case resp.StatusCode == http.StatusNotFound:
		return fleeterrors.NewPermanentError(base, fmt.Sprintf("llm model %q not found", c.model))
	default:
		return fleeterrors.NewPermanentError(base, fmt.Sprintf("llm request rejected (%d)", resp.StatusCode))
	}
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"colloquy/internal/config"
)

// DeepSeekClient is the high-context Analyst. The API is OpenAI-compatible
// chat completions over HTTP.
type DeepSeekClient struct {
	apiKey     string
	baseURL    string
	model      string
	window     int
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewDeepSeekClient builds the Analyst client from provider settings.
func NewDeepSeekClient(settings config.ProviderSettings, logger *zap.Logger) *DeepSeekClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeepSeekClient{
		apiKey:     settings.APIKey,
		baseURL:    settings.BaseURL,
		model:      settings.Model,
		window:     settings.ContextWindow,
		timeout:    settings.Timeout,
		httpClient: &http.Client{},
		logger:     logger.Named("deepseek"),
		sleep:      sleepContext,
	}
}

// Role implements Collaborator.
func (c *DeepSeekClient) Role() Role { return RoleAnalyst }

// ContextBudget implements Collaborator.
func (c *DeepSeekClient) ContextBudget() int { return c.window }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate implements Collaborator.
func (c *DeepSeekClient) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	if c.apiKey == "" {
		return "", &Error{Provider: "deepseek", Op: "generate", Err: fmt.Errorf("API key not configured")}
	}
	start := time.Now()
	out, err := withRetry(ctx, c.sleep, func() (string, error) {
		actx, cancel := attemptContext(ctx, c.timeout)
		defer cancel()
		return c.complete(actx, prompt, maxTokens, temperature)
	})
	if err != nil {
		c.logger.Warn("generate failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return "", err
	}
	c.logger.Debug("generate ok",
		zap.Int("prompt_len", len(prompt)),
		zap.Int("response_len", len(out)),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

func (c *DeepSeekClient) complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("deepseek: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("deepseek: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Provider: "deepseek", Op: "request", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Provider: "deepseek", Op: "read response", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("deepseek: %w", ErrRateLimited)
	case resp.StatusCode >= 400:
		return "", &Error{Provider: "deepseek", Op: "request", Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &Error{Provider: "deepseek", Op: "decode response", Err: err}
	}
	if parsed.Error != nil {
		return "", &Error{Provider: "deepseek", Op: "request", Err: fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return "", &Error{Provider: "deepseek", Op: "decode response", Err: fmt.Errorf("empty choices")}
	}
	return parsed.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

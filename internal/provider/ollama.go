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

// OllamaClient is the low-context Critic, backed by a local Ollama server.
type OllamaClient struct {
	baseURL    string
	model      string
	window     int
	timeout    time.Duration
	httpClient *http.Client
	logger     *zap.Logger
	sleep      func(context.Context, time.Duration) error
}

// NewOllamaClient builds the Critic client from provider settings.
func NewOllamaClient(settings config.ProviderSettings, logger *zap.Logger) *OllamaClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaClient{
		baseURL:    settings.BaseURL,
		model:      settings.Model,
		window:     settings.ContextWindow,
		timeout:    settings.Timeout,
		httpClient: &http.Client{},
		logger:     logger.Named("ollama"),
		sleep:      sleepContext,
	}
}

// Role implements Collaborator.
func (c *OllamaClient) Role() Role { return RoleCritic }

// ContextBudget implements Collaborator.
func (c *OllamaClient) ContextBudget() int { return c.window }

// Ping verifies the Ollama server is reachable before a session starts.
func (c *OllamaClient) Ping(ctx context.Context) error {
	ctx, cancel := attemptContext(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Provider: "ollama", Op: "ping", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &Error{Provider: "ollama", Op: "ping", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
	NumCtx      int     `json:"num_ctx"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error,omitempty"`
}

// Generate implements Collaborator.
func (c *OllamaClient) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
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

func (c *OllamaClient) complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Options: ollamaOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
			NumCtx:      c.window,
		},
	})
	if err != nil {
		return "", fmt.Errorf("ollama: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("ollama: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Provider: "ollama", Op: "request", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Provider: "ollama", Op: "read response", Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("ollama: %w", ErrRateLimited)
	case resp.StatusCode >= 400:
		return "", &Error{Provider: "ollama", Op: "request", Err: fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(data), 200))}
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", &Error{Provider: "ollama", Op: "decode response", Err: err}
	}
	if parsed.Error != "" {
		return "", &Error{Provider: "ollama", Op: "request", Err: fmt.Errorf("%s", parsed.Error)}
	}
	return parsed.Response, nil
}

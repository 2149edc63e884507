package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"
)

// HTTPCompleter talks to an OpenAI-compatible /chat/completions endpoint.
type HTTPCompleter struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

// CompleterConfig parameterizes the completion client.
type CompleterConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// NewHTTPCompleter builds the completion client.
func NewHTTPCompleter(cfg CompleterConfig, logger *zap.Logger) (*HTTPCompleter, error) {
	if cfg.BaseURL == "" {
		return nil, appErrors.NewValidation("llm base URL cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPCompleter{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete answers one prompt with an optional system preamble.
func (c *HTTPCompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	messages := make([]chatMessage, 0, 2)
	if system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", appErrors.NewInternal("failed to encode completion request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", appErrors.NewInternal("failed to build completion request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", appErrors.NewTimeout("completion request timed out", err)
		}
		return "", appErrors.NewUnavailable("completion request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", appErrors.NewUnavailable(
			fmt.Sprintf("llm service returned %d: %s", resp.StatusCode, string(payload)), nil)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", appErrors.NewUnavailable("failed to decode completion response", err)
	}
	if len(parsed.Choices) == 0 {
		return "", appErrors.NewUnavailable("llm service returned no choices", nil)
	}
	return parsed.Choices[0].Message.Content, nil
}

// Copyright 2024 AI Plan Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package openai wraps the go-openai client with retry logic and the
// request shapes the assistant needs: tool-calling completions for the
// dialogue loop, plus plain completions for the classifier and summarizer.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/ai-plan-assistant/internal/resilience"
)

const (
	// DefaultMaxRetries defines the maximum number of retry attempts
	DefaultMaxRetries = 3
	// BaseRetryDelay defines the base delay for exponential backoff
	BaseRetryDelay = time.Second
)

// ClientConfig holds the settings for the completion client
type ClientConfig struct {
	APIKey         string
	Endpoint       string
	Model          string
	MaxRetries     int
	RequestTimeout time.Duration
}

// Client wraps the go-openai client with retry and error shaping
type Client struct {
	client     *openai.Client
	logger     *zap.Logger
	model      string
	maxRetries int
}

// RetryableError represents an error that can be retried
type RetryableError struct {
	StatusCode int
	Message    string
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error (status %d): %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether an error from the completion service is transient
func IsRetryable(err error) bool {
	var retryErr *RetryableError
	return errors.As(err, &retryErr)
}

// NewClient creates a new completion client. Connectivity is not probed here;
// the first completion call surfaces any credential or network problem.
func NewClient(cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}

	// Validate API key format (basic check)
	if !strings.HasPrefix(cfg.APIKey, "sk-") {
		return nil, fmt.Errorf("invalid API key format")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientConfig.BaseURL = cfg.Endpoint
	}
	if cfg.RequestTimeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: cfg.RequestTimeout}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	client := &Client{
		client:     openai.NewClientWithConfig(clientConfig),
		logger:     logger,
		model:      cfg.Model,
		maxRetries: maxRetries,
	}

	client.logger.Info("Completion client initialized",
		zap.String("model", cfg.Model),
		zap.String("endpoint", clientConfig.BaseURL),
		zap.Int("max_retries", maxRetries),
	)

	return client, nil
}

// ChatCompletionRequest represents a chat completion request
type ChatCompletionRequest struct {
	Messages    []openai.ChatCompletionMessage
	Tools       []openai.Tool
	MaxTokens   int
	Temperature float32
	Model       string
}

// ChatCompletionResponse represents the response from a chat completion.
// ToolCalls is non-empty when the model requested tool invocations instead
// of (or in addition to) producing content.
type ChatCompletionResponse struct {
	Content      string
	ToolCalls    []openai.ToolCall
	FinishReason string
	Usage        openai.Usage
}

// CreateChatCompletion creates a chat completion with retry logic
func (c *Client) CreateChatCompletion(ctx context.Context, req ChatCompletionRequest) (*ChatCompletionResponse, error) {
	// Use configured model if not specified
	if req.Model == "" {
		req.Model = c.model
	}

	openaiReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	c.logger.Debug("Creating chat completion",
		zap.String("model", req.Model),
		zap.Int("max_tokens", req.MaxTokens),
		zap.Float64("temperature", float64(req.Temperature)),
		zap.Int("message_count", len(req.Messages)),
		zap.Int("tool_count", len(req.Tools)),
	)

	backoff := resilience.DefaultBackoffConfig()
	backoff.BaseDelay = BaseRetryDelay
	backoff.MaxRetries = c.maxRetries
	backoff.RetryOnFunc = IsRetryable

	var result *ChatCompletionResponse
	err := resilience.WithExponentialBackoff(ctx, c.logger, backoff, func(ctx context.Context) error {
		resp, err := c.client.CreateChatCompletion(ctx, openaiReq)
		if err != nil {
			return c.handleAPIError(err)
		}

		if len(resp.Choices) == 0 {
			return fmt.Errorf("no choices returned from completion service")
		}

		choice := resp.Choices[0]

		c.logger.Debug("Chat completion successful",
			zap.String("finish_reason", string(choice.FinishReason)),
			zap.Int("tool_call_count", len(choice.Message.ToolCalls)),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			zap.Int("total_tokens", resp.Usage.TotalTokens),
		)

		result = &ChatCompletionResponse{
			Content:      choice.Message.Content,
			ToolCalls:    choice.Message.ToolCalls,
			FinishReason: string(choice.FinishReason),
			Usage:        resp.Usage,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// handleAPIError handles OpenAI API errors and determines if they are retryable
func (c *Client) handleAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("invalid API key or unauthorized access: %w", err)
		case http.StatusTooManyRequests:
			// Rate limit error - retryable
			return &RetryableError{
				StatusCode: apiErr.HTTPStatusCode,
				Message:    apiErr.Message,
			}
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			// Server error - retryable
			return &RetryableError{
				StatusCode: apiErr.HTTPStatusCode,
				Message:    apiErr.Message,
			}
		default:
			// Other errors are not retryable
			return fmt.Errorf("OpenAI API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
	}

	return fmt.Errorf("OpenAI client error: %w", err)
}

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

package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap/zaptest"
)

// mockCompletionServer creates a mock completion API server for testing
func mockCompletionServer(_ testing.TB, response string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/chat/completions" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(response))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "not found"}`))
	}))
}

// createMockChatResponse creates a mock chat completion response
func createMockChatResponse() string {
	return `{
		"id": "chatcmpl-test",
		"object": "chat.completion",
		"created": 1234567890,
		"model": "gpt-4o",
		"choices": [
			{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "This is a test response"
				},
				"finish_reason": "stop"
			}
		],
		"usage": {
			"prompt_tokens": 10,
			"completion_tokens": 5,
			"total_tokens": 15
		}
	}`
}

// createMockToolCallResponse creates a mock response where the model requests a tool call
func createMockToolCallResponse() string {
	return `{
		"id": "chatcmpl-test",
		"object": "chat.completion",
		"created": 1234567890,
		"model": "gpt-4o",
		"choices": [
			{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [
						{
							"id": "call_abc123",
							"type": "function",
							"function": {
								"name": "addTheme",
								"arguments": "{\"name\":\"Food\"}"
							}
						}
					]
				},
				"finish_reason": "tool_calls"
			}
		],
		"usage": {
			"prompt_tokens": 42,
			"completion_tokens": 12,
			"total_tokens": 54
		}
	}`
}

// newTestClient creates a client pointed at a mock server
func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()

	client, err := NewClient(ClientConfig{
		APIKey:   "sk-test1234567890abcdef", // pragma: allowlist secret
		Endpoint: serverURL + "/v1",
		Model:    "gpt-4o",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to create test client: %v", err)
	}

	return client
}

// TestNewClient tests the client initialization
func TestNewClient(t *testing.T) {
	logger := zaptest.NewLogger(t)

	tests := []struct {
		name      string
		apiKey    string
		expectErr bool
	}{
		{
			name:      "valid API key",
			apiKey:    "sk-test1234567890abcdef", // pragma: allowlist secret
			expectErr: false,
		},
		{
			name:      "empty API key",
			apiKey:    "",
			expectErr: true,
		},
		{
			name:      "invalid API key format",
			apiKey:    "invalid-key", // pragma: allowlist secret
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(ClientConfig{
				APIKey: tt.apiKey,
				Model:  "gpt-4o",
			}, logger)

			if tt.expectErr {
				if err == nil {
					t.Error("Expected error for invalid API key")
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}

			if client.client == nil {
				t.Error("Client should not be nil")
			}
			if client.model != "gpt-4o" {
				t.Errorf("Expected model 'gpt-4o', got '%s'", client.model)
			}
			if client.maxRetries != DefaultMaxRetries {
				t.Errorf("Expected default max retries %d, got %d", DefaultMaxRetries, client.maxRetries)
			}
		})
	}
}

// TestCreateChatCompletion tests chat completion functionality
func TestCreateChatCompletion(t *testing.T) {
	server := mockCompletionServer(t, createMockChatResponse())
	defer server.Close()

	c := newTestClient(t, server.URL)

	ctx := context.Background()
	req := ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: "Hello, how are you?",
			},
		},
		MaxTokens:   100,
		Temperature: 0.7,
	}

	response, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		t.Fatalf("CreateChatCompletion failed: %v", err)
	}

	if response.Content != "This is a test response" {
		t.Errorf("Expected 'This is a test response', got '%s'", response.Content)
	}

	if response.FinishReason != "stop" {
		t.Errorf("Expected 'stop', got '%s'", response.FinishReason)
	}

	if len(response.ToolCalls) != 0 {
		t.Errorf("Expected no tool calls, got %d", len(response.ToolCalls))
	}

	if response.Usage.TotalTokens != 15 {
		t.Errorf("Expected 15 total tokens, got %d", response.Usage.TotalTokens)
	}
}

// TestCreateChatCompletion_ToolCalls tests that tool call requests are surfaced
func TestCreateChatCompletion_ToolCalls(t *testing.T) {
	server := mockCompletionServer(t, createMockToolCallResponse())
	defer server.Close()

	c := newTestClient(t, server.URL)

	ctx := context.Background()
	req := ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: "I want a theme about food",
			},
		},
		Tools: []openai.Tool{
			{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        "addTheme",
					Description: "Add a theme to the plan",
				},
			},
		},
	}

	response, err := c.CreateChatCompletion(ctx, req)
	if err != nil {
		t.Fatalf("CreateChatCompletion failed: %v", err)
	}

	if response.FinishReason != "tool_calls" {
		t.Errorf("Expected 'tool_calls', got '%s'", response.FinishReason)
	}

	if len(response.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(response.ToolCalls))
	}

	call := response.ToolCalls[0]
	if call.ID != "call_abc123" {
		t.Errorf("Expected tool call ID 'call_abc123', got '%s'", call.ID)
	}
	if call.Function.Name != "addTheme" {
		t.Errorf("Expected function name 'addTheme', got '%s'", call.Function.Name)
	}
	if call.Function.Arguments != `{"name":"Food"}` {
		t.Errorf("Unexpected function arguments: %s", call.Function.Arguments)
	}
}

// TestRetryLogic tests the exponential backoff retry logic
func TestRetryLogic(t *testing.T) {
	// Mock server that returns rate limit error first, then success
	attempt := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempt++
		if attempt == 1 {
			// First attempt: rate limit error
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error": {"message": "Rate limit exceeded", "type": "rate_limit_exceeded"}}`))
			return
		}
		// Second attempt: success
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(createMockChatResponse()))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	ctx := context.Background()
	start := time.Now()
	_, err := c.CreateChatCompletion(ctx, ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "test"},
		},
	})
	duration := time.Since(start)

	if err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	// Should have taken at least a second due to retry delay
	if duration < 800*time.Millisecond {
		t.Errorf("Expected retry delay, but request completed in %v", duration)
	}

	if attempt != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempt)
	}
}

// TestErrorHandling tests various error scenarios
func TestErrorHandling(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		response   string
		retryable  bool
	}{
		{
			name:       "unauthorized error",
			statusCode: http.StatusUnauthorized,
			response:   `{"error": {"message": "Invalid API key", "type": "invalid_request_error"}}`,
			retryable:  false,
		},
		{
			name:       "rate limit error",
			statusCode: http.StatusTooManyRequests,
			response:   `{"error": {"message": "Rate limit exceeded", "type": "rate_limit_exceeded"}}`,
			retryable:  true,
		},
		{
			name:       "server error",
			statusCode: http.StatusInternalServerError,
			response:   `{"error": {"message": "Internal server error", "type": "server_error"}}`,
			retryable:  true,
		},
		{
			name:       "bad request",
			statusCode: http.StatusBadRequest,
			response:   `{"error": {"message": "Bad request", "type": "invalid_request_error"}}`,
			retryable:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requests := 0
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				requests++
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.statusCode)
				_, _ = w.Write([]byte(tt.response))
			}))
			defer server.Close()

			// Single retry keeps the exhaustion path fast
			client, err := NewClient(ClientConfig{
				APIKey:     "sk-test1234567890abcdef", // pragma: allowlist secret
				Endpoint:   server.URL + "/v1",
				Model:      "gpt-4o",
				MaxRetries: 1,
			}, zaptest.NewLogger(t))
			if err != nil {
				t.Fatalf("Failed to create test client: %v", err)
			}

			ctx := context.Background()
			_, err = client.CreateChatCompletion(ctx, ChatCompletionRequest{
				Messages: []openai.ChatCompletionMessage{
					{Role: openai.ChatMessageRoleUser, Content: "test"},
				},
			})

			if err == nil {
				t.Fatal("Expected error")
			}

			if tt.retryable {
				if requests != 2 {
					t.Errorf("Expected 2 requests for retryable error, got %d", requests)
				}
				if !strings.Contains(err.Error(), "failed after") {
					t.Errorf("Expected retry exhaustion error, got: %v", err)
				}
			} else {
				if requests != 1 {
					t.Errorf("Expected 1 request for non-retryable error, got %d", requests)
				}
			}
		})
	}
}

// TestCreateChatCompletion_NoChoices tests handling of empty choice lists
func TestCreateChatCompletion_NoChoices(t *testing.T) {
	server := mockCompletionServer(t, `{
		"id": "chatcmpl-test",
		"object": "chat.completion",
		"created": 1234567890,
		"model": "gpt-4o",
		"choices": [],
		"usage": {"prompt_tokens": 5, "completion_tokens": 0, "total_tokens": 5}
	}`)
	defer server.Close()

	c := newTestClient(t, server.URL)

	_, err := c.CreateChatCompletion(context.Background(), ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "test"},
		},
	})

	if err == nil {
		t.Fatal("Expected error for empty choices")
	}

	if !strings.Contains(err.Error(), "no choices") {
		t.Errorf("Expected 'no choices' error, got: %v", err)
	}
}

// TestContextCancellation tests context cancellation handling
func TestContextCancellation(t *testing.T) {
	// Mock server that delays response
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(2 * time.Second)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(createMockChatResponse()))
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)

	// Create context with short timeout
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.CreateChatCompletion(ctx, ChatCompletionRequest{
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "test"},
		},
	})
	if err == nil {
		t.Error("Expected context cancellation error")
	}

	if !strings.Contains(err.Error(), "context deadline exceeded") {
		t.Errorf("Expected context deadline exceeded error, got: %v", err)
	}
}

// TestIsRetryable tests transient error detection
func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "retryable error",
			err:      &RetryableError{StatusCode: 429, Message: "rate limited"},
			expected: true,
		},
		{
			name:     "wrapped retryable error",
			err:      fmt.Errorf("request failed: %w", &RetryableError{StatusCode: 503, Message: "unavailable"}),
			expected: true,
		},
		{
			name:     "plain error",
			err:      errors.New("some error"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

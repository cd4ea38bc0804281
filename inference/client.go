// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package inference is the HTTP client for the reply-generation
// backend. It speaks the OpenAI chat completions wire format, which
// is compatible with any endpoint implementing it (OpenAI, Azure,
// OpenRouter, vLLM, Ollama, llama.cpp).
//
// This is the one layer in the bridge that retries: transient
// failures (network errors, 429, 5xx) are retried a bounded number
// of times with linear backoff. Token usage is logged per call.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/duncanhovsky/telegram-copilot-bridge-skill/lib/clock"
)

// retryBaseDelay is the backoff unit: attempt n waits n times this.
const retryBaseDelay = 500 * time.Millisecond

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the chat-completions base URL (e.g.
	// "https://api.openai.com/v1").
	BaseURL string

	// APIKey authenticates requests. May be empty: the client is
	// then disabled and GenerateReply fails descriptively at call
	// time rather than at startup.
	APIKey string

	// MaxRetries is the number of additional attempts after a
	// transient failure.
	MaxRetries int

	// HTTPClient is used for all requests. If nil, a client with a
	// two minute timeout is used.
	HTTPClient *http.Client

	// Clock provides retry backoff sleeping. If nil, the real clock
	// is used.
	Clock clock.Clock

	// Logger receives usage and retry logs. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client generates replies through the inference backend.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
}

// NewClient creates an inference client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("inference: BaseURL is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		maxRetries: config.MaxRetries,
		httpClient: httpClient,
		clock:      clk,
		logger:     logger,
	}, nil
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inference: API error %d: %s", e.Status, e.Message)
}

// retryable reports whether the error is worth another attempt:
// rate limiting, server-side failures, and transport failures are;
// 4xx apart from 429, malformed responses, and everything else
// deterministic are not.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	// Network-level failures (connection reset, timeout) come back
	// as wrapped url.Error values.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// wire types for the chat completions format.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type chatError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateReply asks the model for a reply to userInput in the
// context of the thread. contextSummary is the compact trailing
// conversation summary from the session store; extraContext carries
// optional attachment material and may be empty.
func (c *Client) GenerateReply(ctx context.Context, modelID, topic, agent, userInput, contextSummary, extraContext string) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("inference: no API key configured; set INFERENCE_API_KEY to enable reply generation")
	}

	request := chatRequest{
		Model:    modelID,
		Messages: buildMessages(topic, agent, userInput, contextSummary, extraContext),
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("inference retry",
				"attempt", attempt, "model", modelID, "error", lastErr)
			c.clock.Sleep(time.Duration(attempt) * retryBaseDelay)
		}

		reply, err := c.complete(ctx, request)
		if err == nil {
			return reply, nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(err) {
			break
		}
	}
	return "", lastErr
}

// buildMessages assembles the chat transcript: a system prompt
// naming the agent persona and topic, the conversation summary, the
// optional attachment context, then the user input.
func buildMessages(topic, agent, userInput, contextSummary, extraContext string) []chatMessage {
	system := fmt.Sprintf(
		"You are %s, a coding assistant replying over a chat bridge. "+
			"Current topic: %s. Keep replies plain text.", agent, topic)

	messages := []chatMessage{{Role: "system", Content: system}}
	if contextSummary != "" {
		messages = append(messages, chatMessage{
			Role:    "system",
			Content: "Conversation so far: " + contextSummary,
		})
	}
	if extraContext != "" {
		messages = append(messages, chatMessage{
			Role:    "system",
			Content: "Reference material:\n" + extraContext,
		})
	}
	return append(messages, chatMessage{Role: "user", Content: userInput})
}

// complete performs one chat-completions call.
func (c *Client) complete(ctx context.Context, request chatRequest) (string, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("inference: marshal request: %w", err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("inference: building request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return "", fmt.Errorf("inference: request failed: %w", err)
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return "", fmt.Errorf("inference: reading response: %w", err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		var failure chatError
		message := strings.TrimSpace(string(responseBody))
		if json.Unmarshal(responseBody, &failure) == nil && failure.Error.Message != "" {
			message = failure.Error.Message
		}
		return "", &APIError{Status: httpResponse.StatusCode, Message: message}
	}

	var response chatResponse
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return "", fmt.Errorf("inference: parsing response: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("inference: response contained no choices")
	}

	c.logger.Info("inference usage",
		"model", request.Model,
		"prompt_tokens", response.Usage.PromptTokens,
		"completion_tokens", response.Usage.CompletionTokens,
		"total_tokens", response.Usage.TotalTokens,
	)

	return response.Choices[0].Message.Content, nil
}

// Copyright 2026 The Telegram Copilot Bridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package telegram is a minimal Bot API client covering exactly what
// the bridge needs: long-poll update fetch, message send, and file
// download for attachments. The client performs no retries; retry
// policy for the update loop belongs to the caller driving it.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// APIBase is the Bot API base URL (e.g. "https://api.telegram.org").
	APIBase string

	// Token is the bot token. Required.
	Token string

	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default()
	// is used.
	Logger *slog.Logger
}

// Client is an authenticated Bot API client.
type Client struct {
	apiBase    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Bot API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.APIBase == "" {
		return nil, fmt.Errorf("telegram: APIBase is required")
	}
	if config.Token == "" {
		return nil, fmt.Errorf("telegram: Token is required")
	}
	if _, err := url.Parse(config.APIBase); err != nil {
		return nil, fmt.Errorf("telegram: invalid APIBase %q: %w", config.APIBase, err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiBase:    strings.TrimRight(config.APIBase, "/"),
		token:      config.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// apiResponse is the Bot API envelope: ok plus either result or an
// error code and description.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// GetUpdates fetches updates with update_id >= offset. A positive
// timeoutSeconds long-polls; zero returns immediately.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeoutSeconds int) ([]Update, error) {
	request := map[string]any{
		"offset":  offset,
		"timeout": timeoutSeconds,
	}

	var updates []Update
	if err := c.call(ctx, "getUpdates", request, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendMessage sends text to a chat and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	request := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}

	var sent IncomingMessage
	if err := c.call(ctx, "sendMessage", request, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// GetFile resolves a file id into a download path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	request := map[string]any{"file_id": fileID}

	var file File
	if err := c.call(ctx, "getFile", request, &file); err != nil {
		return File{}, err
	}
	return file, nil
}

// DownloadFile fetches the raw bytes of a file path previously
// returned by GetFile.
func (c *Client) DownloadFile(ctx context.Context, filePath string) ([]byte, error) {
	downloadURL := fmt.Sprintf("%s/file/bot%s/%s", c.apiBase, c.token, filePath)

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: building download request: %w", err)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("telegram: downloading %s: %w", filePath, err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		return nil, &APIError{
			Code:        httpResponse.StatusCode,
			Description: "file download failed",
		}
	}

	data, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("telegram: reading download body: %w", err)
	}
	return data, nil
}

// call POSTs one Bot API method and decodes the result envelope.
// API-level failures (ok=false) surface as *APIError.
func (c *Client) call(ctx context.Context, method string, request any, result any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s request: %w", method, err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/%s", c.apiBase, c.token, method)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: building %s request: %w", method, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return fmt.Errorf("telegram: %s failed: %w", method, err)
	}
	defer httpResponse.Body.Close()

	responseBody, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return fmt.Errorf("telegram: reading %s response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(responseBody, &envelope); err != nil {
		return fmt.Errorf("telegram: parsing %s response: %w", method, err)
	}
	if !envelope.OK {
		return &APIError{Code: envelope.ErrorCode, Description: envelope.Description}
	}

	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("telegram: parsing %s result: %w", method, err)
		}
	}

	c.logger.Debug("telegram call", "method", method)
	return nil
}

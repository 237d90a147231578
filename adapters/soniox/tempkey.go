package soniox

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

	"go.uber.org/zap"
)

const (
	defaultAPIBaseURL       = "https://api.soniox.com"
	defaultTimeout          = 10 * time.Second
	defaultExpiresInSeconds = 300
	temporaryKeyPath        = "/v1/auth/temporary-api-key"
	usageTypeWebsocket      = "transcribe_websocket"
)

// ErrMissingAPIKey is returned when no API key was supplied
var ErrMissingAPIKey = errors.New("API key is required")

// APIError is a non-2xx response from Soniox. Details holds the response body.
type APIError struct {
	StatusCode int
	Details    json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("soniox API returned status %d", e.StatusCode)
}

// Config holds configuration for the temporary key client
type Config struct {
	APIBaseURL       string        // Optional: defaults to https://api.soniox.com
	Timeout          time.Duration // Optional: HTTP client timeout
	ExpiresInSeconds int           // Optional: lifetime of minted keys, default 300
}

// TemporaryKeyRequest is the payload sent to Soniox
type TemporaryKeyRequest struct {
	UsageType        string `json:"usage_type"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// Client mints short-lived Soniox keys so browsers never see the real one
type Client struct {
	apiBaseURL       string
	expiresInSeconds int
	httpClient       *http.Client
	logger           *zap.Logger
}

// NewClient creates a temporary key client
func NewClient(config Config, logger *zap.Logger) *Client {
	apiBaseURL := strings.TrimRight(config.APIBaseURL, "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultAPIBaseURL
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	expires := config.ExpiresInSeconds
	if expires <= 0 {
		expires = defaultExpiresInSeconds
	}

	return &Client{
		apiBaseURL:       apiBaseURL,
		expiresInSeconds: expires,
		httpClient:       &http.Client{Timeout: timeout},
		logger:           logger,
	}
}

// CreateTemporaryKey exchanges apiKey for a temporary websocket key. The
// Soniox response body is returned untouched.
func (c *Client) CreateTemporaryKey(ctx context.Context, apiKey string) (json.RawMessage, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	payload, err := json.Marshal(TemporaryKeyRequest{
		UsageType:        usageTypeWebsocket,
		ExpiresInSeconds: c.expiresInSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+temporaryKeyPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Soniox request failed", zap.Error(err))
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Soniox rejected temporary key request",
			zap.Int("statusCode", resp.StatusCode),
			zap.ByteString("body", body))
		details := json.RawMessage(body)
		if !json.Valid(body) {
			details, _ = json.Marshal(string(body))
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Details: details}
	}

	if !json.Valid(body) {
		return nil, fmt.Errorf("invalid JSON in Soniox response")
	}

	c.logger.Info("Temporary API key created", zap.Int("expiresInSeconds", c.expiresInSeconds))
	return body, nil
}

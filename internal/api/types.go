package api

import (
	"encoding/json"
	"time"
)

// TemporaryKeyRequest is the payload of POST /api/temporary-api-key
type TemporaryKeyRequest struct {
	APIKey string `json:"apiKey"`
}

// HealthResponse is returned by the health endpoints
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	ActiveSessions int       `json:"activeSessions"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string          `json:"error"`
	Message string          `json:"message,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

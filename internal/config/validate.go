package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// FieldError is a validation failure for one field
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError collects every failed rule
type ValidationError struct {
	Errors []FieldError
}

func (e ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return "configuration validation failed: " + e.Errors[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:", len(e.Errors))
	for _, err := range e.Errors {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate returns a ValidationError when any rule fails
func (c *Config) Validate() error {
	var errs []FieldError
	add := func(field, msg string) {
		errs = append(errs, FieldError{Field: field, Message: msg})
	}

	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		add("server.port", fmt.Sprintf("invalid port %q", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		add("server.shutdown_timeout", "must be positive")
	}

	switch c.Log.Env {
	case "development", "production":
	default:
		add("log.env", fmt.Sprintf("must be development or production, got %q", c.Log.Env))
	}

	for field, endpoint := range map[string]string{
		"volc.bidi_endpoint":     c.Volc.BidiEndpoint,
		"volc.nostream_endpoint": c.Volc.NoStreamEndpoint,
	} {
		u, err := url.Parse(endpoint)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			add(field, fmt.Sprintf("must be a ws:// or wss:// URL, got %q", endpoint))
		}
	}
	if c.Volc.HandshakeTimeout <= 0 {
		add("volc.handshake_timeout", "must be positive")
	}
	if c.Volc.WriteTimeout <= 0 {
		add("volc.write_timeout", "must be positive")
	}
	if c.Volc.CloseTimeout <= 0 {
		add("volc.close_timeout", "must be positive")
	}
	if c.Volc.AudioQueueSize < 1 {
		add("volc.audio_queue_size", "must be at least 1")
	}
	if c.Volc.MaxMessageSize < 1024 {
		add("volc.max_message_size", "must be at least 1024")
	}

	if u, err := url.Parse(c.Soniox.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		add("soniox.base_url", fmt.Sprintf("must be an http(s) URL, got %q", c.Soniox.BaseURL))
	}
	if c.Soniox.ExpiresInSeconds < 1 {
		add("soniox.expires_in_seconds", "must be positive")
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

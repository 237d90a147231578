package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/satriahrh/asrproxy/adapters/soniox"
	"github.com/satriahrh/asrproxy/domain/repositories"
	"github.com/satriahrh/asrproxy/internal/auth"
	"github.com/satriahrh/asrproxy/internal/websocket"
)

// TemporaryKeyIssuer mints short-lived vendor keys for browser clients
type TemporaryKeyIssuer interface {
	CreateTemporaryKey(ctx context.Context, apiKey string) (json.RawMessage, error)
}

// Params holds route dependencies. Auth may be nil, which leaves the
// streaming routes open.
type Params struct {
	fx.In

	Hub       *websocket.Hub
	Providers repositories.ProviderRegistry
	TempKeys  TemporaryKeyIssuer
	Auth      *auth.Authenticator `optional:"true"`
	Metrics   http.Handler        `name:"metrics"`
	Logger    *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, p Params) {
	health := func(c echo.Context) error {
		return c.JSON(http.StatusOK, HealthResponse{
			Status:         "ok",
			Timestamp:      time.Now().UTC(),
			ActiveSessions: p.Hub.ActiveSessions(),
		})
	}
	e.GET("/health", health)
	e.GET("/api/health", health)

	e.POST("/api/temporary-api-key", func(c echo.Context) error {
		return temporaryAPIKey(c, p.TempKeys, p.Logger)
	})

	if p.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(p.Metrics))
	}

	ws := e.Group("/ws")
	if p.Auth.Enabled() {
		ws.Use(requireToken(p.Auth, p.Logger))
	}
	ws.GET("/:provider", func(c echo.Context) error {
		return streamProvider(c, p.Hub, p.Providers, p.Logger)
	})
}

func temporaryAPIKey(c echo.Context, issuer TemporaryKeyIssuer, logger *zap.Logger) error {
	var req TemporaryKeyRequest
	if err := c.Bind(&req); err != nil {
		logger.Warn("Failed to bind temporary key request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	if req.APIKey == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "API key is required"})
	}

	body, err := issuer.CreateTemporaryKey(c.Request().Context(), req.APIKey)
	if err != nil {
		var apiErr *soniox.APIError
		switch {
		case errors.Is(err, soniox.ErrMissingAPIKey):
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "API key is required"})
		case errors.As(err, &apiErr):
			return c.JSON(apiErr.StatusCode, ErrorResponse{
				Error:   "Failed to generate temporary API key",
				Details: apiErr.Details,
			})
		default:
			logger.Error("Error generating temporary API key", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "Server error while generating temporary API key",
				Message: err.Error(),
			})
		}
	}

	return c.JSONBlob(http.StatusOK, body)
}

func streamProvider(c echo.Context, hub *websocket.Hub, providers repositories.ProviderRegistry, logger *zap.Logger) error {
	name := c.Param("provider")
	provider, ok := providers.Get(name)
	if !ok {
		logger.Warn("Unknown provider requested", zap.String("provider", name))
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "unknown_provider",
			Message: "No transcription provider named " + name,
		})
	}

	return websocket.HandleWebSocket(hub, provider, c)
}

// requireToken checks the access token before the websocket upgrade. Browsers
// cannot set headers on websocket requests, so the token query parameter is
// accepted alongside the Authorization header.
func requireToken(authn *auth.Authenticator, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := c.QueryParam("token")
			if token == "" {
				if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
					token = strings.TrimPrefix(h, "Bearer ")
				}
			}

			claims, err := authn.ValidateToken(token)
			if err != nil {
				logger.Warn("WebSocket connection rejected", zap.Error(err))
				if errors.Is(err, auth.ErrMissingToken) {
					return c.JSON(http.StatusUnauthorized, ErrorResponse{
						Error:   "missing_token",
						Message: "Access token is required",
					})
				}
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired access token",
				})
			}

			logger.Debug("WebSocket connection authenticated", zap.String("subject", claims.Subject))
			return next(c)
		}
	}
}

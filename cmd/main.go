package main

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/satriahrh/asrproxy/adapters/soniox"
	"github.com/satriahrh/asrproxy/adapters/volc"
	"github.com/satriahrh/asrproxy/domain/repositories"
	"github.com/satriahrh/asrproxy/internal/api"
	"github.com/satriahrh/asrproxy/internal/auth"
	"github.com/satriahrh/asrproxy/internal/config"
	"github.com/satriahrh/asrproxy/internal/metrics"
	"github.com/satriahrh/asrproxy/internal/websocket"
)

func main() {
	fx.New(
		fx.Provide(
			config.Load,
			newLogger,
			newEcho,
			newCollector,
			newHub,
			newVolcProvider,
			newProviderRegistry,
			newTemporaryKeyIssuer,
			newAuthenticator,
			fx.Annotate(
				func(c *metrics.Collector) http.Handler { return c.Handler() },
				fx.ResultTags(`name:"metrics"`),
			),
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Invoke(registerRoutes, startServer),
	).Run()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return config.NewLogger(cfg.Log)
}

func newEcho(cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.Server.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))
	return e
}

func newCollector() *metrics.Collector {
	return metrics.NewCollector(nil)
}

func newHub(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *websocket.Hub {
	return websocket.NewHub(websocket.HubConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, collector, logger.Named("gateway"))
}

func newVolcProvider(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) *volc.Provider {
	return volc.NewProvider(volc.Config{
		BidiEndpoint:     cfg.Volc.BidiEndpoint,
		NoStreamEndpoint: cfg.Volc.NoStreamEndpoint,
		HandshakeTimeout: cfg.Volc.HandshakeTimeout,
		WriteTimeout:     cfg.Volc.WriteTimeout,
		CloseTimeout:     cfg.Volc.CloseTimeout,
		AudioQueueSize:   cfg.Volc.AudioQueueSize,
		MaxMessageSize:   cfg.Volc.MaxMessageSize,
		FatalErrorCodes:  cfg.Volc.FatalErrorCodes,
	}, collector, logger.Named("volc"))
}

func newProviderRegistry(volcProvider *volc.Provider) repositories.ProviderRegistry {
	return repositories.NewProviderRegistry(volcProvider)
}

func newTemporaryKeyIssuer(cfg *config.Config, logger *zap.Logger) api.TemporaryKeyIssuer {
	return soniox.NewClient(soniox.Config{
		APIBaseURL:       cfg.Soniox.BaseURL,
		Timeout:          cfg.Soniox.Timeout,
		ExpiresInSeconds: cfg.Soniox.ExpiresInSeconds,
	}, logger.Named("soniox"))
}

func newAuthenticator(cfg *config.Config, logger *zap.Logger) *auth.Authenticator {
	authn := auth.NewAuthenticator(cfg.Auth.Secret)
	if !authn.Enabled() {
		logger.Warn("AUTH_SECRET not set, streaming routes are open")
	}
	return authn
}

func registerRoutes(e *echo.Echo, cfg *config.Config, params api.Params) {
	api.InitRoutes(e, params)
	if cfg.Server.StaticDir != "" {
		e.Static("/", cfg.Server.StaticDir)
	}
}

func startServer(lc fx.Lifecycle, e *echo.Echo, hub *websocket.Hub, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go hub.Run()
			go func() {
				if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
					logger.Fatal("shutting down the server", zap.Error(err))
				}
			}()
			logger.Info("Server started",
				zap.String("port", cfg.Server.Port),
				zap.String("proxy", "ws://localhost:"+cfg.Server.Port+"/ws/"+volc.ProviderName))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Server is shutting down...")
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()

			if err := hub.Shutdown(ctx); err != nil {
				logger.Warn("Sessions still open at shutdown", zap.Error(err))
			}
			if err := e.Shutdown(ctx); err != nil {
				return err
			}
			_ = logger.Sync()
			logger.Info("Server exited")
			return nil
		},
	})
}

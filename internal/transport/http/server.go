// Package http provides the HTTP servers of the task runner.
package http

import (
	"crypto/subtle"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/rsanchezec/AzureAIAgentService/internal/backend"
	"github.com/rsanchezec/AzureAIAgentService/internal/metrics"
	"github.com/rsanchezec/AzureAIAgentService/internal/service"
	"github.com/rsanchezec/AzureAIAgentService/internal/transport/http/internalapi"
	v1 "github.com/rsanchezec/AzureAIAgentService/internal/transport/http/v1"
	"github.com/rsanchezec/AzureAIAgentService/internal/transport/http/ws"
)

// NewExternalServer creates the public server: chat sessions, one-shot
// runs, tool listing, health and metrics.
func NewExternalServer(svc *service.Service, mt *metrics.Metrics, wsServer *ws.Server, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1.NewHandler(svc, mt, wsServer).RegisterRoutes(e)

	return e
}

// NewInternalServer creates the server that exposes b to remote runners.
// When apiKey is set every request must carry it as a bearer token.
func NewInternalServer(b backend.Backend, apiKey string, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(requestLogger(logger))
	e.Use(middleware.Recover())
	if apiKey != "" {
		e.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) == 1, nil
		}))
	}

	internalapi.NewHandler(b, logger).RegisterRoutes(e)

	return e
}

func requestLogger(logger zerolog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			ev := logger.Info()
			if v.Error != nil {
				ev = logger.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("request")
			return nil
		},
	})
}

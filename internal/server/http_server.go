// Package server assembles the Echo instance: middleware, health and
// metrics endpoints, lifecycle.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/arch-faustocorrea/atlassian-oauth-proxy-v1/log"
)

// Config tunes the HTTP surface.
type Config struct {
	Port            string
	CORSOrigins     []string
	RateLimitPerSec float64
}

// HTTPServer hosts the gateway.
type HTTPServer struct {
	echo   *echo.Echo
	cfg    Config
	logger log.Logger
}

// New builds the Echo instance with the standard middleware stack. Routes
// are registered by the caller through Echo().
func New(cfg Config, logger log.Logger) *HTTPServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization},
	}))
	if cfg.RateLimitPerSec > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(cfg.RateLimitPerSec),
		)))
	}
	e.Use(requestLogger(logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return &HTTPServer{echo: e, cfg: cfg, logger: logger}
}

// Echo exposes the underlying instance for route registration.
func (s *HTTPServer) Echo() *echo.Echo {
	return s.echo
}

// Start blocks serving requests until Shutdown is called.
func (s *HTTPServer) Start() error {
	s.logger.Info(context.Background(), "http server listening", map[string]interface{}{
		"port": s.cfg.Port,
	})
	err := s.echo.Start(":" + s.cfg.Port)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requestLogger emits one structured line per request. Health and metrics
// probes stay out of the logs.
func requestLogger(logger log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if path == "/healthz" || path == "/metrics" {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			fields := map[string]interface{}{
				"method":      c.Request().Method,
				"path":        path,
				"status":      c.Response().Status,
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  c.Response().Header().Get(echo.HeaderXRequestID),
				"remote_ip":   c.RealIP(),
			}
			if err != nil {
				logger.Error(c.Request().Context(), "request", err, fields)
			} else {
				logger.Info(c.Request().Context(), "request", fields)
			}
			return err
		}
	}
}

package api

import (
	"fmt"
	"log/slog"

	"filerelay/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
// gatherer backs /metrics; nil disables the endpoint.
func SetupRouter(handler *Handler, cfg *config.Config, gatherer prometheus.Gatherer) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization"},
	}))
	e.Use(RequestLogger())

	// Rate limiter on upload endpoints only
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware()

	// Health & metrics
	e.GET("/health", handler.HandleHealth)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// Docs (HTTP Basic)
	if cfg.DocsEnabled() {
		auth, err := DocsAuth(cfg.DocsUsername, cfg.DocsPassword, cfg.DocsPasswordHash)
		if err != nil {
			return nil, fmt.Errorf("failed to set up docs auth: %w", err)
		}
		e.GET("/docs", handler.HandleDocs, auth)
		e.GET("/openapi.json", handler.HandleOpenAPI, auth)
	} else {
		slog.Info("docs disabled, DOCS_USERNAME or DOCS_PASSWORD not set")
	}

	// Upload (rate-limited)
	e.POST("/upload/", handler.HandleUpload, uploadLimiter)
	e.POST("/upload-multiple/", handler.HandleUploadMultiple, uploadLimiter)

	// Files & stats
	e.GET("/files/:user_id", handler.HandleListFiles)
	e.GET("/stats/:user_id", handler.HandleStats)
	e.POST("/log_download", handler.HandleLogDownload)

	// Delete
	e.DELETE("/delete/:code", handler.HandleDelete)

	// Download, including bare share links
	e.GET("/download/:code", handler.HandleDownload)
	e.GET("/:code", handler.HandleDownload)

	return e, nil
}

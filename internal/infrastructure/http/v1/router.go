package v1

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pioxmdr920415/tilecache/internal/infrastructure/http/v1/handler"
	"github.com/pioxmdr920415/tilecache/pkg/logger"
	"github.com/pioxmdr920415/tilecache/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(handler *handler.Handler, l logger.Logger, telemetryEnabled bool) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())

	if telemetryEnabled {
		r.Use(telemetry.GinMiddleware("tilecache"))
	}

	r.Use(ginZapLogger(l))

	api := r.Group("/api")
	v1 := api.Group("/v1")

	v1.GET("/healthz", handler.Healthz)

	v1.GET("/tile/:provider/:z/:x/:y", handler.Tile)
	v1.POST("/tile/:provider/:z/:x/:y", handler.StoreTile)

	v1.GET("/cache/stats", handler.CacheStats)
	v1.DELETE("/cache", handler.ClearCache)
	v1.DELETE("/cache/:provider", handler.ClearProviderCache)

	v1.PUT("/settings/cache", handler.UpdateCacheSettings)
	v1.PUT("/settings/preload", handler.UpdatePreloadSettings)
	v1.PUT("/settings/offline", handler.UpdateOfflineSettings)

	v1.POST("/viewport", handler.Viewport)

	v1.GET("/providers", handler.Providers)

	v1.POST("/status", handler.CreateStatusCheck)
	v1.GET("/status", handler.ListStatusChecks)

	// Prometheus metrics endpoint
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func ginZapLogger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(logger.WithLogger(c.Request.Context(), l))

		path := c.Request.URL.Path
		if path == "/metrics" || path == "/api/v1/healthz" {
			c.Next()
			return
		}

		start := time.Now()

		c.Next()

		end := time.Now()
		latency := end.Sub(start)

		l.Info("request",
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", path,
			"ip", c.ClientIP(),
			"latency", latency,
			"size", c.Writer.Size(),
		)
	}
}

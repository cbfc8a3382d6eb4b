package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/jonesrussell/bulkjobs/internal/metrics"
	"github.com/jonesrussell/bulkjobs/internal/platform/logger"
)

const corsMaxAgeHours = 12

// NewRouter builds the Gin engine: CORS, request logging, and recovery
// middleware, in that order, then the health check and the five job-engine
// routes. rec may be nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, rec *metrics.Recorder, log logger.Logger) *gin.Engine {
	router := gin.New()

	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Authorization", "Idempotency-Key", "X-Request-ID"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           corsMaxAgeHours * time.Hour,
	}))
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.HEAD("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if rec != nil {
		router.GET("/metrics", gin.WrapH(rec.Handler()))
	}

	h.Register(router)
	return router
}

func ginLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		log.Info("http request",
			logger.String("method", method),
			logger.String("path", path),
			logger.Int("status_code", c.Writer.Status()),
			logger.String("client_ip", c.ClientIP()),
			logger.Duration("duration", time.Since(start)),
		)
	}
}

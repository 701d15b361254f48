package http

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter builds the HTTP surface: logging and per-IP rate limiting in
// front, health probe, then the versioned API.
func NewRouter(log *zap.SugaredLogger, h *Handlers, rps, burst int) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(PerIPRateLimit(rps, burst))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	RegisterHandlers(r, h)
	return r
}

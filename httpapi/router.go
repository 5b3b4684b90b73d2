package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yitech/marketfeed/pkg/logger"
)

// NewRouter wires the handler's routes with recovery and request logging.
func NewRouter(h *Handler, l *logger.Logger) *gin.Engine {
	if l == nil {
		l = logger.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(l))

	r.GET("/health", h.Health)
	r.HEAD("/health", h.Health)

	api := r.Group("/api")
	{
		api.GET("/series", h.Series)
		api.GET("/orderbook", h.Orderbook)
	}
	return r
}

func requestLogger(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.Debug("http request",
			logger.NewField("method", c.Request.Method),
			logger.NewField("path", c.Request.URL.Path),
			logger.NewField("status", c.Writer.Status()),
			logger.NewField("latency", time.Since(start)))
	}
}

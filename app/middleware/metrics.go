package middleware

import (
	"hanbok-fusion/app/metrics"
	"time"

	"github.com/gin-gonic/gin"
)

// Metrics 记录 HTTP 请求指标
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath() // 使用路由模板，避免标签基数过大
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

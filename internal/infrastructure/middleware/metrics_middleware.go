package middleware

import (
	"time"

	"roomcast/internal/infrastructure/monitoring"

	"github.com/gin-gonic/gin"
)

// MetricsMiddleware records request latency per method and route template.
// Unmatched paths collapse into a single label to keep cardinality bounded.
func MetricsMiddleware(metrics *monitoring.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, time.Since(start))
	}
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"realtime-service/internal/telemetry"
)

// ConnectionCounter reports live connections held by this process.
type ConnectionCounter interface {
	ConnectionCount() int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, hub ConnectionCounter, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/connections", func(c *gin.Context) {
		if hub == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "hub not configured"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"local_connections": hub.ConnectionCount()})
	})
}

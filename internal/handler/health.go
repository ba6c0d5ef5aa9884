package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports the availability of the location catalog
type HealthHandler struct {
	catalog Pinger
	timeout time.Duration
}

// NewHealthHandler creates a health handler that pings the catalog
func NewHealthHandler(catalog Pinger) *HealthHandler {
	return &HealthHandler{catalog: catalog, timeout: 2 * time.Second}
}

// Health handles GET /health requests
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	if err := h.catalog.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "catalog unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

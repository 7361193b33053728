package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/maristack/pelorus/pkg/logger"
)

// HealthChecker is implemented by every dependency the health endpoint
// probes.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler reports per-dependency health. Critical dependencies gate
// readiness; optional ones only color the health report.
type HealthHandler struct {
	critical map[string]HealthChecker
	optional map[string]HealthChecker
	logger   logger.Logger
	started  time.Time
}

func NewHealthHandler(critical, optional map[string]HealthChecker, log logger.Logger) *HealthHandler {
	return &HealthHandler{
		critical: critical,
		optional: optional,
		logger:   log,
		started:  time.Now(),
	}
}

// HealthCheck handles GET /health.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	deps := make(map[string]bool, len(h.critical)+len(h.optional))
	healthy := true

	for name, checker := range h.critical {
		ok := checker.HealthCheck(ctx) == nil
		deps[name] = ok
		if !ok {
			healthy = false
		}
	}
	for name, checker := range h.optional {
		deps[name] = checker.HealthCheck(ctx) == nil
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":        healthy,
		"dependencies":   deps,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

// ReadinessCheck handles GET /ready: only the critical dependencies matter.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	for name, checker := range h.critical {
		if err := checker.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"failed": name,
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tessellate-ai/cardinal/pkg/health"
	"github.com/tessellate-ai/cardinal/pkg/version"
)

// healthHandler handles GET /health: the full component report, 503 when any
// probe is failing.
func (s *Server) healthHandler(c *gin.Context) {
	report := s.health.CheckAll(c.Request.Context())

	status := http.StatusOK
	if report.Overall != health.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":     report.Overall,
		"version":    version.GitCommit,
		"components": report.Components,
	})
}

// livenessHandler handles GET /healthz.
func (s *Server) livenessHandler(c *gin.Context) {
	if !s.health.Liveness() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readinessHandler handles GET /readyz.
func (s *Server) readinessHandler(c *gin.Context) {
	if !s.health.Readiness(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// cacheStatsHandler handles GET /api/v1/cache/stats.
func (s *Server) cacheStatsHandler(c *gin.Context) {
	stats, err := s.cache.Stats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type cachePruneRequest struct {
	// MaxAgeHours overrides the configured prune age for this call.
	MaxAgeHours int `json:"max_age_h,omitempty"`
}

// cachePruneHandler handles POST /api/v1/cache/prune. An empty body prunes
// with the configured age.
func (s *Server) cachePruneHandler(c *gin.Context) {
	var req cachePruneRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	maxAge := s.cfg.CachePruneAge()
	if req.MaxAgeHours > 0 {
		maxAge = time.Duration(req.MaxAgeHours) * time.Hour
	}

	pruned, err := s.cache.PruneOlderThan(c.Request.Context(), maxAge)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pruned":    pruned,
		"max_age_h": int(maxAge.Hours()),
	})
}

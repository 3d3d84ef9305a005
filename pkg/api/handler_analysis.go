package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type analyzeFullRequest struct {
	Path string `json:"path" binding:"required"`
}

type analyzeIncrementalRequest struct {
	Path    string `json:"path" binding:"required"`
	BaseRef string `json:"base_ref,omitempty"`
}

// analyzeFullHandler handles POST /api/v1/analyses. The analysis runs
// synchronously on the request context: closing the connection cancels the
// run cooperatively.
func (s *Server) analyzeFullHandler(c *gin.Context) {
	var req analyzeFullRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := s.orch.AnalyzeFull(c.Request.Context(), req.Path)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": summary.SessionID,
		"summary":    summary,
	})
}

// analyzeIncrementalHandler handles POST /api/v1/analyses/incremental.
func (s *Server) analyzeIncrementalHandler(c *gin.Context) {
	var req analyzeIncrementalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.orch.AnalyzeIncremental(c.Request.Context(), req.Path, req.BaseRef)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": result.Summary.SessionID,
		"summary":    result.Summary,
		"git":        result.Git,
		"changes":    result.Changes,
	})
}

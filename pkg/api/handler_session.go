package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tessellate-ai/cardinal/pkg/models"
)

// listSessionsHandler handles GET /api/v1/sessions.
func (s *Server) listSessionsHandler(c *gin.Context) {
	limit, offset := pagination(c)
	filters := &models.SessionFilters{
		Path:   c.Query("path"),
		Mode:   models.AnalysisMode(c.Query("mode")),
		Status: models.SessionStatus(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	}

	result, err := s.store.ListSessions(c.Request.Context(), filters)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *gin.Context) {
	sess, err := s.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

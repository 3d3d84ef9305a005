package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tessellate-ai/cardinal/pkg/models"
)

// listAgentsHandler handles GET /api/v1/agents.
func (s *Server) listAgentsHandler(c *gin.Context) {
	limit, offset := pagination(c)

	scope := models.AgentScope(c.Query("scope"))
	if scope != "" && !scope.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown agent scope: " + string(scope)})
		return
	}

	filters := &models.AgentFilters{
		SessionID: c.Query("session_id"),
		Scope:     scope,
		Status:    models.AgentStatus(c.Query("status")),
		ParentID:  c.Query("parent_id"),
		Limit:     limit,
		Offset:    offset,
	}

	result, err := s.store.ListAgents(c.Request.Context(), filters)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getAgentHandler handles GET /api/v1/agents/:id.
func (s *Server) getAgentHandler(c *gin.Context) {
	agent, err := s.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

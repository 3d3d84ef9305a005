package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tessellate-ai/cardinal/pkg/models"
)

// listCardsHandler handles GET /api/v1/cards.
func (s *Server) listCardsHandler(c *gin.Context) {
	limit, offset := pagination(c)

	cardType := models.CardType(c.Query("type"))
	if cardType != "" && !cardType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown card type: " + string(cardType)})
		return
	}

	filters := &models.CardFilters{
		Type:         cardType,
		Status:       models.CardStatus(c.Query("status")),
		OwnerAgentID: c.Query("owner_agent_id"),
		ParentCardID: c.Query("parent_card_id"),
		SessionID:    c.Query("session_id"),
		Limit:        limit,
		Offset:       offset,
	}

	result, err := s.store.ListCards(c.Request.Context(), filters)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getCardHandler handles GET /api/v1/cards/:id.
func (s *Server) getCardHandler(c *gin.Context) {
	card, err := s.store.GetCard(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

// patchCardHandler handles PATCH /api/v1/cards/:id. Status moves must follow
// the card workflow; illegal edges come back as 409.
func (s *Server) patchCardHandler(c *gin.Context) {
	var patch models.CardPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	patch.Actor = actorFrom(c)

	card, err := s.store.UpdateCard(c.Request.Context(), c.Param("id"), &patch)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, card)
}

// deleteCardHandler handles DELETE /api/v1/cards/:id.
func (s *Server) deleteCardHandler(c *gin.Context) {
	if err := s.store.DeleteCard(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type applyFixRequest struct {
	Actor string `json:"actor,omitempty"`
}

// applyFixHandler handles POST /api/v1/cards/:id/apply-fix. The body is
// optional; an empty one applies the fix as "api".
func (s *Server) applyFixHandler(c *gin.Context) {
	var req applyFixRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Actor == "" {
		req.Actor = actorFrom(c)
	}

	result, err := s.orch.ApplyFix(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"card_id":    result.CardID,
		"file_path":  result.FilePath,
		"backup_ref": result.BackupRef,
	})
}

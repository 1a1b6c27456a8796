package conversations

import (
	"net/http"

	registryroute "github.com/chirino/chat-service/internal/registry/route"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service/history"
	"github.com/chirino/chat-service/internal/service/orchestrator"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MountRoutes mounts the single-conversation routes.
func MountRoutes(r *gin.Engine, hist *history.Service, orch *orchestrator.Orchestrator, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)

	g.GET("/conversations/:conversationId", func(c *gin.Context) {
		getConversation(c, hist)
	})
	g.PATCH("/conversations/:conversationId", func(c *gin.Context) {
		updateConversation(c, hist)
	})
	g.DELETE("/conversations/:conversationId/turns", func(c *gin.Context) {
		deleteTrailingTurns(c, orch)
	})
}

func conversationID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("conversationId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversationId"})
		return uuid.Nil, false
	}
	return id, true
}

func getConversation(c *gin.Context, hist *history.Service) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	conv, err := hist.Conversation(c.Request.Context(), security.GetUserID(c), id)
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func updateConversation(c *gin.Context, hist *history.Service) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req struct {
		Visibility *string `json:"visibility"`
		ModelID    *string `json:"modelId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	conv, err := hist.UpdateConversation(c.Request.Context(), security.GetUserID(c), id, history.Update{
		ModelID:    req.ModelID,
		Visibility: req.Visibility,
	})
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func deleteTrailingTurns(c *gin.Context, orch *orchestrator.Orchestrator) {
	id, ok := conversationID(c)
	if !ok {
		return
	}
	var req struct {
		TurnID string `json:"turnId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "turnId is required"})
		return
	}
	n, err := orch.DeleteTrailingTurns(c.Request.Context(), security.GetUserID(c), id, req.TurnID)
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deleted": n})
}

package chat

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/catalog"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service/orchestrator"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MountRoutes mounts the chat and model catalog routes.
func MountRoutes(r *gin.Engine, orch *orchestrator.Orchestrator, cat *catalog.Catalog, auth gin.HandlerFunc) {
	g := r.Group("/v1", auth)
	g.POST("/chat", func(c *gin.Context) {
		postChat(c, orch)
	})
	g.DELETE("/chat", func(c *gin.Context) {
		deleteChat(c, orch)
	})
	g.GET("/models", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"models": cat.Models(), "defaultModel": cat.DefaultModel()})
	})
}

type chatRequest struct {
	ConversationID string                        `json:"conversationId"`
	History        []orchestrator.HistoryMessage `json:"history"`
	Message        string                        `json:"message"`
	ModelID        string                        `json:"modelId"`
	AttachmentIDs  []string                      `json:"attachmentIds"`
}

func postChat(c *gin.Context, orch *orchestrator.Orchestrator) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	turn := orchestrator.TurnRequest{
		OwnerID: security.GetUserID(c),
		History: req.History,
		Message: req.Message,
		ModelID: req.ModelID,
	}
	if req.ConversationID != "" {
		id, err := uuid.Parse(req.ConversationID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversationId"})
			return
		}
		turn.ConversationID = id
	}
	for _, raw := range req.AttachmentIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attachment id: " + raw})
			return
		}
		turn.AttachmentIDs = append(turn.AttachmentIDs, id)
	}

	sink := orchestrator.NewSSESink(c.Writer)
	if _, err := orch.HandleTurn(c.Request.Context(), turn, sink); err != nil {
		if !sink.Started() {
			registryroute.WriteError(c, err)
			return
		}
		// The error event already ended the stream.
		log.Debug("Chat stream ended with error", "user", turn.OwnerID, "err", err)
	}
}

type deleteRequest struct {
	ConversationID string `json:"conversationId"`
	DeleteAll      bool   `json:"deleteAll"`
}

func deleteChat(c *gin.Context, orch *orchestrator.Orchestrator) {
	var req deleteRequest
	if c.Request.ContentLength != 0 && c.Request.Body != nil && c.Request.Body != http.NoBody {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.ConversationID == "" {
		req.ConversationID = c.Query("id")
	}
	if !req.DeleteAll {
		req.DeleteAll, _ = strconv.ParseBool(c.Query("deleteAll"))
	}
	owner := security.GetUserID(c)

	if req.DeleteAll {
		n, err := orch.DeleteAllConversations(c.Request.Context(), owner)
		if err != nil {
			handleError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "deleted": n})
		return
	}

	if strings.TrimSpace(req.ConversationID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId or deleteAll is required"})
		return
	}
	id, err := uuid.Parse(req.ConversationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversationId"})
		return
	}
	if err := orch.DeleteConversation(c.Request.Context(), owner, id); err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleError reports a delete by a non-owner as 401.
func handleError(c *gin.Context, err error) {
	var forbidden *registrystore.ForbiddenError
	if errors.As(err, &forbidden) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	registryroute.WriteError(c, err)
}

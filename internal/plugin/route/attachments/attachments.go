package attachments

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/model"
	registryroute "github.com/chirino/chat-service/internal/registry/route"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service/attachments"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MountRoutes mounts attachment routes.
func MountRoutes(r *gin.Engine, mgr *attachments.Manager, auth gin.HandlerFunc) {
	v1 := r.Group("/v1", auth)
	v1.POST("/attachments", func(c *gin.Context) {
		upload(c, mgr)
	})
	v1.GET("/attachments/:attachmentId", func(c *gin.Context) {
		getAttachment(c, mgr)
	})
	v1.GET("/attachments/:attachmentId/content", func(c *gin.Context) {
		content(c, mgr)
	})
	v1.DELETE("/attachments/:attachmentId", func(c *gin.Context) {
		deleteAttachment(c, mgr)
	})
}

func upload(c *gin.Context, mgr *attachments.Manager) {
	userID := security.GetUserID(c)

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	defer file.Close()

	turnID := strings.TrimSpace(c.PostForm("turnId"))
	if turnID == "" {
		turnID = strings.TrimSpace(c.PostForm("messageId"))
	}

	att, err := mgr.Upload(c.Request.Context(), attachments.UploadRequest{
		Owner:       userID,
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}

	if turnID != "" {
		if err := mgr.ActivateOnTurn(c.Request.Context(), []uuid.UUID{att.ID}, turnID, userID); err != nil {
			// Left pending; the abandoned sweep reclaims it.
			log.Info("Uploaded attachment could not be bound to turn", "attachmentId", att.ID, "turnId", turnID, "err", err)
			registryroute.WriteError(c, err)
			return
		}
	}

	retrievalURL, err := mgr.RetrievalURL(c.Request.Context(), att)
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":           att.ID,
		"retrievalUrl": retrievalURL,
		"name":         att.Name,
		"contentType":  att.ContentType,
	})
}

func attachmentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("attachmentId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "attachment not found"})
		return uuid.Nil, false
	}
	return id, true
}

func getAttachment(c *gin.Context, mgr *attachments.Manager) {
	id, ok := attachmentID(c)
	if !ok {
		return
	}
	att, err := mgr.Get(c.Request.Context(), id, security.GetUserID(c))
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	resp := toResponse(att)
	if att.Status != model.AttachmentDeleted {
		retrievalURL, err := mgr.RetrievalURL(c.Request.Context(), att)
		if err != nil {
			registryroute.WriteError(c, err)
			return
		}
		resp["retrievalUrl"] = retrievalURL
	}
	c.JSON(http.StatusOK, resp)
}

func content(c *gin.Context, mgr *attachments.Manager) {
	id, ok := attachmentID(c)
	if !ok {
		return
	}
	reader, att, err := mgr.Open(c.Request.Context(), id, security.GetUserID(c))
	if err != nil {
		registryroute.WriteError(c, err)
		return
	}
	defer reader.Close()

	c.Header("Cache-Control", "private, max-age=300, immutable")
	if att.SHA256 != "" {
		etag := fmt.Sprintf("%q", att.SHA256)
		c.Header("ETag", etag)
		if c.GetHeader("If-None-Match") == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}
	c.Header("Content-Type", att.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", att.Name))
	c.Header("Content-Length", strconv.FormatInt(att.Size, 10))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, reader); err != nil {
		log.Debug("Attachment download interrupted", "attachmentId", id, "err", err)
	}
}

func deleteAttachment(c *gin.Context, mgr *attachments.Manager) {
	id, ok := attachmentID(c)
	if !ok {
		return
	}
	if err := mgr.Delete(c.Request.Context(), id, security.GetUserID(c)); err != nil {
		var forbidden *registrystore.ForbiddenError
		if errors.As(err, &forbidden) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		registryroute.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func toResponse(att *model.Attachment) gin.H {
	resp := gin.H{
		"id":          att.ID,
		"name":        att.Name,
		"contentType": att.ContentType,
		"size":        att.Size,
		"status":      att.Status,
		"createdAt":   att.CreatedAt,
	}
	if att.SHA256 != "" {
		resp["sha256"] = att.SHA256
	}
	if att.TurnID != nil {
		resp["turnId"] = *att.TurnID
	}
	return resp
}

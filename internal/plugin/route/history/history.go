package history

import (
	"net/http"

	registryroute "github.com/chirino/chat-service/internal/registry/route"
	"github.com/chirino/chat-service/internal/security"
	"github.com/chirino/chat-service/internal/service/history"
	"github.com/gin-gonic/gin"
)

// MountRoutes mounts GET /v1/history.
func MountRoutes(r *gin.Engine, hist *history.Service, auth gin.HandlerFunc) {
	r.GET("/v1/history", auth, func(c *gin.Context) {
		convs, err := hist.History(c.Request.Context(), security.GetUserID(c))
		if err != nil {
			registryroute.WriteError(c, err)
			return
		}
		c.JSON(http.StatusOK, convs)
	})
}

package route

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"
	registryprovider "github.com/chirino/chat-service/internal/registry/provider"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/gin-gonic/gin"
)

// WriteError maps a service error to its HTTP status and a JSON body of the form
// {"error": message}. Unexpected failures are logged and reported without detail.
func WriteError(c *gin.Context, err error) {
	status, body := ErrorResponse(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "status", status, "err", err)
	}
	c.JSON(status, body)
}

// ErrorResponse returns the status and body WriteError would write.
func ErrorResponse(err error) (int, gin.H) {
	var (
		notFound   *registrystore.NotFoundError
		validation *registrystore.ValidationError
		clientErr  *registrystore.ClientError
		activation *registrystore.ActivationError
		transition *registrystore.InvalidTransitionError
		conflict   *registrystore.ConflictError
		forbidden  *registrystore.ForbiddenError
		provider   *registryprovider.ProviderFault
	)
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound, gin.H{"error": err.Error()}
	case errors.As(err, &validation):
		body := gin.H{"error": validation.Message}
		if validation.Filename != "" {
			body["filename"] = validation.Filename
		} else if validation.Field != "" {
			body["field"] = validation.Field
		}
		return http.StatusBadRequest, body
	case errors.As(err, &clientErr):
		return clientErr.Status, gin.H{"error": clientErr.Message}
	case errors.As(err, &activation):
		return http.StatusBadRequest, gin.H{"error": err.Error()}
	case errors.As(err, &transition), errors.As(err, &conflict):
		return http.StatusConflict, gin.H{"error": err.Error()}
	case errors.As(err, &forbidden):
		return http.StatusForbidden, gin.H{"error": "Forbidden"}
	case errors.As(err, &provider):
		return http.StatusBadGateway, gin.H{"error": "model provider failed"}
	default:
		return http.StatusInternalServerError, gin.H{"error": "Internal server error"}
	}
}

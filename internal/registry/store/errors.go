package store

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/chirino/chat-service/internal/model"
	"github.com/google/uuid"
)

// NotFoundError indicates the resource was not found (or user lacks access).
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure. Filename carries the
// sanitized upload name when the failure concerns an attachment.
type ValidationError struct {
	Field    string
	Message  string
	Filename string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates a uniqueness/conflict violation.
type ConflictError struct {
	Message string
	Code    string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// ForbiddenError indicates the caller is not the owner of the resource.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "forbidden"
}

// ClientError is a request the caller must fix; it is never retried.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return e.Message
}

// BadRequest returns a 400 ClientError.
func BadRequest(format string, args ...any) *ClientError {
	return &ClientError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError reports a rejected attachment status change.
type InvalidTransitionError struct {
	ID   uuid.UUID
	From model.AttachmentStatus
	To   model.AttachmentStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid attachment transition %s -> %s for %s", e.From, e.To, e.ID)
}

// ActivationError lists the attachment ids that could not be activated. The batch
// was rejected as a whole.
type ActivationError struct {
	Invalid []uuid.UUID
}

func (e *ActivationError) Error() string {
	ids := make([]string, len(e.Invalid))
	for i, id := range e.Invalid {
		ids[i] = id.String()
	}
	return "attachments cannot be activated: " + strings.Join(ids, ", ")
}

// StoreFault wraps a persistence or blob failure with the operation and entity involved.
type StoreFault struct {
	Op     string
	Entity string
	ID     string
	Err    error
}

func (e *StoreFault) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Entity, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *StoreFault) Unwrap() error { return e.Err }

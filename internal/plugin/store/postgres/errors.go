package postgres

import (
	"errors"

	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/jackc/pgx/v5/pgconn"
)

// Re-export error types from registry/store for callers that import the plugin directly.
type NotFoundError = registrystore.NotFoundError
type ValidationError = registrystore.ValidationError
type ConflictError = registrystore.ConflictError
type ForbiddenError = registrystore.ForbiddenError

const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

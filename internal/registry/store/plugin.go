package store

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/google/uuid"
)

// ConversationUpdate carries the owner-mutable conversation fields. Nil fields are left unchanged.
type ConversationUpdate struct {
	Title      *string
	ModelID    *string
	Visibility *model.Visibility
}

// AttachmentQuery selects attachments for maintenance sweeps.
type AttachmentQuery struct {
	Status model.AttachmentStatus
	// UpdatedBefore matches records whose updated_at is strictly before this instant.
	UpdatedBefore time.Time
	Limit         int
}

// ChatStore is the persistence port for conversations, turns and attachment records.
type ChatStore interface {
	// Conversations
	CreateConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error)
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error)
	UpdateConversation(ctx context.Context, ownerID string, conversationID uuid.UUID, update ConversationUpdate) (*model.Conversation, error)
	DeleteConversation(ctx context.Context, ownerID string, conversationID uuid.UUID) error
	DeleteConversationsByOwner(ctx context.Context, ownerID string) (int64, error)

	// Turns
	CreateTurn(ctx context.Context, turn model.Turn) (*model.Turn, error)
	GetTurn(ctx context.Context, turnID string) (*model.Turn, error)
	ListTurns(ctx context.Context, conversationID uuid.UUID) ([]model.Turn, error)
	ListTurnsForConversations(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID][]model.Turn, error)
	DeleteTurnsSince(ctx context.Context, conversationID uuid.UUID, since time.Time) (int64, error)

	// Attachments
	CreateAttachment(ctx context.Context, attachment model.Attachment) (*model.Attachment, error)
	GetAttachment(ctx context.Context, attachmentID uuid.UUID) (*model.Attachment, error)
	// ActivateAttachments moves every id from pending to active for the owner in one
	// transaction. If any id is not a pending attachment of ownerID nothing changes and
	// the offending ids are returned.
	ActivateAttachments(ctx context.Context, attachmentIDs []uuid.UUID, turnID string, ownerID string) ([]uuid.UUID, error)
	// SetAttachmentStatus is a compare-and-set on status. It reports false when the
	// record was not in the expected state.
	SetAttachmentStatus(ctx context.Context, attachmentID uuid.UUID, from, to model.AttachmentStatus, turnID *string) (bool, error)
	ListAttachments(ctx context.Context, query AttachmentQuery) ([]model.Attachment, error)
	// ListOrphanedAttachments returns active attachments whose turn no longer exists.
	ListOrphanedAttachments(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Attachment, error)
	PurgeAttachments(ctx context.Context, status model.AttachmentStatus, updatedBefore time.Time) (int64, error)

	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error
}

// Loader creates a ChatStore from config.
type Loader func(ctx context.Context) (ChatStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}

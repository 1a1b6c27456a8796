package model

import (
	"time"

	"github.com/google/uuid"
)

// Visibility controls who may read a conversation.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityPublic
}

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AttachmentStatus is the lifecycle state of an attachment.
type AttachmentStatus string

const (
	AttachmentPending AttachmentStatus = "pending"
	AttachmentActive  AttachmentStatus = "active"
	AttachmentDeleted AttachmentStatus = "deleted"
)

// CanTransition reports whether the lifecycle permits moving from s to target.
// Allowed edges: pending->active, pending->deleted, active->deleted.
func (s AttachmentStatus) CanTransition(target AttachmentStatus) bool {
	switch s {
	case AttachmentPending:
		return target == AttachmentActive || target == AttachmentDeleted
	case AttachmentActive:
		return target == AttachmentDeleted
	default:
		return false
	}
}

// Conversation is an ordered sequence of turns owned by one user.
type Conversation struct {
	ID         uuid.UUID  `json:"id"         gorm:"primaryKey;type:uuid"`
	OwnerID    string     `json:"ownerId"    gorm:"not null;index"`
	Title      string     `json:"title"      gorm:"not null"`
	ModelID    string     `json:"modelId"    gorm:"column:model_id;not null"`
	Visibility Visibility `json:"visibility" gorm:"not null;default:'private'"`
	CreatedAt  time.Time  `json:"createdAt"  gorm:"not null"`
	UpdatedAt  time.Time  `json:"updatedAt"  gorm:"not null"`
}

func (Conversation) TableName() string { return "conversations" }

// Turn is one message within a conversation. IDs are monotonic ULIDs so that
// ordering by (created_at, id) matches insertion order.
type Turn struct {
	ID             string    `json:"id"             gorm:"primaryKey;type:varchar(26)"`
	ConversationID uuid.UUID `json:"conversationId" gorm:"not null;type:uuid;index"`
	Role           Role      `json:"role"           gorm:"not null"`
	Content        string    `json:"content"        gorm:"not null"`
	CreatedAt      time.Time `json:"createdAt"      gorm:"not null"`
}

func (Turn) TableName() string { return "turns" }

// Attachment is a binary object tracked through pending, active and deleted states.
type Attachment struct {
	ID          uuid.UUID        `json:"id"               gorm:"primaryKey;type:uuid"`
	OwnerID     string           `json:"ownerId"          gorm:"not null;index"`
	Name        string           `json:"name"             gorm:"not null"`
	ContentType string           `json:"contentType"      gorm:"not null"`
	Size        int64            `json:"size"             gorm:"not null"`
	SHA256      string           `json:"sha256,omitempty" gorm:"column:sha256"`
	StorageKey  string           `json:"-"                gorm:"not null;uniqueIndex"`
	Status      AttachmentStatus `json:"status"           gorm:"not null;index"`
	TurnID      *string          `json:"turnId,omitempty" gorm:"type:varchar(26);index"`
	CreatedAt   time.Time        `json:"createdAt"        gorm:"not null"`
	UpdatedAt   time.Time        `json:"updatedAt"        gorm:"not null"`
}

func (Attachment) TableName() string { return "attachments" }

// ConversationWithTurns is a conversation together with its ordered turns.
type ConversationWithTurns struct {
	Conversation
	Turns []Turn `json:"turns"`
}

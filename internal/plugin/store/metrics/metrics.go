// Package metrics decorates a ChatStore with latency histograms.
package metrics

import (
	"context"
	"time"

	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
)

// Wrap returns a ChatStore that records StoreLatency for every operation.
func Wrap(inner store.ChatStore) store.ChatStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.ChatStore
}

func observe(op string, start time.Time) {
	security.ObserveStore(op, start)
}

func (m *metricsStore) CreateConversation(ctx context.Context, conv model.Conversation) (*model.Conversation, error) {
	defer observe("create_conversation", time.Now())
	return m.inner.CreateConversation(ctx, conv)
}

func (m *metricsStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, conversationID)
}

func (m *metricsStore) ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	defer observe("list_conversations", time.Now())
	return m.inner.ListConversations(ctx, ownerID)
}

func (m *metricsStore) UpdateConversation(ctx context.Context, ownerID string, conversationID uuid.UUID, update store.ConversationUpdate) (*model.Conversation, error) {
	defer observe("update_conversation", time.Now())
	return m.inner.UpdateConversation(ctx, ownerID, conversationID, update)
}

func (m *metricsStore) DeleteConversation(ctx context.Context, ownerID string, conversationID uuid.UUID) error {
	defer observe("delete_conversation", time.Now())
	return m.inner.DeleteConversation(ctx, ownerID, conversationID)
}

func (m *metricsStore) DeleteConversationsByOwner(ctx context.Context, ownerID string) (int64, error) {
	defer observe("delete_conversations_by_owner", time.Now())
	return m.inner.DeleteConversationsByOwner(ctx, ownerID)
}

func (m *metricsStore) CreateTurn(ctx context.Context, turn model.Turn) (*model.Turn, error) {
	defer observe("create_turn", time.Now())
	return m.inner.CreateTurn(ctx, turn)
}

func (m *metricsStore) GetTurn(ctx context.Context, turnID string) (*model.Turn, error) {
	defer observe("get_turn", time.Now())
	return m.inner.GetTurn(ctx, turnID)
}

func (m *metricsStore) ListTurns(ctx context.Context, conversationID uuid.UUID) ([]model.Turn, error) {
	defer observe("list_turns", time.Now())
	return m.inner.ListTurns(ctx, conversationID)
}

func (m *metricsStore) ListTurnsForConversations(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID][]model.Turn, error) {
	defer observe("list_turns_for_conversations", time.Now())
	return m.inner.ListTurnsForConversations(ctx, conversationIDs)
}

func (m *metricsStore) DeleteTurnsSince(ctx context.Context, conversationID uuid.UUID, since time.Time) (int64, error) {
	defer observe("delete_turns_since", time.Now())
	return m.inner.DeleteTurnsSince(ctx, conversationID, since)
}

func (m *metricsStore) CreateAttachment(ctx context.Context, attachment model.Attachment) (*model.Attachment, error) {
	defer observe("create_attachment", time.Now())
	return m.inner.CreateAttachment(ctx, attachment)
}

func (m *metricsStore) GetAttachment(ctx context.Context, attachmentID uuid.UUID) (*model.Attachment, error) {
	defer observe("get_attachment", time.Now())
	return m.inner.GetAttachment(ctx, attachmentID)
}

func (m *metricsStore) ActivateAttachments(ctx context.Context, attachmentIDs []uuid.UUID, turnID string, ownerID string) ([]uuid.UUID, error) {
	defer observe("activate_attachments", time.Now())
	return m.inner.ActivateAttachments(ctx, attachmentIDs, turnID, ownerID)
}

func (m *metricsStore) SetAttachmentStatus(ctx context.Context, attachmentID uuid.UUID, from, to model.AttachmentStatus, turnID *string) (bool, error) {
	defer observe("set_attachment_status", time.Now())
	return m.inner.SetAttachmentStatus(ctx, attachmentID, from, to, turnID)
}

func (m *metricsStore) ListAttachments(ctx context.Context, query store.AttachmentQuery) ([]model.Attachment, error) {
	defer observe("list_attachments", time.Now())
	return m.inner.ListAttachments(ctx, query)
}

func (m *metricsStore) ListOrphanedAttachments(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Attachment, error) {
	defer observe("list_orphaned_attachments", time.Now())
	return m.inner.ListOrphanedAttachments(ctx, updatedBefore, limit)
}

func (m *metricsStore) PurgeAttachments(ctx context.Context, status model.AttachmentStatus, updatedBefore time.Time) (int64, error) {
	defer observe("purge_attachments", time.Now())
	return m.inner.PurgeAttachments(ctx, status, updatedBefore)
}

var _ store.ChatStore = (*metricsStore)(nil)

func (m *metricsStore) Ping(ctx context.Context) error {
	return m.inner.Ping(ctx)
}

package gormstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/ids"
	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/plugin/store/gormstore"
	"github.com/chirino/chat-service/internal/plugin/store/sqlite"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) (*gormstore.Store, context.Context) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return sqlite.NewStore(db), context.Background()
}

func createConversation(t *testing.T, ctx context.Context, store *gormstore.Store, owner string) *model.Conversation {
	t.Helper()
	conv, err := store.CreateConversation(ctx, model.Conversation{
		ID:      uuid.New(),
		OwnerID: owner,
		Title:   "Test Conversation",
		ModelID: "llama3.3",
	})
	require.NoError(t, err)
	return conv
}

func addTurn(t *testing.T, ctx context.Context, store *gormstore.Store, convID uuid.UUID, role model.Role, content string, at time.Time) *model.Turn {
	t.Helper()
	turn, err := store.CreateTurn(ctx, model.Turn{
		ID:             ids.NewTurnID(at),
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	})
	require.NoError(t, err)
	return turn
}

func TestCreateAndGetConversation(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv := createConversation(t, ctx, store, "user1")
	assert.Equal(t, model.VisibilityPrivate, conv.Visibility)

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Test Conversation", got.Title)
	assert.Equal(t, "user1", got.OwnerID)
	assert.Equal(t, "llama3.3", got.ModelID)

	_, err = store.GetConversation(ctx, uuid.New())
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestCreateConversation_DuplicateIDIsConflict(t *testing.T) {
	store, ctx := setupTestStore(t)
	conv := createConversation(t, ctx, store, "user1")

	_, err := store.CreateConversation(ctx, model.Conversation{ID: conv.ID, OwnerID: "user1", Title: "again", ModelID: "llama3.3"})
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict), "got %v", err)
}

func TestListConversations_NewestFirst(t *testing.T) {
	store, ctx := setupTestStore(t)

	first := createConversation(t, ctx, store, "user2")
	time.Sleep(5 * time.Millisecond)
	second := createConversation(t, ctx, store, "user2")
	createConversation(t, ctx, store, "someone-else")

	convs, err := store.ListConversations(ctx, "user2")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, second.ID, convs[0].ID)
	assert.Equal(t, first.ID, convs[1].ID)
}

func TestUpdateConversation_OwnerOnly(t *testing.T) {
	store, ctx := setupTestStore(t)
	conv := createConversation(t, ctx, store, "owner")

	public := model.VisibilityPublic
	modelID := "deepseek-r1"
	updated, err := store.UpdateConversation(ctx, "owner", conv.ID, registrystore.ConversationUpdate{
		Visibility: &public,
		ModelID:    &modelID,
	})
	require.NoError(t, err)
	assert.Equal(t, model.VisibilityPublic, updated.Visibility)
	assert.Equal(t, "deepseek-r1", updated.ModelID)
	assert.Equal(t, conv.Title, updated.Title)

	_, err = store.UpdateConversation(ctx, "intruder", conv.ID, registrystore.ConversationUpdate{Visibility: &public})
	var forbidden *registrystore.ForbiddenError
	require.True(t, errors.As(err, &forbidden))
}

func TestTurnsOrderedByCreatedAtThenInsertion(t *testing.T) {
	store, ctx := setupTestStore(t)
	conv := createConversation(t, ctx, store, "user")

	at := time.Now().UTC().Truncate(time.Microsecond)
	a := addTurn(t, ctx, store, conv.ID, model.RoleUser, "first", at)
	b := addTurn(t, ctx, store, conv.ID, model.RoleUser, "second", at)
	c := addTurn(t, ctx, store, conv.ID, model.RoleAssistant, "third", at.Add(time.Millisecond))

	turns, err := store.ListTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{turns[0].ID, turns[1].ID, turns[2].ID})

	byConv, err := store.ListTurnsForConversations(ctx, []uuid.UUID{conv.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, byConv[conv.ID], 3)
}

func TestDeleteTurnsSince(t *testing.T) {
	store, ctx := setupTestStore(t)
	conv := createConversation(t, ctx, store, "user")

	base := time.Now().UTC().Add(-time.Minute)
	addTurn(t, ctx, store, conv.ID, model.RoleUser, "q1", base)
	addTurn(t, ctx, store, conv.ID, model.RoleAssistant, "a1", base.Add(time.Second))
	edited := addTurn(t, ctx, store, conv.ID, model.RoleUser, "q2", base.Add(2*time.Second))
	addTurn(t, ctx, store, conv.ID, model.RoleAssistant, "a2", base.Add(3*time.Second))

	n, err := store.DeleteTurnsSince(ctx, conv.ID, edited.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	turns, err := store.ListTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "a1", turns[1].Content)
}

func TestDeleteConversation(t *testing.T) {
	store, ctx := setupTestStore(t)
	conv := createConversation(t, ctx, store, "owner")
	addTurn(t, ctx, store, conv.ID, model.RoleUser, "hello", time.Now())

	var forbidden *registrystore.ForbiddenError
	require.True(t, errors.As(store.DeleteConversation(ctx, "other", conv.ID), &forbidden))

	require.NoError(t, store.DeleteConversation(ctx, "owner", conv.ID))
	turns, err := store.ListTurns(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)

	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(store.DeleteConversation(ctx, "owner", conv.ID), &notFound))
}

func TestDeleteConversationsByOwner(t *testing.T) {
	store, ctx := setupTestStore(t)
	a := createConversation(t, ctx, store, "owner")
	b := createConversation(t, ctx, store, "owner")
	keep := createConversation(t, ctx, store, "other")
	addTurn(t, ctx, store, a.ID, model.RoleUser, "x", time.Now())
	addTurn(t, ctx, store, b.ID, model.RoleUser, "y", time.Now())
	addTurn(t, ctx, store, keep.ID, model.RoleUser, "z", time.Now())

	n, err := store.DeleteConversationsByOwner(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Idempotent.
	n, err = store.DeleteConversationsByOwner(ctx, "owner")
	require.NoError(t, err)
	assert.Zero(t, n)

	turns, err := store.ListTurns(ctx, keep.ID)
	require.NoError(t, err)
	assert.Len(t, turns, 1)
}

func newAttachment(owner string) model.Attachment {
	id := uuid.New()
	return model.Attachment{
		ID:          id,
		OwnerID:     owner,
		Name:        "a.png",
		ContentType: "image/png",
		Size:        1024,
		StorageKey:  "uploads/" + owner + "/" + id.String() + ".png",
	}
}

func TestActivateAttachments_AllOrNothing(t *testing.T) {
	store, ctx := setupTestStore(t)

	a, err := store.CreateAttachment(ctx, newAttachment("u1"))
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentPending, a.Status)
	b, err := store.CreateAttachment(ctx, newAttachment("u1"))
	require.NoError(t, err)
	foreign, err := store.CreateAttachment(ctx, newAttachment("u2"))
	require.NoError(t, err)

	invalid, err := store.ActivateAttachments(ctx, []uuid.UUID{a.ID, foreign.ID}, "turn-1", "u1")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{foreign.ID}, invalid)

	got, err := store.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentPending, got.Status, "batch must not partially apply")

	invalid, err = store.ActivateAttachments(ctx, []uuid.UUID{a.ID, b.ID, a.ID}, "turn-1", "u1")
	require.NoError(t, err)
	assert.Empty(t, invalid)

	got, err = store.GetAttachment(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentActive, got.Status)
	require.NotNil(t, got.TurnID)
	assert.Equal(t, "turn-1", *got.TurnID)

	// Already active ids are invalid for a second activation.
	invalid, err = store.ActivateAttachments(ctx, []uuid.UUID{a.ID}, "turn-2", "u1")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID}, invalid)
}

func TestSetAttachmentStatus_CompareAndSet(t *testing.T) {
	store, ctx := setupTestStore(t)
	a, err := store.CreateAttachment(ctx, newAttachment("u1"))
	require.NoError(t, err)

	ok, err := store.SetAttachmentStatus(ctx, a.ID, model.AttachmentPending, model.AttachmentDeleted, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.SetAttachmentStatus(ctx, a.ID, model.AttachmentPending, model.AttachmentDeleted, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentDeleted, got.Status)
	assert.Nil(t, got.TurnID)
}

func TestListAndPurgeAttachments(t *testing.T) {
	store, ctx := setupTestStore(t)
	a, err := store.CreateAttachment(ctx, newAttachment("u1"))
	require.NoError(t, err)
	_, err = store.CreateAttachment(ctx, newAttachment("u1"))
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	pending, err := store.ListAttachments(ctx, registrystore.AttachmentQuery{Status: model.AttachmentPending, UpdatedBefore: future})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	pending, err = store.ListAttachments(ctx, registrystore.AttachmentQuery{Status: model.AttachmentPending, UpdatedBefore: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = store.SetAttachmentStatus(ctx, a.ID, model.AttachmentPending, model.AttachmentDeleted, nil)
	require.NoError(t, err)

	n, err := store.PurgeAttachments(ctx, model.AttachmentDeleted, future)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetAttachment(ctx, a.ID)
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestListOrphanedAttachments(t *testing.T) {
	store, ctx := setupTestStore(t)
	conv := createConversation(t, ctx, store, "u1")
	turn := addTurn(t, ctx, store, conv.ID, model.RoleUser, "see attached", time.Now())

	kept, err := store.CreateAttachment(ctx, newAttachment("u1"))
	require.NoError(t, err)
	orphan, err := store.CreateAttachment(ctx, newAttachment("u1"))
	require.NoError(t, err)

	invalid, err := store.ActivateAttachments(ctx, []uuid.UUID{kept.ID}, turn.ID, "u1")
	require.NoError(t, err)
	require.Empty(t, invalid)
	invalid, err = store.ActivateAttachments(ctx, []uuid.UUID{orphan.ID}, ids.NewTurnID(time.Now()), "u1")
	require.NoError(t, err)
	require.Empty(t, invalid)

	orphans, err := store.ListOrphanedAttachments(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, orphan.ID, orphans[0].ID)
}

func TestPingReportsClosedDatabase(t *testing.T) {
	store, ctx := setupTestStore(t)
	require.NoError(t, store.Ping(ctx))

	sqlDB, err := store.DB().DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	assert.Error(t, store.Ping(ctx))
}

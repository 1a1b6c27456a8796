package postgres_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/ids"
	"github.com/chirino/chat-service/internal/model"
	registrymigrate "github.com/chirino/chat-service/internal/registry/migrate"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/testutil/testpg"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/chirino/chat-service/internal/plugin/store/postgres"
)

func setupTestStore(t *testing.T) (registrystore.ChatStore, context.Context) {
	t.Helper()

	cfg := testpg.Config(t)
	ctx, cancel := context.WithCancel(config.WithContext(context.Background(), cfg))
	t.Cleanup(cancel)

	require.NoError(t, registrymigrate.RunAll(ctx))

	loader, err := registrystore.Select("postgres")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Ping(ctx))
	return store, ctx
}

func TestPostgresConversationLifecycle(t *testing.T) {
	store, ctx := setupTestStore(t)

	conv, err := store.CreateConversation(ctx, model.Conversation{OwnerID: "user1", Title: "Hello", ModelID: "llama3.3"})
	require.NoError(t, err)

	_, err = store.CreateConversation(ctx, model.Conversation{ID: conv.ID, OwnerID: "user1", Title: "Dup", ModelID: "llama3.3"})
	var conflict *registrystore.ConflictError
	require.True(t, errors.As(err, &conflict), "expected conflict, got %v", err)

	at := time.Now().UTC()
	first, err := store.CreateTurn(ctx, model.Turn{ID: ids.NewTurnID(at), ConversationID: conv.ID, Role: model.RoleUser, Content: "hi", CreatedAt: at})
	require.NoError(t, err)
	second, err := store.CreateTurn(ctx, model.Turn{ID: ids.NewTurnID(at), ConversationID: conv.ID, Role: model.RoleAssistant, Content: "hello", CreatedAt: at})
	require.NoError(t, err)

	turns, err := store.ListTurns(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, first.ID, turns[0].ID)
	assert.Equal(t, second.ID, turns[1].ID)
	assert.True(t, turns[0].CreatedAt.Equal(first.CreatedAt))

	require.NoError(t, store.DeleteConversation(ctx, "user1", conv.ID))
	_, err = store.GetConversation(ctx, conv.ID)
	var notFound *registrystore.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestPostgresConcurrentActivationHasOneWinner(t *testing.T) {
	store, ctx := setupTestStore(t)

	a, err := store.CreateAttachment(ctx, model.Attachment{
		OwnerID:     "user1",
		Name:        "photo.jpg",
		ContentType: "image/jpeg",
		Size:        10,
		StorageKey:  "uploads/user1/photo.jpg",
	})
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turnID := ids.NewTurnID(time.Now())
			invalid, err := store.ActivateAttachments(ctx, []uuid.UUID{a.ID}, turnID, "user1")
			if err == nil && len(invalid) == 0 {
				wins <- turnID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	require.Len(t, winners, 1)

	got, err := store.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentActive, got.Status)
	require.NotNil(t, got.TurnID)
	assert.Equal(t, winners[0], *got.TurnID)
}

func TestPostgresStatusCheckConstraint(t *testing.T) {
	store, ctx := setupTestStore(t)

	a, err := store.CreateAttachment(ctx, model.Attachment{
		OwnerID:     "user1",
		Name:        "notes.txt",
		ContentType: "text/plain",
		Size:        3,
		StorageKey:  "uploads/user1/notes.txt",
	})
	require.NoError(t, err)

	// active without a turn violates attachments_turn_iff_active
	_, err = store.SetAttachmentStatus(ctx, a.ID, model.AttachmentPending, model.AttachmentActive, nil)
	require.Error(t, err)
	var fault *registrystore.StoreFault
	assert.True(t, errors.As(err, &fault))

	got, err := store.GetAttachment(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentPending, got.Status)
}

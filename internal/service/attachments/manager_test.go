package attachments

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/ids"
	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/plugin/store/sqlite"
	registryattach "github.com/chirino/chat-service/internal/registry/attach"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBlobStore is an in-memory BlobStore with switchable faults.
type memBlobStore struct {
	mu         sync.Mutex
	blobs      map[string][]byte
	failStore  bool
	failDelete bool
	sign       bool
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: map[string][]byte{}}
}

func (s *memBlobStore) Store(_ context.Context, key string, data io.Reader, maxSize int64, _ string) (*registryattach.FileStoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStore {
		return nil, errors.New("bucket unavailable")
	}
	b, err := io.ReadAll(io.LimitReader(data, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxSize {
		return nil, registryattach.ErrTooLarge
	}
	s.blobs[key] = b
	return &registryattach.FileStoreResult{StorageKey: key, Size: int64(len(b)), SHA256: "sha"}, nil
}

func (s *memBlobStore) Retrieve(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *memBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDelete {
		return errors.New("bucket unavailable")
	}
	delete(s.blobs, key)
	return nil
}

func (s *memBlobStore) GetSignedURL(_ context.Context, key string, _ time.Duration) (*url.URL, error) {
	if !s.sign {
		return nil, registryattach.ErrSignedURLUnsupported
	}
	return url.Parse("https://bucket.example.com/" + key + "?X-Amz-Signature=abc")
}

func (s *memBlobStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key]
	return ok
}

func (s *memBlobStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

type fixture struct {
	ctx   context.Context
	store registrystore.ChatStore
	blobs *memBlobStore
	mgr   *Manager
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store := sqlite.NewStore(db)
	blobs := newMemBlobStore()
	return &fixture{
		ctx:   context.Background(),
		store: store,
		blobs: blobs,
		mgr:   NewManager(store, blobs, Options{MaxSize: 10 * 1024 * 1024}),
	}
}

func (f *fixture) uploadPNG(t *testing.T, owner string) *model.Attachment {
	t.Helper()
	att, err := f.mgr.Upload(f.ctx, UploadRequest{
		Owner:       owner,
		Name:        "a.png",
		ContentType: "image/png",
		Size:        int64(len(pngHeader)),
		Body:        bytes.NewReader(pngHeader),
	})
	require.NoError(t, err)
	return att
}

func (f *fixture) newTurn(t *testing.T, owner string) string {
	t.Helper()
	conv, err := f.store.CreateConversation(f.ctx, model.Conversation{OwnerID: owner, Title: "t", ModelID: "llama3.3"})
	require.NoError(t, err)
	turn, err := f.store.CreateTurn(f.ctx, model.Turn{
		ID:             ids.NewTurnID(time.Now()),
		ConversationID: conv.ID,
		Role:           model.RoleUser,
		Content:        "see attached",
	})
	require.NoError(t, err)
	return turn.ID
}

func TestUploadStoresBlobThenPendingRecord(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")

	assert.Equal(t, model.AttachmentPending, att.Status)
	assert.Nil(t, att.TurnID)
	assert.Equal(t, "a.png", att.Name)
	assert.Equal(t, "image/png", att.ContentType)
	assert.True(t, strings.HasPrefix(att.StorageKey, "uploads/u1/"+att.ID.String()))
	assert.True(t, strings.HasSuffix(att.StorageKey, ".png"))
	assert.True(t, f.blobs.has(att.StorageKey))
	assert.Equal(t, int64(len(pngHeader)), att.Size)
}

func TestUploadRejectsInvalidFilesWithoutWriting(t *testing.T) {
	f := setup(t)

	_, err := f.mgr.Upload(f.ctx, UploadRequest{Owner: "u1", Name: "evil file.exe", ContentType: "application/octet-stream", Size: 3, Body: strings.NewReader("MZ!")})
	var verr *registrystore.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "evil_file.exe", verr.Filename)
	assert.Equal(t, MsgInvalidType, verr.Message)

	_, err = f.mgr.Upload(f.ctx, UploadRequest{Owner: "u1", Name: "fake.png", ContentType: "image/png", Size: 5, Body: strings.NewReader("hello")})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, MsgContentMismatch, verr.Message)

	assert.Zero(t, f.blobs.count())
}

func TestUploadEnforcesSizeWhileStreaming(t *testing.T) {
	f := setup(t)
	f.mgr.maxSize = 8

	_, err := f.mgr.Upload(f.ctx, UploadRequest{Owner: "u1", Name: "long.txt", ContentType: "text/plain", Size: -1, Body: strings.NewReader("0123456789")})
	var verr *registrystore.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Message, "File size exceeds maximum allowed size")
	assert.Zero(t, f.blobs.count())
}

func TestUploadWithFailingBlobStoreCreatesNoRecord(t *testing.T) {
	f := setup(t)
	f.blobs.failStore = true

	_, err := f.mgr.Upload(f.ctx, UploadRequest{Owner: "u1", Name: "a.png", ContentType: "image/png", Size: 16, Body: bytes.NewReader(pngHeader)})
	var fault *registrystore.StoreFault
	require.True(t, errors.As(err, &fault))

	pending, err := f.store.ListAttachments(f.ctx, registrystore.AttachmentQuery{Status: model.AttachmentPending, UpdatedBefore: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestActivateDeleteActivate(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")
	turnID := f.newTurn(t, "u1")

	require.NoError(t, f.mgr.Activate(f.ctx, []uuid.UUID{att.ID}, turnID, "u1"))
	got, err := f.mgr.Get(f.ctx, att.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentActive, got.Status)
	require.NotNil(t, got.TurnID)
	assert.Equal(t, turnID, *got.TurnID)

	require.NoError(t, f.mgr.Delete(f.ctx, att.ID, "u1"))
	assert.False(t, f.blobs.has(att.StorageKey))

	err = f.mgr.Activate(f.ctx, []uuid.UUID{att.ID}, turnID, "u1")
	var actErr *registrystore.ActivationError
	require.True(t, errors.As(err, &actErr))
	assert.Equal(t, []uuid.UUID{att.ID}, actErr.Invalid)
}

func TestActivateIsAllOrNothing(t *testing.T) {
	f := setup(t)
	mine := f.uploadPNG(t, "u1")
	theirs := f.uploadPNG(t, "u2")
	turnID := f.newTurn(t, "u1")

	err := f.mgr.Activate(f.ctx, []uuid.UUID{mine.ID, theirs.ID}, turnID, "u1")
	var actErr *registrystore.ActivationError
	require.True(t, errors.As(err, &actErr))
	assert.Equal(t, []uuid.UUID{theirs.ID}, actErr.Invalid)

	got, err := f.mgr.Get(f.ctx, mine.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentPending, got.Status)
}

func TestTransitionLattice(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")
	turnID := f.newTurn(t, "u1")

	_, err := f.mgr.Transition(f.ctx, att.ID, "u1", model.AttachmentActive, nil)
	var clientErr *registrystore.ClientError
	require.True(t, errors.As(err, &clientErr))

	_, err = f.mgr.Transition(f.ctx, att.ID, "u1", model.AttachmentActive, &turnID)
	require.NoError(t, err)

	var invalid *registrystore.InvalidTransitionError
	_, err = f.mgr.Transition(f.ctx, att.ID, "u1", model.AttachmentPending, nil)
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, model.AttachmentActive, invalid.From)
	assert.Equal(t, model.AttachmentPending, invalid.To)

	_, err = f.mgr.Transition(f.ctx, att.ID, "u1", model.AttachmentDeleted, nil)
	require.NoError(t, err)

	for _, target := range []model.AttachmentStatus{model.AttachmentPending, model.AttachmentActive, model.AttachmentDeleted} {
		_, err = f.mgr.Transition(f.ctx, att.ID, "u1", target, &turnID)
		require.True(t, errors.As(err, &invalid), "deleted -> %s", target)
	}
}

func TestDeleteWithFailingBlobDeleteKeepsStatus(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")
	f.blobs.failDelete = true

	err := f.mgr.Delete(f.ctx, att.ID, "u1")
	var fault *registrystore.StoreFault
	require.True(t, errors.As(err, &fault))

	got, err := f.mgr.Get(f.ctx, att.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentPending, got.Status)
	assert.True(t, f.blobs.has(att.StorageKey))
}

func TestDeleteIsIdempotentAndOwnerScoped(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")

	var forbidden *registrystore.ForbiddenError
	require.True(t, errors.As(f.mgr.Delete(f.ctx, att.ID, "u2"), &forbidden))
	assert.True(t, f.blobs.has(att.StorageKey))
	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(f.mgr.Delete(f.ctx, uuid.New(), "u1"), &notFound))

	require.NoError(t, f.mgr.Delete(f.ctx, att.ID, "u1"))
	f.blobs.failDelete = true
	require.NoError(t, f.mgr.Delete(f.ctx, att.ID, "u1"), "second delete has no side effects")
}

func TestConcurrentDeletesBothSucceed(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.mgr.Delete(f.ctx, att.ID, "u1")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}
	got, err := f.mgr.Get(f.ctx, att.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentDeleted, got.Status)
}

func TestReclaimAbandoned(t *testing.T) {
	f := setup(t)
	old := f.uploadPNG(t, "u1")
	active := f.uploadPNG(t, "u1")
	require.NoError(t, f.mgr.Activate(f.ctx, []uuid.UUID{active.ID}, f.newTurn(t, "u1"), "u1"))

	n, err := f.mgr.ReclaimAbandoned(f.ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh uploads are not abandoned")

	f.mgr.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	n, err = f.mgr.ReclaimAbandoned(f.ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.blobs.has(old.StorageKey))
	assert.True(t, f.blobs.has(active.StorageKey))

	n, err = f.mgr.ReclaimAbandoned(f.ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReclaimAbandonedSkipsBlobFailures(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")
	f.blobs.failDelete = true
	f.mgr.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	n, err := f.mgr.ReclaimAbandoned(f.ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := f.mgr.Get(f.ctx, att.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentPending, got.Status)
}

// activateBeforeReclaim activates the attachment onto a turn just before the first
// pending to deleted status update, after the sweep has listed it.
type activateBeforeReclaim struct {
	registrystore.ChatStore
	activate func()
}

func (s *activateBeforeReclaim) SetAttachmentStatus(ctx context.Context, id uuid.UUID, from, to model.AttachmentStatus, turnID *string) (bool, error) {
	if from == model.AttachmentPending && to == model.AttachmentDeleted && s.activate != nil {
		activate := s.activate
		s.activate = nil
		activate()
	}
	return s.ChatStore.SetAttachmentStatus(ctx, id, from, to, turnID)
}

func TestReclaimAbandonedWinsOverConcurrentActivation(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")
	turnID := f.newTurn(t, "u1")

	racing := &activateBeforeReclaim{ChatStore: f.store}
	racing.activate = func() {
		invalid, err := f.store.ActivateAttachments(f.ctx, []uuid.UUID{att.ID}, turnID, "u1")
		require.NoError(t, err)
		require.Empty(t, invalid)
	}
	mgr := NewManager(racing, f.blobs, Options{MaxSize: 10 * 1024 * 1024})
	mgr.now = func() time.Time { return time.Now().Add(25 * time.Hour) }

	n, err := mgr.ReclaimAbandoned(f.ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Nil(t, racing.activate, "activation ran before the status update")

	got, err := f.store.GetAttachment(f.ctx, att.ID)
	require.NoError(t, err)
	assert.False(t, f.blobs.has(att.StorageKey))
	assert.Equal(t, model.AttachmentDeleted, got.Status, "a record whose blob is gone must not stay live")
	assert.Nil(t, got.TurnID)
}

func TestReclaimOrphanedAndPurge(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")
	turnID := f.newTurn(t, "u1")
	require.NoError(t, f.mgr.Activate(f.ctx, []uuid.UUID{att.ID}, turnID, "u1"))

	turn, err := f.store.GetTurn(f.ctx, turnID)
	require.NoError(t, err)
	require.NoError(t, f.store.DeleteConversation(f.ctx, "u1", turn.ConversationID))

	f.mgr.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	n, err := f.mgr.ReclaimOrphaned(f.ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, f.blobs.has(att.StorageKey))

	got, err := f.mgr.Get(f.ctx, att.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentDeleted, got.Status)
	assert.Nil(t, got.TurnID)

	purged, err := f.mgr.PurgeDeleted(f.ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, purged)

	f.mgr.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	purged, err = f.mgr.PurgeDeleted(f.ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestRetrievalURL(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")

	u, err := f.mgr.RetrievalURL(f.ctx, att)
	require.NoError(t, err)
	assert.Equal(t, "/v1/attachments/"+att.ID.String()+"/content", u)

	f.blobs.sign = true
	u, err = f.mgr.RetrievalURL(f.ctx, att)
	require.NoError(t, err)
	assert.Contains(t, u, "X-Amz-Signature")
}

func TestOpenStreamsBlob(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")

	rc, got, err := f.mgr.Open(f.ctx, att.ID, "u1")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, pngHeader, data)
	assert.Equal(t, att.ID, got.ID)

	require.NoError(t, f.mgr.Delete(f.ctx, att.ID, "u1"))
	_, _, err = f.mgr.Open(f.ctx, att.ID, "u1")
	var notFound *registrystore.NotFoundError
	assert.True(t, errors.As(err, &notFound))
}

func TestActivateOnTurnChecksOwnership(t *testing.T) {
	f := setup(t)
	att := f.uploadPNG(t, "u1")
	othersTurn := f.newTurn(t, "u2")

	var notFound *registrystore.NotFoundError
	require.True(t, errors.As(f.mgr.ActivateOnTurn(f.ctx, []uuid.UUID{att.ID}, othersTurn, "u1"), &notFound))

	require.NoError(t, f.mgr.ActivateOnTurn(f.ctx, []uuid.UUID{att.ID}, f.newTurn(t, "u1"), "u1"))
}

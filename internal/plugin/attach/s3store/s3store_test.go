package s3store_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/config"
	registryattach "github.com/chirino/chat-service/internal/registry/attach"
	"github.com/chirino/chat-service/internal/testutil/tests3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/chirino/chat-service/internal/plugin/attach/s3store"
)

func loadStore(t *testing.T) (registryattach.BlobStore, context.Context) {
	t.Helper()
	cfg := tests3.Config(t)
	ctx := config.WithContext(context.Background(), cfg)

	loader, err := registryattach.Select("s3")
	require.NoError(t, err)
	store, err := loader(ctx)
	require.NoError(t, err)
	return store, ctx
}

func TestS3StoreRoundTrip(t *testing.T) {
	store, ctx := loadStore(t)

	key := "uploads/user1/2b9a4e0e-8f7c-4d1a-9a6e-1b2c3d4e5f60.txt"
	res, err := store.Store(ctx, key, strings.NewReader("hello"), 1024, "text/plain")
	require.NoError(t, err)
	assert.Equal(t, key, res.StorageKey)
	assert.Equal(t, int64(5), res.Size)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", res.SHA256)

	rc, err := store.Retrieve(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))

	signed, err := store.GetSignedURL(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.Contains(t, signed.Path, "/chat/uploads/user1/")
	assert.NotEmpty(t, signed.Query().Get("X-Amz-Signature"))

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key), "deleting a missing key is not an error")

	_, err = store.Retrieve(ctx, key)
	assert.Error(t, err)
}

func TestS3StoreRejectsOversizedBlob(t *testing.T) {
	store, ctx := loadStore(t)

	_, err := store.Store(ctx, "uploads/user1/big.bin", strings.NewReader("0123456789"), 4, "application/octet-stream")
	require.True(t, errors.Is(err, registryattach.ErrTooLarge))
}

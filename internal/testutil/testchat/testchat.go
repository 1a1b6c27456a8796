// Package testchat assembles the chat API over SQLite, an in-memory blob store and a
// scripted model provider for HTTP-level tests.
package testchat

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chirino/chat-service/internal/catalog"
	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/plugin/route/attachments"
	"github.com/chirino/chat-service/internal/plugin/route/chat"
	"github.com/chirino/chat-service/internal/plugin/route/conversations"
	routehistory "github.com/chirino/chat-service/internal/plugin/route/history"
	"github.com/chirino/chat-service/internal/plugin/store/sqlite"
	registryattach "github.com/chirino/chat-service/internal/registry/attach"
	registryprovider "github.com/chirino/chat-service/internal/registry/provider"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	serviceattachments "github.com/chirino/chat-service/internal/service/attachments"
	"github.com/chirino/chat-service/internal/service/history"
	"github.com/chirino/chat-service/internal/service/orchestrator"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// Harness is a fully wired router and the parts tests poke at directly.
type Harness struct {
	Router      *gin.Engine
	Store       registrystore.ChatStore
	Blobs       *MemBlobStore
	Provider    *Provider
	Attachments *serviceattachments.Manager
	History     *history.Service
}

// New builds a Harness. Requests authenticate with "Authorization: Bearer <user>".
func New(t testing.TB) *Harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	store := sqlite.NewStore(db)

	cat, err := catalog.New([]string{"llama3.3", "llama3.2-vision", "deepseek-r1"}, "llama3.3", "llama3.2-vision")
	require.NoError(t, err)

	h := &Harness{
		Store:    store,
		Blobs:    NewMemBlobStore(),
		Provider: &Provider{Deltas: []string{"Hi", " there"}, Title: "Test chat"},
	}
	h.Attachments = serviceattachments.NewManager(store, h.Blobs, serviceattachments.Options{})
	h.History = history.New(store, nil, cat, time.Minute)
	orch := orchestrator.New(store, h.Attachments, h.Provider, cat, h.History, orchestrator.Options{TitleTimeout: time.Second})

	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeTesting
	auth := security.AuthMiddleware(security.NewTokenResolver(&cfg))

	r := gin.New()
	chat.MountRoutes(r, orch, cat, auth)
	conversations.MountRoutes(r, h.History, orch, auth)
	routehistory.MountRoutes(r, h.History, auth)
	attachments.MountRoutes(r, h.Attachments, auth)
	h.Router = r
	return h
}

// MemBlobStore keeps blobs in memory.
type MemBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	// Sign makes GetSignedURL return presigned-style URLs.
	Sign bool
}

func NewMemBlobStore() *MemBlobStore {
	return &MemBlobStore{blobs: map[string][]byte{}}
}

func (s *MemBlobStore) Store(_ context.Context, key string, data io.Reader, maxSize int64, _ string) (*registryattach.FileStoreResult, error) {
	b, err := io.ReadAll(io.LimitReader(data, maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > maxSize {
		return nil, registryattach.ErrTooLarge
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = b
	return &registryattach.FileStoreResult{StorageKey: key, Size: int64(len(b))}, nil
}

func (s *MemBlobStore) Retrieve(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *MemBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *MemBlobStore) GetSignedURL(_ context.Context, key string, _ time.Duration) (*url.URL, error) {
	if !s.Sign {
		return nil, registryattach.ErrSignedURLUnsupported
	}
	return url.Parse("https://bucket.example.com/" + key + "?X-Amz-Signature=test")
}

// Len returns the number of stored blobs.
func (s *MemBlobStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Provider replays Deltas for every stream and answers completions with Title.
// A non-nil Err is returned after the deltas instead of end of stream.
type Provider struct {
	mu       sync.Mutex
	Deltas   []string
	Err      error
	Title    string
	requests []registryprovider.Request
}

func (p *Provider) Stream(ctx context.Context, req registryprovider.Request) (registryprovider.DeltaStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return &stream{ctx: ctx, deltas: append([]string(nil), p.Deltas...), err: p.Err}, nil
}

func (p *Provider) Complete(context.Context, registryprovider.Request) (string, error) {
	return p.Title, nil
}

// Requests returns the stream requests seen so far.
func (p *Provider) Requests() []registryprovider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]registryprovider.Request(nil), p.requests...)
}

type stream struct {
	ctx    context.Context
	deltas []string
	err    error
}

func (s *stream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", err
	}
	if len(s.deltas) > 0 {
		d := s.deltas[0]
		s.deltas = s.deltas[1:]
		return d, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *stream) Close() error { return nil }

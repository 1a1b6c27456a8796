// Package history serves an owner's conversations with their turns, cache-aside
// over the configured history cache.
package history

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/chat-service/internal/catalog"
	"github.com/chirino/chat-service/internal/model"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	registrystore "github.com/chirino/chat-service/internal/registry/store"
	"github.com/chirino/chat-service/internal/security"
	"github.com/google/uuid"
)

// Service reads and updates conversations on behalf of a caller.
type Service struct {
	store   registrystore.ChatStore
	cache   registrycache.HistoryCache
	catalog *catalog.Catalog
	ttl     time.Duration

	// generations counts invalidations per owner so a read that raced a write does not
	// cache what it loaded. Other replicas sharing the cache are only bounded by ttl.
	generations sync.Map
}

// New returns a Service. cache may be nil.
func New(store registrystore.ChatStore, cache registrycache.HistoryCache, cat *catalog.Catalog, ttl time.Duration) *Service {
	return &Service{store: store, cache: cache, catalog: cat, ttl: ttl}
}

func (s *Service) generation(owner string) *atomic.Uint64 {
	v, _ := s.generations.LoadOrStore(owner, new(atomic.Uint64))
	return v.(*atomic.Uint64)
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.cache.Available()
}

// History returns the owner's conversations newest first, each with its turns in order.
func (s *Service) History(ctx context.Context, owner string) ([]model.ConversationWithTurns, error) {
	gen := s.generation(owner)
	seen := gen.Load()
	if s.cacheEnabled() {
		cached, ok, err := s.cache.Get(ctx, owner)
		if err != nil {
			log.Warn("History cache read failed", "owner", owner, "err", err)
		}
		security.RecordCacheLookup(ok)
		if ok {
			return cached, nil
		}
	}

	convs, err := s.store.ListConversations(ctx, owner)
	if err != nil {
		return nil, err
	}
	history := make([]model.ConversationWithTurns, 0, len(convs))
	if len(convs) > 0 {
		ids := make([]uuid.UUID, len(convs))
		for i, c := range convs {
			ids[i] = c.ID
		}
		turns, err := s.store.ListTurnsForConversations(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, c := range convs {
			t := turns[c.ID]
			if t == nil {
				t = []model.Turn{}
			}
			history = append(history, model.ConversationWithTurns{Conversation: c, Turns: t})
		}
	}

	if s.cacheEnabled() && gen.Load() == seen {
		if err := s.cache.Set(ctx, owner, history, s.ttl); err != nil {
			log.Warn("History cache write failed", "owner", owner, "err", err)
		}
		// An invalidation that slipped in between the check and the write.
		if gen.Load() != seen {
			s.dropCached(ctx, owner)
		}
	}
	return history, nil
}

// Invalidate drops the owner's cached history and keeps in-flight reads from caching
// what they loaded. Failures are logged; the entry then expires with its TTL.
func (s *Service) Invalidate(ctx context.Context, owner string) {
	s.generation(owner).Add(1)
	s.dropCached(ctx, owner)
}

func (s *Service) dropCached(ctx context.Context, owner string) {
	if !s.cacheEnabled() {
		return
	}
	if err := s.cache.Invalidate(ctx, owner); err != nil {
		log.Warn("History cache invalidation failed", "owner", owner, "err", err)
	}
}

// Conversation returns one conversation with its turns. Non-owners may read public
// conversations only; anything else is reported as not found.
func (s *Service) Conversation(ctx context.Context, viewer string, id uuid.UUID) (*model.ConversationWithTurns, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.OwnerID != viewer && conv.Visibility != model.VisibilityPublic {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: id.String()}
	}
	turns, err := s.store.ListTurns(ctx, id)
	if err != nil {
		return nil, err
	}
	if turns == nil {
		turns = []model.Turn{}
	}
	return &model.ConversationWithTurns{Conversation: *conv, Turns: turns}, nil
}

// Update holds the owner-editable settings of a conversation.
type Update struct {
	ModelID    *string
	Visibility *string
}

// UpdateConversation changes the model or visibility of an owned conversation.
func (s *Service) UpdateConversation(ctx context.Context, owner string, id uuid.UUID, u Update) (*model.Conversation, error) {
	var update registrystore.ConversationUpdate
	if u.ModelID != nil {
		m, ok := s.catalog.Resolve(*u.ModelID)
		if !ok || *u.ModelID == "" {
			return nil, &registrystore.ClientError{Status: http.StatusBadRequest, Message: "Model not found"}
		}
		update.ModelID = &m.ID
	}
	if u.Visibility != nil {
		v := model.Visibility(*u.Visibility)
		if !v.Valid() {
			return nil, &registrystore.ValidationError{Field: "visibility", Message: "must be private or public"}
		}
		update.Visibility = &v
	}
	if update.ModelID == nil && update.Visibility == nil {
		return nil, registrystore.BadRequest("nothing to update")
	}

	conv, err := s.store.UpdateConversation(ctx, owner, id, update)
	var forbidden *registrystore.ForbiddenError
	if errors.As(err, &forbidden) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: id.String()}
	}
	if err != nil {
		return nil, err
	}
	s.Invalidate(ctx, owner)
	return conv, nil
}

// Package memory is an in-process history cache backed by ristretto.
// It suits single-replica deployments; invalidation does not reach other replicas.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registrycache "github.com/chirino/chat-service/internal/registry/cache"
	"github.com/dgraph-io/ristretto/v2"
)

const (
	defaultTTL = 10 * time.Minute
	maxOwners  = 10_000
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name: "memory",
		Loader: func(ctx context.Context) (registrycache.HistoryCache, error) {
			ttl := defaultTTL
			if cfg := config.FromContext(ctx); cfg != nil && cfg.HistoryCacheTTL > 0 {
				ttl = cfg.HistoryCacheTTL
			}
			return New(ttl)
		},
	})
}

// New returns a cache holding the history of up to maxOwners owners.
func New(ttl time.Duration) (registrycache.HistoryCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, []model.ConversationWithTurns]{
		NumCounters: maxOwners * 10,
		MaxCost:     maxOwners,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("memory cache: %w", err)
	}
	return &memoryHistoryCache{cache: c, ttl: ttl}, nil
}

type memoryHistoryCache struct {
	cache *ristretto.Cache[string, []model.ConversationWithTurns]
	ttl   time.Duration
}

func (m *memoryHistoryCache) Available() bool { return true }

func (m *memoryHistoryCache) Get(_ context.Context, ownerID string) ([]model.ConversationWithTurns, bool, error) {
	history, ok := m.cache.Get(registrycache.HistoryKey(ownerID))
	return history, ok, nil
}

func (m *memoryHistoryCache) Set(_ context.Context, ownerID string, history []model.ConversationWithTurns, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.ttl
	}
	m.cache.SetWithTTL(registrycache.HistoryKey(ownerID), history, 1, ttl)
	// Sets are buffered; make the value visible to the next Get.
	m.cache.Wait()
	return nil
}

func (m *memoryHistoryCache) Invalidate(_ context.Context, ownerID string) error {
	m.cache.Del(registrycache.HistoryKey(ownerID))
	return nil
}

var _ registrycache.HistoryCache = (*memoryHistoryCache)(nil)
